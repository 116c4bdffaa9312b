package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	EnvProduction = "production"
	EnvSandbox    = "sandbox"
)

type Config struct {
	AppEnv         string
	HTTPAddr       string
	LogLevel       string
	RateLimit      string
	CORSOrigins    []string
	TrustedProxies []string
	VATRate        decimal.Decimal
	Redis          RedisConfig
	DB             DBConfig
	Auth           AuthConfig
	MPesa          MobileMoneyConfig
	Sweeper        SweeperConfig
	Notification   NotificationConfig
	Artifacts      ArtifactConfig
	Company        CompanySettings
}

type DBConfig struct {
	Driver string
	DSN    string
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// MobileMoneyConfig is built once at startup and handed to the STK client.
type MobileMoneyConfig struct {
	Environment       string `validate:"oneof=sandbox production"`
	ConsumerKey       string `validate:"required"`
	ConsumerSecret    string `validate:"required"`
	BusinessShortCode string `validate:"required,numeric"`
	Passkey           string `validate:"required"`
	SiteURL           string `validate:"required,url"`
	AllowedIPs        []string
	EnforceAllowList  bool
}

// BaseURL is derived from the environment, never configured directly.
func (c MobileMoneyConfig) BaseURL() string {
	if c.Environment == EnvProduction {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

func (c MobileMoneyConfig) EcommerceCallbackURL() string {
	return strings.TrimRight(c.SiteURL, "/") + "/api/v1/mpesa/callback"
}

func (c MobileMoneyConfig) POSCallbackURL() string {
	return strings.TrimRight(c.SiteURL, "/") + "/api/v1/pos/mpesa/callback"
}

func (c MobileMoneyConfig) Validate() error {
	return validator.New().Struct(c)
}

type SweeperConfig struct {
	Timeout           time.Duration
	POSTimeout        time.Duration
	StatusQueryMaxAge time.Duration
}

type NotificationConfig struct {
	Window      time.Duration
	SMSAPIURL   string
	SMSAPIKey   string
	SMSUsername string
	SMSSenderID string
	SMTPHost    string
	SMTPPort    string
	SMTPUser    string
	SMTPPass    string
	SMTPFrom    string
}

type ArtifactConfig struct {
	Store              string
	Dir                string
	GCSBucket          string
	GCSCredentialsJSON string
}

type BankAccount struct {
	Bank          string
	Branch        string
	AccountName   string
	AccountNumber string
}

// CompanySettings is the identity block printed on receipts and messages.
type CompanySettings struct {
	Name         string
	Address      string
	Phone        string
	Email        string
	KRAPin       string
	Paybill      string
	Till         string
	BankAccounts []BankAccount
}

func LoadConfig() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	vatRate, err := decimal.NewFromString(getEnv("VAT_RATE", "16.0"))
	if err != nil {
		log.Printf("invalid VAT_RATE, falling back to 16.0: %v", err)
		vatRate = decimal.NewFromInt(16)
	}

	mpesaEnv := getEnv("MPESA_ENVIRONMENT", EnvSandbox)
	appEnv := getEnv("APP_ENV", mpesaEnv)

	return Config{
		AppEnv:         appEnv,
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RateLimit:      getEnv("RATE_LIMIT", "60-M"),
		CORSOrigins:    splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
		TrustedProxies: splitList(getEnv("TRUSTED_PROXIES", "")),
		VATRate:        vatRate,
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		DB: DBConfig{
			Driver: getEnv("DB_DRIVER", "postgres"),
			DSN:    getEnv("DB_DSN", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			TokenTTL:  time.Duration(getEnvInt("JWT_TTL_HOURS", 12)) * time.Hour,
		},
		MPesa: MobileMoneyConfig{
			Environment:       mpesaEnv,
			ConsumerKey:       getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:    getEnv("MPESA_CONSUMER_SECRET", ""),
			BusinessShortCode: getEnv("MPESA_SHORTCODE", ""),
			Passkey:           getEnv("MPESA_PASSKEY", ""),
			SiteURL:           getEnv("SITE_URL", "http://localhost:8080"),
			AllowedIPs:        splitList(getEnv("MPESA_CALLBACK_ALLOWED_IPS", "")),
			EnforceAllowList:  getEnvBool("MPESA_ENFORCE_ALLOWLIST", false),
		},
		Sweeper: SweeperConfig{
			Timeout:           time.Duration(getEnvInt("SWEEP_TIMEOUT_MINUTES", 15)) * time.Minute,
			POSTimeout:        time.Duration(getEnvInt("POS_SWEEP_TIMEOUT_HOURS", 10)) * time.Hour,
			StatusQueryMaxAge: time.Duration(getEnvInt("STATUS_QUERY_MAX_AGE_HOURS", 48)) * time.Hour,
		},
		Notification: NotificationConfig{
			Window:      time.Duration(getEnvInt("NOTIFY_WINDOW_HOURS", 24)) * time.Hour,
			SMSAPIURL:   getEnv("SMS_API_URL", ""),
			SMSAPIKey:   getEnv("SMS_API_KEY", ""),
			SMSUsername: getEnv("SMS_USERNAME", ""),
			SMSSenderID: getEnv("SMS_SENDER_ID", ""),
			SMTPHost:    getEnv("SMTP_HOST", ""),
			SMTPPort:    getEnv("SMTP_PORT", "587"),
			SMTPUser:    getEnv("SMTP_USERNAME", ""),
			SMTPPass:    getEnv("SMTP_PASSWORD", ""),
			SMTPFrom:    getEnv("SMTP_FROM", ""),
		},
		Artifacts: ArtifactConfig{
			Store:              strings.ToLower(getEnv("ARTIFACT_STORE", "local")),
			Dir:                getEnv("ARTIFACT_DIR", "./var/receipts"),
			GCSBucket:          getEnv("GCS_BUCKET", ""),
			GCSCredentialsJSON: getEnv("GCS_CREDENTIALS_JSON", ""),
		},
		Company: CompanySettings{
			Name:         getEnv("COMPANY_NAME", "OG Solar Ltd"),
			Address:      getEnv("COMPANY_ADDRESS", "Nairobi, Kenya"),
			Phone:        getEnv("COMPANY_PHONE", ""),
			Email:        getEnv("COMPANY_EMAIL", ""),
			KRAPin:       getEnv("COMPANY_KRA_PIN", ""),
			Paybill:      getEnv("COMPANY_PAYBILL", ""),
			Till:         getEnv("COMPANY_TILL", ""),
			BankAccounts: parseBankAccounts(getEnv("COMPANY_BANK_ACCOUNTS", "")),
		},
	}
}

func (c Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBankAccounts reads "Bank|Branch|Name|Number;Bank|Branch|Name|Number".
func parseBankAccounts(v string) []BankAccount {
	var accounts []BankAccount
	for _, entry := range strings.Split(v, ";") {
		fields := strings.Split(strings.TrimSpace(entry), "|")
		if len(fields) != 4 {
			continue
		}
		accounts = append(accounts, BankAccount{
			Bank:          strings.TrimSpace(fields[0]),
			Branch:        strings.TrimSpace(fields[1]),
			AccountName:   strings.TrimSpace(fields[2]),
			AccountNumber: strings.TrimSpace(fields[3]),
		})
	}
	return accounts
}

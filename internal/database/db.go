package database

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ogsolar-core/internal/database/models"
)

// slowQuery is the duration above which gorm reports a statement.
const slowQuery = time.Second

// Config returns the gorm settings shared by every connection. Timestamps are
// always written in UTC. Failed and slow statements go to log at warn level.
func Config(log logrus.FieldLogger) *gorm.Config {
	return &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger: logger.New(gormWriter{log}, logger.Config{
			SlowThreshold:             slowQuery,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

type gormWriter struct{ log logrus.FieldLogger }

func (w gormWriter) Printf(format string, args ...any) { w.log.Warnf(format, args...) }

func NewConnection(driver, dsn string, log logrus.FieldLogger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("DB_DSN is required")
	}

	var dialector gorm.Dialector
	switch driver {
	case "postgres", "":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}

	db, err := gorm.Open(dialector, Config(log))
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}

	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		log.WithError(err).Warn("db connected but failed to install otelgorm plugin")
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Customer{},
		&models.Product{},
		&models.StockRecord{},
		&models.StockMovement{},
		&models.Cart{},
		&models.CartItem{},
		&models.Order{},
		&models.OrderItem{},
		&models.OrderStatusHistory{},
		&models.Receipt{},
		&models.Refund{},
		&models.Terminal{},
		&models.CashierSession{},
		&models.Sale{},
		&models.SaleItem{},
		&models.SaleStatusHistory{},
		&models.MobileMoneyTransaction{},
		&models.Payment{},
		&models.SequenceCounter{},
	)
}

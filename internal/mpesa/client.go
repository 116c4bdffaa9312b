package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ogsolar-core/config"
	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/metrics"
)

const (
	requestTimeout    = 30 * time.Second
	attemptTimeout    = 12 * time.Second
	retryDelay        = 2 * time.Second
	maxDescriptionLen = 20
	timestampLayout   = "20060102150405"
	// processingCode is returned by the status query while the customer has
	// not yet answered the prompt.
	processingCode = "500.001.1001"
	// unreachableCode means the prompt could not be delivered yet; the gateway
	// keeps trying, so the attempt stays open.
	unreachableCode = 1037
)

// eat is Kenya's civil time, used for the signed timestamp.
var eat = time.FixedZone("EAT", 3*60*60)

type Client struct {
	cfg        config.MobileMoneyConfig
	baseURL    string
	http       *http.Client
	log        logrus.FieldLogger
	tracer     trace.Tracer
	now        func() time.Time
	retryDelay time.Duration
	attempt    time.Duration
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithBaseURL points the client at a different gateway host, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func WithRetryDelay(d time.Duration) Option { return func(c *Client) { c.retryDelay = d } }

// WithAttemptTimeout bounds one token fetch plus push. The default of 12s
// keeps two attempts and the retry pause inside a 30s request.
func WithAttemptTimeout(d time.Duration) Option { return func(c *Client) { c.attempt = d } }

func NewClient(cfg config.MobileMoneyConfig, log logrus.FieldLogger, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		baseURL:    cfg.BaseURL(),
		http:       &http.Client{Timeout: requestTimeout},
		log:        log.WithField("module", "mpesa"),
		tracer:     otel.Tracer("ogsolar-core/mpesa"),
		now:        time.Now,
		retryDelay: retryDelay,
		attempt:    attemptTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type STKPushRequest struct {
	Phone            string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
	// CallbackURL overrides the URL derived from the account reference.
	CallbackURL string
}

type STKPushResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	CustomerMessage   string
	RawResponse       string
	Attempts          int
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type gatewayResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ResultCode          Code   `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

func (r gatewayResponse) code() string {
	if r.ResponseCode != "" {
		return r.ResponseCode
	}
	return r.ErrorCode
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// AccessToken fetches a fresh bearer token. Tokens are not cached.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "mpesa.access_token")
	defer span.End()
	defer metrics.ObserveGateway("oauth", time.Now())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token request failed")
		return "", fmt.Errorf("token request: %w: %w", apperr.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, resp.Status)
		return "", fmt.Errorf("token request returned %d: %w", resp.StatusCode, apperr.ErrGatewayUnavailable)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("token response unreadable: %w", apperr.ErrGatewayUnavailable)
	}
	return tok.AccessToken, nil
}

func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.BusinessShortCode + c.cfg.Passkey + timestamp))
}

func (c *Client) timestamp() string {
	return c.now().In(eat).Format(timestampLayout)
}

// CallbackURLFor picks the POS or e-commerce callback endpoint from the
// account reference.
func (c *Client) CallbackURLFor(accountReference string) string {
	if strings.HasPrefix(accountReference, "POS-") || strings.HasPrefix(accountReference, "OG-SALE") {
		return c.cfg.POSCallbackURL()
	}
	return c.cfg.EcommerceCallbackURL()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// InitiateSTKPush sends the payment prompt to the customer's phone. A
// transient failure, a timed out attempt included, is retried exactly once
// after a short pause. The push runs on its own budget of two attempts plus
// the pause; cancelling ctx does not cut it short.
func (c *Client) InitiateSTKPush(ctx context.Context, in STKPushRequest) (*STKPushResult, error) {
	amount, err := ValidateAmount(in.Amount)
	if err != nil {
		return nil, err
	}
	phone, err := NormalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}
	callbackURL := in.CallbackURL
	if callbackURL == "" {
		callbackURL = c.CallbackURLFor(in.AccountReference)
	}

	ctx, span := c.tracer.Start(ctx, "mpesa.stk_push", trace.WithAttributes(
		attribute.String("account_reference", in.AccountReference),
		attribute.Int64("amount", amount),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*c.attempt+c.retryDelay)
	defer cancel()

	payload := stkPushPayload{
		BusinessShortCode: c.cfg.BusinessShortCode,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.cfg.BusinessShortCode,
		PhoneNumber:       phone,
		CallBackURL:       callbackURL,
		AccountReference:  in.AccountReference,
		TransactionDesc:   truncate(in.Description, maxDescriptionLen),
	}

	log := c.log.WithField("account_reference", in.AccountReference)
	for attempt := 1; ; attempt++ {
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, c.attempt)
		res, transient, err := c.pushOnce(attemptCtx, payload)
		cancelAttempt()
		if err == nil {
			res.Attempts = attempt
			metrics.STKPushTotal.WithLabelValues("accepted").Inc()
			span.SetAttributes(attribute.String("checkout_request_id", res.CheckoutRequestID))
			log.WithFields(logrus.Fields{
				"checkout_request_id": res.CheckoutRequestID,
				"attempt":             attempt,
			}).Info("stk push accepted")
			return res, nil
		}
		if !transient {
			metrics.STKPushTotal.WithLabelValues("declined").Inc()
			span.SetStatus(codes.Error, "declined")
			return nil, err
		}
		if attempt > 1 {
			metrics.STKPushTotal.WithLabelValues("unavailable").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "unavailable")
			return nil, fmt.Errorf("stk push after retry: %w", err)
		}

		metrics.STKPushTotal.WithLabelValues("retried").Inc()
		log.WithError(err).Warn("stk push transient failure, retrying once")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stk push: %w: %w", apperr.ErrGatewayUnavailable, ctx.Err())
		case <-time.After(c.retryDelay):
		}
	}
}

// pushOnce returns transient=true when a retry may succeed.
func (c *Client) pushOnce(ctx context.Context, payload stkPushPayload) (*STKPushResult, bool, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, true, err
	}

	payload.Timestamp = c.timestamp()
	payload.Password = c.password(payload.Timestamp)

	resp, raw, err := c.post(ctx, "stk_push", "/mpesa/stkpush/v1/processrequest", token, payload)
	if err != nil {
		return nil, true, fmt.Errorf("stk push: %w: %w", apperr.ErrGatewayUnavailable, err)
	}

	code := resp.code()
	switch {
	case code == "0":
		return &STKPushResult{
			CheckoutRequestID: resp.CheckoutRequestID,
			MerchantRequestID: resp.MerchantRequestID,
			CustomerMessage:   resp.CustomerMessage,
			RawResponse:       raw,
		}, false, nil
	case transientResponseCode(code), code == "" || strings.HasPrefix(code, "500."):
		return nil, true, fmt.Errorf("stk push code %q: %w", code, apperr.ErrGatewayUnavailable)
	}
	return nil, false, &apperr.GatewayDeclinedError{Code: code, Message: "Card declined - please retry"}
}

// post sends a bearer-authenticated JSON request. Non-2xx bodies are still
// decoded since the gateway reports errors in JSON.
func (c *Client) post(ctx context.Context, endpoint, path, token string, body any) (gatewayResponse, string, error) {
	defer metrics.ObserveGateway(endpoint, time.Now())

	buf, err := json.Marshal(body)
	if err != nil {
		return gatewayResponse{}, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return gatewayResponse{}, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return gatewayResponse{}, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gatewayResponse{}, "", err
	}
	var out gatewayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= 500 {
			return gatewayResponse{}, string(raw), fmt.Errorf("gateway returned %d", resp.StatusCode)
		}
		return gatewayResponse{}, string(raw), fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return out, string(raw), nil
}

type QueryResult struct {
	// Pending is true while the customer has not answered the prompt.
	Pending    bool
	ResultCode int
	ResultDesc string
	Result     Result
}

// QueryStatus asks the gateway for the outcome of a prompt.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	ctx, span := c.tracer.Start(ctx, "mpesa.stk_query", trace.WithAttributes(
		attribute.String("checkout_request_id", checkoutRequestID),
	))
	defer span.End()

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	ts := c.timestamp()
	payload := map[string]string{
		"BusinessShortCode": c.cfg.BusinessShortCode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	resp, _, err := c.post(ctx, "stk_query", "/mpesa/stkpushquery/v1/query", token, payload)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("stk query: %w: %w", apperr.ErrGatewayUnavailable, err)
		}
		return nil, fmt.Errorf("stk query: %w", err)
	}

	if resp.ErrorCode == processingCode {
		return &QueryResult{Pending: true, ResultDesc: resp.ErrorMessage}, nil
	}
	if resp.ErrorCode != "" {
		span.SetStatus(codes.Error, resp.ErrorCode)
		return nil, fmt.Errorf("stk query code %q: %w", resp.ErrorCode, apperr.ErrGatewayUnavailable)
	}
	if !resp.ResultCode.Set || resp.ResultCode.Value == unreachableCode {
		return &QueryResult{Pending: true, ResultDesc: resp.ResponseDescription}, nil
	}

	return &QueryResult{
		ResultCode: resp.ResultCode.Value,
		ResultDesc: resp.ResultDesc,
		Result:     Classify(resp.ResultCode.Value),
	}, nil
}

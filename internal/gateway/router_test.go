package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ogsolar-core/config"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/sequence"
	"ogsolar-core/internal/services/cart"
	"ogsolar-core/internal/services/inventory"
	"ogsolar-core/internal/services/order"
	"ogsolar-core/internal/services/payment"
	"ogsolar-core/internal/services/payment/paymenttest"
	"ogsolar-core/internal/services/receipt"
	"ogsolar-core/internal/services/reconcile"
	"ogsolar-core/internal/services/sale"
	"ogsolar-core/internal/testutil"
	"ogsolar-core/internal/utils"
)

const safaricomIP = "196.201.214.200:443"

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
}

type fixture struct {
	db      *gorm.DB
	router  *gin.Engine
	gateway *paymenttest.Gateway
	tokens  *utils.TokenIssuer
	panel   models.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.NewDB(t)
	log := testutil.Logger()
	clock := testutil.NewClock(time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC))
	seq := sequence.NewAllocator(clock.Now)
	inv := inventory.NewService(db, nil, seq, log)
	vat := decimal.NewFromInt(16)
	orders := order.NewService(db, inv, seq, nil, vat, log, clock.Now)
	sales := sale.NewService(db, inv, seq, nil, vat, log, clock.Now)
	gw := &paymenttest.Gateway{}
	store, err := receipt.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	tokens, err := utils.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	router, err := NewRouter(Services{
		Carts:      cart.NewService(db, inv, vat, log),
		Orders:     orders,
		Sales:      sales,
		Payments:   payment.NewService(db, gw, orders, sales, nil, log, clock.Now),
		Inventory:  inv,
		Receipts:   receipt.NewBuilder(db, seq, store, config.CompanySettings{Name: "OG Solar Ltd"}, log, clock.Now),
		Reconciler: reconcile.NewService(db, seq, log, clock.Now),
	}, Options{
		RateLimit:        "1000-M",
		EnforceAllowList: true,
		Tokens:           tokens,
		Dependencies: map[string]Pinger{
			"database": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
		},
	}, log)
	require.NoError(t, err)

	return &fixture{db: db, router: router, gateway: gw, tokens: tokens, panel: testutil.SeedSolarPanel(t, db)}
}

func (f *fixture) token(t *testing.T, staffID, role string) string {
	t.Helper()
	token, _, err := f.tokens.GenerateToken(staffID, "", role)
	require.NoError(t, err)
	return token
}

type call struct {
	method    string
	path      string
	body      any
	session   string
	token     string
	remote    string
	forwarded string
}

func (f *fixture) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	switch b := c.body.(type) {
	case nil:
	case []byte:
		body.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&body).Encode(b))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.session != "" {
		req.Header.Set("X-Cart-Session", c.session)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.remote != "" {
		req.RemoteAddr = c.remote
	}
	if c.forwarded != "" {
		req.Header.Set("X-Forwarded-For", c.forwarded)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func TestOnlineCheckoutToReconciliation(t *testing.T) {
	f := newFixture(t)
	const session = "guest-session-1"

	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", session: session,
		body: gin.H{"product_id": f.panel.ID, "quantity": 2}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view cart.View
	decode(t, w, &view)
	assert.Equal(t, int32(2), view.TotalItems)
	assert.True(t, view.Subtotal.Equal(decimal.NewFromInt(56000)), view.Subtotal.String())

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/checkout", session: session, body: gin.H{
		"payment_method":   "mpesa",
		"phone":            "0700111222",
		"cart_fingerprint": view.Fingerprint,
		"customer":         gin.H{"name": "Jane Wanjiru", "email": "jane@example.com"},
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var checkout struct {
		Order       models.Order                  `json:"order"`
		Transaction models.MobileMoneyTransaction `json:"transaction"`
	}
	decode(t, w, &checkout)
	number := checkout.Order.OrderNumber
	assert.Equal(t, "OG-ORD-2025-0001", number)
	require.NotNil(t, checkout.Transaction.CheckoutRequestID)
	checkoutID := *checkout.Transaction.CheckoutRequestID
	require.Len(t, f.gateway.Pushes, 1)
	assert.Equal(t, "254700111222", f.gateway.Pushes[0].Phone)

	assert.Equal(t, http.StatusNotFound, f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + number, session: "someone-else"}).Code)
	assert.Equal(t, http.StatusOK, f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + number, session: session}).Code)

	var status struct {
		Status         string `json:"status"`
		Phone          string `json:"phone"`
		GatewayReceipt string `json:"gateway_receipt"`
		Message        string `json:"message"`
	}
	decode(t, f.do(t, call{method: http.MethodGet, path: "/api/v1/payments/" + checkoutID}), &status)
	assert.Equal(t, "pending", status.Status)
	assert.Equal(t, "*********222", status.Phone)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/mpesa/callback", remote: safaricomIP,
		body: paymenttest.SuccessCallback(checkoutID, "QABCD12345", 56000, "20250301101500")})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Success"}`, w.Body.String())

	decode(t, f.do(t, call{method: http.MethodGet, path: "/api/v1/payments/" + checkoutID}), &status)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, "QABCD12345", status.GatewayReceipt)
	assert.Equal(t, "Payment completed", status.Message)

	staff := f.token(t, "staff-1", utils.RoleStaff)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, call{method: http.MethodGet, path: "/api/v1/admin/orders/" + number}).Code)
	var detail struct {
		Order        models.Order                   `json:"order"`
		Transactions []models.MobileMoneyTransaction `json:"transactions"`
	}
	decode(t, f.do(t, call{method: http.MethodGet, path: "/api/v1/admin/orders/" + number, token: staff}), &detail)
	assert.Equal(t, models.OrderPaid, detail.Order.Status)
	assert.Equal(t, models.PaymentPaid, detail.Order.PaymentStatus)
	require.Len(t, detail.Transactions, 1)

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/admin/orders/" + number + "/receipt", token: staff})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="RCT-2025-0001.txt"`, w.Header().Get("Content-Disposition"))
	assert.Contains(t, w.Body.String(), "Receipt No: RCT-2025-0001")

	assert.Equal(t, http.StatusForbidden, f.do(t, call{method: http.MethodGet, path: "/api/v1/admin/reconcile/transactions", token: staff}).Code)
	accounts := f.token(t, "accounts-1", utils.RoleAccounts)
	var entries []reconcile.Entry
	decode(t, f.do(t, call{method: http.MethodGet, path: "/api/v1/admin/reconcile/transactions?from=2025-03-01&to=2025-03-01", token: accounts}), &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, number, entries[0].Reference)
	require.NotNil(t, entries[0].PaymentID)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/admin/reconcile/payments/" + jsonNumber(*entries[0].PaymentID),
		token: accounts, body: gin.H{"bank_date": "2025-03-03"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var p models.Payment
	decode(t, w, &p)
	require.NotNil(t, p.LedgerRef)
	assert.Equal(t, "TXN-2025-000001", *p.LedgerRef)
	assert.Equal(t, "accounts-1", p.ReconciledBy)

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/admin/reconcile/export?from=2025-03-01", token: accounts})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Row-Count"))
	assert.Equal(t, `attachment; filename="mpesa-transactions-2025-03-01.xlsx"`, w.Header().Get("Content-Disposition"))
}

type placedOrder struct {
	number     string
	checkoutID string
}

// checkoutOrder places a one-panel M-Pesa order and returns it awaiting the
// customer's confirmation.
func (f *fixture) checkoutOrder(t *testing.T) placedOrder {
	t.Helper()
	const session = "guest-session-2"
	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", session: session,
		body: gin.H{"product_id": f.panel.ID, "quantity": 1}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/checkout", session: session, body: gin.H{
		"payment_method": "mpesa",
		"phone":          "0700111222",
		"customer":       gin.H{"name": "Jane Wanjiru"},
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var checkout struct {
		Order       models.Order                  `json:"order"`
		Transaction models.MobileMoneyTransaction `json:"transaction"`
	}
	decode(t, w, &checkout)
	require.NotNil(t, checkout.Transaction.CheckoutRequestID)
	return placedOrder{number: checkout.Order.OrderNumber, checkoutID: *checkout.Transaction.CheckoutRequestID}
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestCheckoutErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/checkout", body: gin.H{"payment_method": "mpesa"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	env := decode(t, w, nil)
	assert.False(t, env.Success)
	assert.Equal(t, "Your cart is empty", env.Message)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", session: "s-1",
		body: gin.H{"product_id": f.panel.ID, "quantity": 11}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Out of stock", decode(t, w, nil).Message)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", session: "s-1", body: gin.H{"quantity": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", session: "s-1",
		body: gin.H{"product_id": f.panel.ID, "quantity": 1}})
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/checkout", session: "s-1",
		body: gin.H{"payment_method": "mpesa", "cart_fingerprint": "stale"}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Your cart changed, please review it and try again", decode(t, w, nil).Message)

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/payments/ws_CO_UNKNOWN"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCallbackEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/pos/mpesa/callback", remote: safaricomIP, body: []byte(`{"Body":`)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ResultCode":1,"ResultDesc":"invalid callback payload"}`, w.Body.String())

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/mpesa/callback", remote: safaricomIP,
		body: paymenttest.SuccessCallback("ws_CO_NOBODY", "QX", 10, "20250301101500")})
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Success"}`, w.Body.String())

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/mpesa/callback", remote: "203.0.113.9:443",
		body: paymenttest.SuccessCallback("ws_CO_NOBODY", "QX", 10, "20250301101500")})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCallbackRejectsOversizedBody(t *testing.T) {
	f := newFixture(t)
	o := f.checkoutOrder(t)

	body := append(paymenttest.SuccessCallback(o.checkoutID, "QBIG00001", 28000, "20250301101500"), bytes.Repeat([]byte(" "), 70<<10)...)
	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/mpesa/callback", remote: safaricomIP, body: body})
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.JSONEq(t, `{"ResultCode":1,"ResultDesc":"payload too large"}`, w.Body.String())

	var stored models.Order
	require.NoError(t, f.db.Where("order_number = ?", o.number).First(&stored).Error)
	assert.Equal(t, models.OrderPendingPayment, stored.Status)
}

func TestCallbackIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	f := newFixture(t)
	o := f.checkoutOrder(t)

	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/mpesa/callback", remote: "203.0.113.9:1234",
		forwarded: "196.201.214.200",
		body:      paymenttest.SuccessCallback(o.checkoutID, "QFORGED01", 28000, "20250301101500")})
	require.Equal(t, http.StatusForbidden, w.Code)

	var stored models.Order
	require.NoError(t, f.db.Where("order_number = ?", o.number).First(&stored).Error)
	assert.Equal(t, models.OrderPendingPayment, stored.Status)
}

func TestPOSCashSale(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&models.Terminal{Code: "TILL-1", Name: "Front counter", IsActive: true}).Error)
	cashier := f.token(t, "cashier-1", utils.RoleCashier)

	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/admin/pos/sessions", token: cashier,
		body: gin.H{"terminal_code": "TILL-1", "opening_float": "500"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var session models.CashierSession
	decode(t, w, &session)
	assert.Equal(t, "cashier-1", session.CashierID)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/admin/pos/sales", token: cashier, body: gin.H{
		"session_id":     session.ID,
		"payment_method": "cash",
		"items":          []gin.H{{"product_id": f.panel.ID, "quantity": 1}},
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var s models.Sale
	decode(t, w, &s)
	assert.Equal(t, "OG-SALE-2025-0001", s.SaleNumber)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/admin/pos/sales/" + s.SaleNumber + "/complete", token: cashier,
		body: gin.H{"method": "cash", "tendered": "30000"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &s)
	assert.Equal(t, models.SaleCompleted, s.Status)
	assert.True(t, s.ChangeDue.Equal(decimal.NewFromInt(2000)), s.ChangeDue.String())
	assert.Equal(t, int32(9), testutil.OnHand(t, f.db, f.panel.ID))

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/admin/pos/sales/" + s.SaleNumber + "/receipt", token: cashier})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "OG-RCP-2025-0001")

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/admin/pos/sales/" + s.SaleNumber + "/refund", token: cashier, body: gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/admin/pos/sessions/" + jsonNumber(session.ID) + "/close", token: cashier})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	reconcileAttempt := f.do(t, call{method: http.MethodGet, path: "/api/v1/admin/reconcile/transactions", token: cashier})
	assert.Equal(t, http.StatusForbidden, reconcileAttempt.Code)
}

func TestInventoryRoutes(t *testing.T) {
	f := newFixture(t)
	staff := f.token(t, "staff-1", utils.RoleStaff)

	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/admin/inventory/products/" + jsonNumber(f.panel.ID) + "/adjust", token: staff,
		body: gin.H{"quantity": -8, "reason": "damaged in transit"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int32(2), testutil.OnHand(t, f.db, f.panel.ID))

	var levels []map[string]any
	decode(t, f.do(t, call{method: http.MethodGet, path: "/api/v1/admin/inventory/low-stock", token: staff}), &levels)
	require.Len(t, levels, 1)
	assert.Equal(t, "SolarPanel-250W", levels[0]["sku"])

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/products/abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, call{method: http.MethodGet, path: "/health"}).Code)

	w := f.do(t, call{method: http.MethodGet, path: "/health/detailed"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"overall_status":"healthy"`)

	w = f.do(t, call{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, w.Code)
}

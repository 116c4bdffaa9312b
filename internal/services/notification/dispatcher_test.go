package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ogsolar-core/config"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/runlock"
	"ogsolar-core/internal/sequence"
	"ogsolar-core/internal/services/cart"
	"ogsolar-core/internal/services/customer"
	"ogsolar-core/internal/services/inventory"
	"ogsolar-core/internal/services/order"
	"ogsolar-core/internal/services/payment"
	"ogsolar-core/internal/services/payment/paymenttest"
	"ogsolar-core/internal/services/receipt"
	"ogsolar-core/internal/services/sale"
	"ogsolar-core/internal/testutil"
)

type fakeSMS struct {
	mu   sync.Mutex
	err  error
	sent map[string][]string
}

func (f *fakeSMS) SendSMS(_ context.Context, phone, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.sent == nil {
		f.sent = map[string][]string{}
	}
	f.sent[phone] = append(f.sent[phone], message)
	return nil
}

type fakeEmail struct {
	mu   sync.Mutex
	err  error
	sent []Email
}

func (f *fakeEmail) SendEmail(_ context.Context, e Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, e)
	return nil
}

type fixture struct {
	db         *gorm.DB
	clock      *testutil.Clock
	sms        *fakeSMS
	email      *fakeEmail
	dispatcher *Dispatcher
	orders     *order.Service
	sales      *sale.Service
	payments   *payment.Service
	carts      *cart.Service
	panel      models.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	log := testutil.Logger()
	clock := testutil.NewClock(time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC))
	seq := sequence.NewAllocator(clock.Now)
	inv := inventory.NewService(db, nil, seq, log)
	vat := decimal.NewFromInt(16)
	orders := order.NewService(db, inv, seq, nil, vat, log, clock.Now)
	sales := sale.NewService(db, inv, seq, nil, vat, log, clock.Now)
	store, err := receipt.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	company := config.CompanySettings{Name: "OG Solar Ltd"}

	sms, email := &fakeSMS{}, &fakeEmail{}
	return &fixture{
		db:    db,
		clock: clock,
		sms:   sms,
		email: email,
		dispatcher: NewDispatcher(db, sms, email,
			receipt.NewBuilder(db, seq, store, company, log, clock.Now),
			runlock.New(nil, log), company, 0, log, clock.Now),
		orders:   orders,
		sales:    sales,
		payments: payment.NewService(db, &paymenttest.Gateway{}, orders, sales, nil, log, clock.Now),
		carts:    cart.NewService(db, inv, vat, log),
		panel:    testutil.SeedSolarPanel(t, db),
	}
}

// paidOrder settles a two panel order at 10:15 EAT on 1 March 2025.
func (f *fixture) paidOrder(t *testing.T, contact customer.Contact) (*models.Order, int64) {
	t.Helper()
	ctx := context.Background()
	owner := "session-" + t.Name()
	_, err := f.carts.Add(ctx, owner, f.panel.ID, 2, true)
	require.NoError(t, err)
	o, err := f.orders.CreateFromCart(ctx, order.CreateInput{Owner: owner, Customer: contact, PaymentMethod: models.MethodMpesa})
	require.NoError(t, err)
	txn, err := f.payments.InitiateOrder(ctx, o.OrderNumber, "254700111222", "web")
	require.NoError(t, err)
	_, err = f.payments.HandleCallback(ctx, "ecommerce", paymenttest.SuccessCallback(*txn.CheckoutRequestID, "QABCD12345", 56000, "20250301101500"))
	require.NoError(t, err)
	return o, txn.ID
}

func (f *fixture) txn(t *testing.T, id int64) models.MobileMoneyTransaction {
	t.Helper()
	var txn models.MobileMoneyTransaction
	require.NoError(t, f.db.First(&txn, id).Error)
	return txn
}

func TestSyncNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, id := f.paidOrder(t, customer.Contact{Name: "Jane Wanjiru", Email: "jane@example.com", Phone: "254711000111"})

	f.clock.Advance(time.Hour)
	report, err := f.dispatcher.Sync(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Notified)

	require.Len(t, f.sms.sent["254711000111"], 1)
	assert.Equal(t, "Dear Jane, we have received KES 56,000.00 for "+o.OrderNumber+". M-Pesa ref QABCD12345. Thank you for choosing OG Solar Ltd.",
		f.sms.sent["254711000111"][0])

	require.Len(t, f.email.sent, 1)
	mail := f.email.sent[0]
	assert.Equal(t, "jane@example.com", mail.To)
	assert.Equal(t, "Payment received for "+o.OrderNumber, mail.Subject)
	assert.Contains(t, mail.HTML, "KES 56,000.00")
	assert.Contains(t, mail.HTML, "01 Mar 2025 10:15 EAT")
	assert.Contains(t, mail.HTML, "RCT-2025-0001 (attached)")
	require.Len(t, mail.Attachments, 1)
	assert.Equal(t, "RCT-2025-0001.txt", mail.Attachments[0].Filename)
	assert.Contains(t, string(mail.Attachments[0].Data), "Receipt No: RCT-2025-0001")

	txn := f.txn(t, id)
	assert.True(t, txn.NotificationSent)
	assert.True(t, txn.SMSSent)
	assert.True(t, txn.EmailSent)
	require.NotNil(t, txn.NotificationSentAt)

	report, err = f.dispatcher.Sync(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Len(t, f.email.sent, 1)
}

func TestOneChannelIsEnough(t *testing.T) {
	f := newFixture(t)
	f.sms.err = errors.New("provider down")
	_, id := f.paidOrder(t, customer.Contact{Name: "Jane Wanjiru", Email: "jane@example.com"})

	report, err := f.dispatcher.Sync(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, 1, report.EmailSent)
	assert.Zero(t, report.SMSSent)

	txn := f.txn(t, id)
	assert.True(t, txn.NotificationSent)
	assert.False(t, txn.SMSSent)
	assert.True(t, txn.EmailSent)
}

func TestFailedSendStaysEligible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sms.err = errors.New("provider down")
	f.email.err = errors.New("smtp refused")
	_, id := f.paidOrder(t, customer.Contact{Name: "Jane Wanjiru", Email: "jane@example.com"})

	report, err := f.dispatcher.Sync(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, f.txn(t, id).NotificationSent)

	f.sms.err = nil
	report, err = f.dispatcher.Sync(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
	txn := f.txn(t, id)
	assert.True(t, txn.NotificationSent)
	assert.True(t, txn.SMSSent)
	assert.False(t, txn.EmailSent)
}

func TestWindowExcludesOldPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidOrder(t, customer.Contact{Name: "Jane Wanjiru"})

	f.clock.Advance(30 * time.Hour)
	report, err := f.dispatcher.Sync(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)

	report, err = f.dispatcher.Sync(ctx, 3*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
}

func TestSaleFallsBackToTransactionPhone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Create(&models.Terminal{Code: "TILL-1", Name: "Front counter", IsActive: true}).Error)
	session, err := f.sales.OpenSession(ctx, "cashier-1", "TILL-1", decimal.Zero)
	require.NoError(t, err)
	sl, err := f.sales.Create(ctx, sale.CreateInput{
		SessionID:     session.ID,
		CashierID:     "cashier-1",
		PaymentMethod: models.MethodMpesa,
		Items:         []sale.ItemInput{{ProductID: f.panel.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	txn, err := f.payments.InitiateSale(ctx, sl.SaleNumber, "0712345678", "cashier-1")
	require.NoError(t, err)
	_, err = f.payments.HandleCallback(ctx, "pos", paymenttest.SuccessCallback(*txn.CheckoutRequestID, "QPOS000001", 28000, "20250301101500"))
	require.NoError(t, err)

	report, err := f.dispatcher.Sync(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
	require.Len(t, f.sms.sent["254712345678"], 1)
	assert.Contains(t, f.sms.sent["254712345678"][0], "Dear customer, we have received KES 28,000.00 for "+sl.SaleNumber)
	assert.Empty(t, f.email.sent)
}

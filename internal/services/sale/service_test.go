package sale

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/sequence"
	"ogsolar-core/internal/services/customer"
	"ogsolar-core/internal/services/inventory"
	"ogsolar-core/internal/testutil"
)

type fixture struct {
	db      *gorm.DB
	svc     *Service
	clock   *testutil.Clock
	panel   models.Product
	session *models.CashierSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	log := testutil.Logger()
	clock := testutil.NewClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	seq := sequence.NewAllocator(clock.Now)
	inv := inventory.NewService(db, nil, seq, log)
	svc := NewService(db, inv, seq, nil, decimal.NewFromInt(16), log, clock.Now)

	require.NoError(t, db.Create(&models.Terminal{Code: "TILL-1", Name: "Front counter", IsActive: true}).Error)
	session, err := svc.OpenSession(context.Background(), "cashier-1", "TILL-1", decimal.NewFromInt(5000))
	require.NoError(t, err)

	return &fixture{db: db, svc: svc, clock: clock, panel: testutil.SeedSolarPanel(t, db), session: session}
}

func (f *fixture) sell(t *testing.T, qty int32, method models.PaymentMethod) *models.Sale {
	t.Helper()
	sale, err := f.svc.Create(context.Background(), CreateInput{
		SessionID:     f.session.ID,
		CashierID:     "cashier-1",
		Customer:      customer.Contact{Name: "Peter Otieno", Email: "peter@example.com"},
		PaymentMethod: method,
		Items:         []ItemInput{{ProductID: f.panel.ID, Quantity: qty}},
	})
	require.NoError(t, err)
	return sale
}

func TestSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.OpenSession(ctx, "cashier-1", "TILL-1", decimal.Zero)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.OpenSession(ctx, "cashier-2", "TILL-9", decimal.Zero)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.CloseSession(ctx, f.session.ID, "cashier-2")
	assert.ErrorIs(t, err, apperr.ErrNoActiveSession)

	closed, err := f.svc.CloseSession(ctx, f.session.ID, "cashier-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	_, err = f.svc.Create(ctx, CreateInput{
		SessionID:     f.session.ID,
		CashierID:     "cashier-1",
		PaymentMethod: models.MethodCash,
		Items:         []ItemInput{{ProductID: f.panel.ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, apperr.ErrNoActiveSession)
}

func TestCreateSale(t *testing.T) {
	f := newFixture(t)
	sale := f.sell(t, 1, models.MethodMpesa)

	assert.Equal(t, "OG-SALE-2025-0001", sale.SaleNumber)
	assert.Equal(t, "OG-RCP-2025-0001", sale.ReceiptNumber)
	assert.Equal(t, models.SalePendingPayment, sale.Status)
	assert.Equal(t, "24137.93", sale.SubtotalExVAT.StringFixed(2))
	assert.Equal(t, "3862.07", sale.TaxAmount.StringFixed(2))
	assert.Equal(t, "28000.00", sale.GrandTotal.StringFixed(2))
	require.Len(t, sale.Items, 1)
	assert.Equal(t, "16.00", sale.Items[0].VATRate.StringFixed(2))
	assert.Equal(t, int32(10), testutil.OnHand(t, f.db, f.panel.ID))

	history, err := f.svc.History(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.SaleDraft, history[0].PrevStatus)
	assert.Equal(t, models.SalePendingPayment, history[0].NewStatus)

	second := f.sell(t, 1, models.MethodCash)
	assert.Equal(t, "OG-SALE-2025-0002", second.SaleNumber)
	assert.Equal(t, "OG-RCP-2025-0002", second.ReceiptNumber)
}

func TestCreateSaleLineDiscount(t *testing.T) {
	f := newFixture(t)
	sale, err := f.svc.Create(context.Background(), CreateInput{
		SessionID:     f.session.ID,
		CashierID:     "cashier-1",
		PaymentMethod: models.MethodCash,
		Items:         []ItemInput{{ProductID: f.panel.ID, Quantity: 2, DiscountPct: decimal.NewFromInt(10)}},
	})
	require.NoError(t, err)

	require.Len(t, sale.Items, 1)
	assert.Equal(t, "50400.00", sale.Items[0].LineTotal.StringFixed(2))
	assert.Equal(t, "5600.00", sale.Items[0].DiscountAmount.StringFixed(2))
	assert.Equal(t, "50400.00", sale.GrandTotal.StringFixed(2))
	assert.True(t, sale.SubtotalExVAT.Sub(sale.DiscountAmount).Add(sale.TaxAmount).Equal(sale.GrandTotal))
	assert.Nil(t, sale.CustomerID)
}

func TestCreateSaleRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{SessionID: f.session.ID, PaymentMethod: models.MethodCash})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Create(ctx, CreateInput{
		SessionID:     f.session.ID,
		PaymentMethod: models.MethodCashOnDelivery,
		Items:         []ItemInput{{ProductID: f.panel.ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Create(ctx, CreateInput{
		SessionID:     f.session.ID,
		PaymentMethod: models.MethodCash,
		Items:         []ItemInput{{ProductID: f.panel.ID, Quantity: 11}},
	})
	var stockErr *apperr.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)

	// A failed sale does not consume a number.
	sale := f.sell(t, 1, models.MethodCash)
	assert.Equal(t, "OG-SALE-2025-0001", sale.SaleNumber)
}

func TestCompleteCash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t, 1, models.MethodCash)

	_, err := f.svc.Complete(ctx, sale.SaleNumber, Settlement{Method: models.MethodCash, Tendered: decimal.NewFromInt(20000), Actor: "cashier-1"})
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)

	done, err := f.svc.Complete(ctx, sale.SaleNumber, Settlement{Method: models.MethodCash, Tendered: decimal.NewFromInt(30000), Actor: "cashier-1"})
	require.NoError(t, err)
	assert.Equal(t, models.SaleCompleted, done.Status)
	assert.Equal(t, "2000.00", done.ChangeDue.StringFixed(2))
	assert.Equal(t, "30000.00", done.AmountTendered.StringFixed(2))
	require.NotNil(t, done.PaidAt)
	assert.Equal(t, int32(9), testutil.OnHand(t, f.db, f.panel.ID))

	var payments []models.Payment
	require.NoError(t, f.db.Where("sale_id = ?", sale.ID).Find(&payments).Error)
	require.Len(t, payments, 1)
	assert.Equal(t, "28000.00", payments[0].Amount.StringFixed(2))

	require.NotNil(t, done.Customer)
	assert.Equal(t, int32(1), done.Customer.PurchaseCount)
	assert.Equal(t, int64(280), done.Customer.LoyaltyPoints)

	_, err = f.svc.Complete(ctx, sale.SaleNumber, Settlement{Method: models.MethodCash, Actor: "cashier-1"})
	var illegal *apperr.IllegalTransitionError
	assert.ErrorAs(t, err, &illegal)
	assert.Equal(t, int32(9), testutil.OnHand(t, f.db, f.panel.ID))
}

func TestCompleteCashClosesWaitingPrompt(t *testing.T) {
	f := newFixture(t)
	sale := f.sell(t, 1, models.MethodMpesa)

	ref := "ws_CO_TILL_1"
	txn := models.MobileMoneyTransaction{Phone: "254712345678", Amount: sale.GrandTotal, AccountReference: sale.SaleNumber, Status: models.TxnPending, CheckoutRequestID: &ref}
	models.SaleLink(sale.ID).Apply(&txn)
	require.NoError(t, f.db.Create(&txn).Error)

	done, err := f.svc.Complete(context.Background(), sale.SaleNumber, Settlement{Method: models.MethodCash, Actor: "cashier-1"})
	require.NoError(t, err)
	assert.Equal(t, models.SaleCompleted, done.Status)
	assert.Equal(t, models.MethodCash, done.PaymentMethod)

	require.NoError(t, f.db.First(&txn, txn.ID).Error)
	assert.Equal(t, models.TxnCancelled, txn.Status)
	assert.Equal(t, "Sale paid by cash", txn.ErrorMessage)
}

func TestCompleteRejectsMobileMoney(t *testing.T) {
	f := newFixture(t)
	sale := f.sell(t, 1, models.MethodMpesa)

	_, err := f.svc.Complete(context.Background(), sale.SaleNumber, Settlement{Method: models.MethodMpesa})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCancelPendingSaleKeepsStock(t *testing.T) {
	f := newFixture(t)
	sale := f.sell(t, 2, models.MethodMpesa)

	txn := models.MobileMoneyTransaction{Phone: "254712345678", Amount: sale.GrandTotal, AccountReference: "POS-1", Status: models.TxnInitiated}
	models.SaleLink(sale.ID).Apply(&txn)
	require.NoError(t, f.db.Create(&txn).Error)

	out, err := f.svc.Cancel(context.Background(), sale.SaleNumber, "cashier-1", "customer walked away")
	require.NoError(t, err)
	assert.Equal(t, models.SaleCancelled, out.Status)
	assert.Equal(t, int32(10), testutil.OnHand(t, f.db, f.panel.ID))

	require.NoError(t, f.db.First(&txn, txn.ID).Error)
	assert.Equal(t, models.TxnCancelled, txn.Status)

	_, err = f.svc.Cancel(context.Background(), sale.SaleNumber, "cashier-1", "again")
	var illegal *apperr.IllegalTransitionError
	assert.ErrorAs(t, err, &illegal)
}

func TestRefundRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t, 3, models.MethodCash)

	_, err := f.svc.Refund(ctx, sale.SaleNumber, "supervisor", "faulty")
	var illegal *apperr.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)

	_, err = f.svc.Complete(ctx, sale.SaleNumber, Settlement{Method: models.MethodCash, Actor: "cashier-1"})
	require.NoError(t, err)
	assert.Equal(t, int32(7), testutil.OnHand(t, f.db, f.panel.ID))

	_, err = f.svc.Refund(ctx, sale.SaleNumber, "supervisor", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	out, err := f.svc.Refund(ctx, sale.SaleNumber, "supervisor", "faulty")
	require.NoError(t, err)
	assert.Equal(t, models.SaleRefunded, out.Status)
	assert.Equal(t, int32(10), testutil.OnHand(t, f.db, f.panel.ID))

	var p models.Payment
	require.NoError(t, f.db.Where("sale_id = ?", sale.ID).First(&p).Error)
	assert.Equal(t, models.PaymentRecordRefunded, p.Status)

	history, err := f.svc.History(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].CreatedAt.After(history[i-1].CreatedAt))
	}
}

func TestCloseSessionWithWaitingSale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t, 1, models.MethodMpesa)

	_, err := f.svc.CloseSession(ctx, f.session.ID, "cashier-1")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Cancel(ctx, sale.SaleNumber, "cashier-1", "")
	require.NoError(t, err)
	_, err = f.svc.CloseSession(ctx, f.session.ID, "cashier-1")
	assert.NoError(t, err)

	sales, err := f.svc.ListBySession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Len(t, sales, 1)
}

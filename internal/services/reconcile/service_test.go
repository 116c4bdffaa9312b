package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/sequence"
	"ogsolar-core/internal/services/cart"
	"ogsolar-core/internal/services/inventory"
	"ogsolar-core/internal/services/order"
	"ogsolar-core/internal/services/payment"
	"ogsolar-core/internal/services/payment/paymenttest"
	"ogsolar-core/internal/services/sale"
	"ogsolar-core/internal/testutil"
)

type fixture struct {
	db       *gorm.DB
	svc      *Service
	orders   *order.Service
	payments *payment.Service
	carts    *cart.Service
	panel    models.Product
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
	return &fixture{
		db:       db,
		svc:      NewService(db, seq, log, clock.Now),
		orders:   orders,
		payments: payment.NewService(db, &paymenttest.Gateway{}, orders, sales, nil, log, clock.Now),
		carts:    cart.NewService(db, inv, vat, log),
		panel:    testutil.SeedSolarPanel(t, db),
	}
}

// settle places a one panel order and answers its prompt with code.
func (f *fixture) settle(t *testing.T, n int, code int, transactionDate string) *models.Order {
	t.Helper()
	ctx := context.Background()
	owner := fmt.Sprintf("session-%d", n)
	_, err := f.carts.Add(ctx, owner, f.panel.ID, 1, true)
	require.NoError(t, err)
	o, err := f.orders.CreateFromCart(ctx, order.CreateInput{Owner: owner, PaymentMethod: models.MethodMpesa})
	require.NoError(t, err)
	txn, err := f.payments.InitiateOrder(ctx, o.OrderNumber, "254700111222", "web")
	require.NoError(t, err)

	body := paymenttest.FailureCallback(*txn.CheckoutRequestID, code, "failed")
	if code == 0 {
		body = paymenttest.SuccessCallback(*txn.CheckoutRequestID, fmt.Sprintf("QREC%06d", n), 28000, transactionDate)
	}
	_, err = f.payments.HandleCallback(ctx, "ecommerce", body)
	require.NoError(t, err)
	return o
}

func TestCompletedPagesBySettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	later := f.settle(t, 1, 0, "20250301120000")
	earlier := f.settle(t, 2, 0, "20250301110000")
	f.settle(t, 3, 2001, "")

	first, err := f.svc.Completed(ctx, Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, first.Entries, 1)
	assert.Equal(t, earlier.OrderNumber, first.Entries[0].Reference)
	assert.Equal(t, "QREC000002", first.Entries[0].GatewayReceipt)
	assert.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), first.Entries[0].SettledAt)
	assert.Equal(t, "*********222", first.Entries[0].Phone)
	require.NotNil(t, first.Entries[0].PaymentID)
	assert.Equal(t, models.PaymentRecordCompleted, first.Entries[0].PaymentStatus)
	require.NotEmpty(t, first.Next)

	after, err := ParseCursor(first.Next)
	require.NoError(t, err)
	second, err := f.svc.Completed(ctx, Query{Limit: 1, After: after})
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
	assert.Equal(t, later.OrderNumber, second.Entries[0].Reference)
	assert.Empty(t, second.Next)

	windowed, err := f.svc.Completed(ctx, Query{
		From: time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, windowed.Entries, 1)
	assert.Equal(t, later.OrderNumber, windowed.Entries[0].Reference)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	c, err := ParseCursor("")
	require.NoError(t, err)
	assert.Nil(t, c)

	for _, s := range []string{"abc", "1_x", "x_1"} {
		_, err := ParseCursor(s)
		assert.ErrorIs(t, err, apperr.ErrValidation, s)
	}
}

func TestMarkReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settle(t, 1, 0, "20250301110000")
	page, err := f.svc.Completed(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	paymentID := *page.Entries[0].PaymentID

	bankDate := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	p, err := f.svc.MarkReconciled(ctx, paymentID, bankDate, "accounts")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRecordReconciled, p.Status)
	require.NotNil(t, p.LedgerRef)
	assert.Equal(t, "TXN-2025-000001", *p.LedgerRef)
	assert.Equal(t, "accounts", p.ReconciledBy)
	assert.True(t, bankDate.Equal(*p.ReconciledAt))

	again, err := f.svc.MarkReconciled(ctx, paymentID, time.Time{}, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "TXN-2025-000001", *again.LedgerRef)
	assert.Equal(t, "accounts", again.ReconciledBy)

	page, err = f.svc.Completed(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, "TXN-2025-000001", page.Entries[0].LedgerRef)

	_, err = f.svc.MarkReconciled(ctx, 9999, bankDate, "accounts")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.MarkReconciled(ctx, paymentID, bankDate, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRefundedPaymentCannotBeReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settle(t, 1, 0, "20250301110000")
	var p models.Payment
	require.NoError(t, f.db.First(&p).Error)
	require.NoError(t, f.db.Model(&p).Update("status", models.PaymentRecordRefunded).Error)

	_, err := f.svc.MarkReconciled(ctx, p.ID, time.Time{}, "accounts")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.settle(t, 1, 0, "20250301110000")
	second := f.settle(t, 2, 0, "20250301120000")

	var buf bytes.Buffer
	n, err := f.svc.Export(ctx, time.Time{}, time.Time{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	wb, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportHeaders, rows[0])
	assert.Equal(t, first.OrderNumber, rows[1][1])
	assert.Equal(t, "28000", rows[1][4])
	assert.Equal(t, "QREC000001", rows[1][5])
	assert.Equal(t, "2025-03-01 08:00:00", rows[1][6])
	assert.Equal(t, "completed", rows[1][7])
	assert.Equal(t, second.OrderNumber, rows[2][1])
}

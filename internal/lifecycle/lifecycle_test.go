package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
)

func TestOrderTable(t *testing.T) {
	legal := [][2]models.OrderStatus{
		{models.OrderReceived, models.OrderPendingPayment},
		{models.OrderReceived, models.OrderPayOnDelivery},
		{models.OrderPendingPayment, models.OrderFailed},
		{models.OrderPaymentTimeout, models.OrderPendingPayment},
		{models.OrderDelivered, models.OrderPaid},
		{models.OrderReturned, models.OrderRefunded},
	}
	for _, p := range legal {
		assert.True(t, CanOrder(p[0], p[1]), "%s -> %s", p[0], p[1])
	}

	illegal := [][2]models.OrderStatus{
		{models.OrderPaid, models.OrderReceived},
		{models.OrderPackedReady, models.OrderCancelled},
		{models.OrderCancelled, models.OrderPendingPayment},
		{models.OrderRefunded, models.OrderReturned},
		{models.OrderPayOnDelivery, models.OrderPaid},
	}
	for _, p := range illegal {
		assert.False(t, CanOrder(p[0], p[1]), "%s -> %s", p[0], p[1])
	}
}

func TestCheckOrderGuards(t *testing.T) {
	tests := []struct {
		name  string
		order models.Order
		to    models.OrderStatus
		guard bool
		err   bool
	}{
		{"paid needs payment", models.Order{Status: models.OrderPendingPayment, PaymentStatus: models.PaymentPending}, models.OrderPaid, true, true},
		{"paid with payment", models.Order{Status: models.OrderPendingPayment, PaymentStatus: models.PaymentPaid}, models.OrderPaid, false, false},
		{"cod settled", models.Order{Status: models.OrderDelivered, PaymentStatus: models.PaymentPending}, models.OrderPaid, false, false},
		{"ship without tracking", models.Order{Status: models.OrderPackedReady}, models.OrderShipped, true, true},
		{"ship with tracking", models.Order{Status: models.OrderPackedReady, TrackingNumber: "G4S-1182"}, models.OrderShipped, false, false},
		{"illegal", models.Order{Status: models.OrderCompleted}, models.OrderPaid, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckOrder(&tt.order, tt.to)
			if !tt.err {
				assert.NoError(t, err)
				return
			}
			var guard *apperr.GuardError
			var illegal *apperr.IllegalTransitionError
			if tt.guard {
				assert.ErrorAs(t, err, &guard)
			} else {
				assert.ErrorAs(t, err, &illegal)
			}
		})
	}
}

func TestSaleTable(t *testing.T) {
	assert.NoError(t, CheckSale(models.SaleDraft, models.SalePendingPayment))
	assert.NoError(t, CheckSale(models.SalePendingPayment, models.SalePaymentTimeout))
	assert.NoError(t, CheckSale(models.SaleCompleted, models.SaleRefunded))
	assert.Error(t, CheckSale(models.SalePaymentTimeout, models.SaleCompleted))
	assert.Error(t, CheckSale(models.SaleCancelled, models.SalePendingPayment))
	assert.Error(t, CheckSale(models.SaleCompleted, models.SaleCancelled))
}

func TestEveryTargetIsAKnownStatus(t *testing.T) {
	for from, tos := range orderTransitions {
		for _, to := range tos {
			assert.True(t, ValidOrderStatus(to), "%s -> %s", from, to)
		}
	}
	for from, tos := range saleTransitions {
		for _, to := range tos {
			_, ok := saleTransitions[to]
			assert.True(t, ok, "%s -> %s", from, to)
		}
	}
}

func TestInitialOrderStatus(t *testing.T) {
	assert.Equal(t, models.OrderPayOnDelivery, InitialOrderStatus(models.MethodCashOnDelivery))
	assert.Equal(t, models.OrderPendingPayment, InitialOrderStatus(models.MethodMpesa))
	assert.Equal(t, models.OrderPendingPayment, InitialOrderStatus(models.MethodBankTransfer))
}

// Package lifecycle holds the legal transition tables for orders and POS
// sales. Anything not listed here is rejected with an IllegalTransitionError.
package lifecycle

import (
	"strings"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
)

var orderTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderReceived:       {models.OrderPendingPayment, models.OrderPayOnDelivery, models.OrderCancelled},
	models.OrderPendingPayment: {models.OrderPaid, models.OrderCancelled, models.OrderFailed, models.OrderPaymentTimeout},
	models.OrderFailed:         {models.OrderPendingPayment, models.OrderCancelled},
	models.OrderPaymentTimeout: {models.OrderPendingPayment, models.OrderCancelled},
	models.OrderPayOnDelivery:  {models.OrderProcessing, models.OrderCancelled},
	models.OrderPaid:           {models.OrderProcessing, models.OrderCancelled},
	models.OrderProcessing:     {models.OrderPackedReady, models.OrderCancelled},
	models.OrderPackedReady:    {models.OrderShipped},
	models.OrderShipped:        {models.OrderOutForDelivery, models.OrderDelivered},
	models.OrderOutForDelivery: {models.OrderDelivered, models.OrderReturned},
	models.OrderDelivered:      {models.OrderCompleted, models.OrderPaid, models.OrderReturned},
	models.OrderCompleted:      {models.OrderReturned},
	models.OrderReturned:       {models.OrderRefunded},
	models.OrderCancelled:      nil,
	models.OrderRefunded:       nil,
}

var saleTransitions = map[models.SaleStatus][]models.SaleStatus{
	models.SaleDraft:          {models.SalePendingPayment, models.SaleCancelled},
	models.SalePendingPayment: {models.SaleCompleted, models.SaleCancelled, models.SalePaymentTimeout},
	models.SaleCompleted:      {models.SaleRefunded},
	models.SalePaymentTimeout: nil,
	models.SaleCancelled:      nil,
	models.SaleRefunded:       nil,
}

func OrderSuccessors(from models.OrderStatus) []models.OrderStatus {
	return append([]models.OrderStatus(nil), orderTransitions[from]...)
}

func SaleSuccessors(from models.SaleStatus) []models.SaleStatus {
	return append([]models.SaleStatus(nil), saleTransitions[from]...)
}

func ValidOrderStatus(s models.OrderStatus) bool {
	_, ok := orderTransitions[s]
	return ok
}

func CanOrder(from, to models.OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func CanSale(from, to models.SaleStatus) bool {
	for _, s := range saleTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckOrder validates moving o to the target status, including guards.
func CheckOrder(o *models.Order, to models.OrderStatus) error {
	if !CanOrder(o.Status, to) {
		return &apperr.IllegalTransitionError{Entity: "order", From: string(o.Status), To: string(to)}
	}
	switch to {
	case models.OrderPaid:
		// delivered -> paid settles a cash on delivery order.
		if o.PaymentStatus != models.PaymentPaid && o.Status != models.OrderDelivered && o.Status != models.OrderPayOnDelivery {
			return &apperr.GuardError{Entity: "order", To: string(to), Reason: "payment has not been received"}
		}
	case models.OrderShipped:
		if strings.TrimSpace(o.TrackingNumber) == "" {
			return &apperr.GuardError{Entity: "order", To: string(to), Reason: "tracking number is required"}
		}
	}
	return nil
}

func CheckSale(from, to models.SaleStatus) error {
	if !CanSale(from, to) {
		return &apperr.IllegalTransitionError{Entity: "sale", From: string(from), To: string(to)}
	}
	return nil
}

// OrderFulfills reports whether entering to takes stock out of inventory.
func OrderFulfills(to models.OrderStatus) bool { return to == models.OrderPaid }

// OrderReverses reports whether entering to puts fulfilled stock back.
func OrderReverses(to models.OrderStatus) bool {
	return to == models.OrderReturned || to == models.OrderCancelled
}

func SaleFulfills(to models.SaleStatus) bool { return to == models.SaleCompleted }

func SaleReverses(to models.SaleStatus) bool {
	switch to {
	case models.SaleRefunded, models.SaleCancelled, models.SalePaymentTimeout:
		return true
	}
	return false
}

// InitialOrderStatus is the status a freshly received order moves to for the
// chosen payment method.
func InitialOrderStatus(method models.PaymentMethod) models.OrderStatus {
	if method == models.MethodCashOnDelivery {
		return models.OrderPayOnDelivery
	}
	return models.OrderPendingPayment
}

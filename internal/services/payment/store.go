package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/events"
	"ogsolar-core/internal/lifecycle"
	"ogsolar-core/internal/mpesa"
	"ogsolar-core/internal/services/ledger"
	"ogsolar-core/internal/services/order"
	"ogsolar-core/internal/services/sale"
)

// Completion is what a successful gateway answer carries.
type Completion struct {
	ReceiptNumber string
	SettledAt     time.Time
	Amount        decimal.Decimal
	RawCallback   string
}

// Outcome reports what a store call did. Applied is false when the
// transaction was already terminal and nothing changed.
type Outcome struct {
	Applied     bool
	Transaction *models.MobileMoneyTransaction

	order        *models.Order
	orderChanges []order.Change
	sale         *models.Sale
	saleChanges  []sale.Change
}

func lockTransaction(tx *gorm.DB, id int64) (*models.MobileMoneyTransaction, error) {
	var txn models.MobileMoneyTransaction
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&txn, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("transaction %d", id))
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (s *Service) FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.MobileMoneyTransaction, error) {
	var txn models.MobileMoneyTransaction
	err := s.db.WithContext(ctx).Where("checkout_request_id = ?", checkoutRequestID).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("transaction " + checkoutRequestID)
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*models.MobileMoneyTransaction, error) {
	var txn models.MobileMoneyTransaction
	err := s.db.WithContext(ctx).First(&txn, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("transaction %d", id))
	}
	return &txn, err
}

func (s *Service) update(tx *gorm.DB, txn *models.MobileMoneyTransaction, columns ...string) error {
	if err := tx.Model(txn).Select(columns).Updates(txn).Error; err != nil {
		return fmt.Errorf("update transaction %d: %w", txn.ID, err)
	}
	return nil
}

// MarkCompleted settles a transaction and its order or sale. Calling it again
// for a completed transaction is a no-op, so at most one Payment row, one
// stock decrement and one move into paid or completed ever happen.
func (s *Service) MarkCompleted(ctx context.Context, txnID int64, c Completion, actor string) (*Outcome, error) {
	out := &Outcome{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := lockTransaction(tx, txnID)
		if err != nil {
			return err
		}
		out.Transaction = txn
		if txn.Status.Terminal() {
			if txn.Status != models.TxnCompleted {
				s.log.WithFields(logrus.Fields{
					"transaction_id": txn.ID,
					"status":         txn.Status,
					"receipt":        c.ReceiptNumber,
				}).Warn("success reported for a transaction already closed; left for reconciliation")
				if c.RawCallback != "" {
					txn.CallbackResponse = c.RawCallback
					return s.update(tx, txn, "callback_response")
				}
			}
			return nil
		}
		if c.ReceiptNumber == "" {
			return apperr.Validation("receipt number is required to complete a transaction")
		}

		settled := c.SettledAt
		if settled.IsZero() {
			settled = s.now()
		}
		settled = settled.UTC()
		zero := 0
		txn.Status = models.TxnCompleted
		txn.GatewayReceiptNumber = &c.ReceiptNumber
		txn.SettledAt = &settled
		txn.ResultCode = &zero
		txn.ErrorMessage = ""
		if c.RawCallback != "" {
			txn.CallbackResponse = c.RawCallback
		}
		if err := s.update(tx, txn, "status", "gateway_receipt_number", "settled_at", "result_code", "error_message", "callback_response"); err != nil {
			return err
		}
		out.Applied = true

		amount := c.Amount
		if amount.IsZero() {
			amount = txn.Amount
		}
		link, err := txn.Link()
		if err != nil {
			return err
		}
		switch link.Type {
		case models.ReferenceOrder:
			return s.completeOrder(tx, out, link.ID, amount, c.ReceiptNumber, settled, actor)
		default:
			return s.completeSale(tx, out, link.ID, amount, c.ReceiptNumber, settled, actor)
		}
	})
	if err != nil {
		return nil, err
	}
	if out.Applied {
		s.publish(ctx, events.PaymentCompleted, out, actor)
	}
	return out, nil
}

func (s *Service) completeOrder(tx *gorm.DB, out *Outcome, orderID int64, amount decimal.Decimal, receipt string, at time.Time, actor string) error {
	o, err := order.Lock(tx, orderID)
	if err != nil {
		return err
	}
	out.order = o
	if _, err := ledger.Record(tx, models.OrderLink(o.ID), models.MethodMpesa, amount, receipt, at); err != nil {
		return err
	}
	o.PaymentStatus = models.PaymentPaid
	o.GatewayReceipt = receipt

	// A failed or timed out order that is paid after all goes back through
	// pending_payment.
	if o.Status != models.OrderPendingPayment && lifecycle.CanOrder(o.Status, models.OrderPendingPayment) {
		change, err := s.orders.TransitionTx(tx, o, models.OrderPendingPayment, actor, "late payment confirmation")
		if err != nil {
			return err
		}
		out.orderChanges = append(out.orderChanges, change)
	}
	if o.Status != models.OrderPendingPayment {
		s.log.WithFields(logrus.Fields{"order_number": o.OrderNumber, "status": o.Status}).
			Warn("payment received for an order that no longer awaits payment")
		return tx.Model(o).Select("payment_status", "gateway_receipt").Updates(o).Error
	}
	change, err := s.orders.TransitionTx(tx, o, models.OrderPaid, actor, "M-Pesa receipt "+receipt)
	if err != nil {
		return err
	}
	out.orderChanges = append(out.orderChanges, change)
	return nil
}

func (s *Service) completeSale(tx *gorm.DB, out *Outcome, saleID int64, amount decimal.Decimal, receipt string, at time.Time, actor string) error {
	sl, err := sale.Lock(tx, saleID)
	if err != nil {
		return err
	}
	out.sale = sl
	if _, err := ledger.Record(tx, models.SaleLink(sl.ID), models.MethodMpesa, amount, receipt, at); err != nil {
		return err
	}
	if sl.Status != models.SalePendingPayment {
		s.log.WithFields(logrus.Fields{"sale_number": sl.SaleNumber, "status": sl.Status}).
			Warn("payment received for a sale that no longer awaits payment")
		return nil
	}
	sl.PaymentMethod = models.MethodMpesa
	sl.PaymentReference = receipt
	sl.AmountTendered = amount
	sl.PaidAt = &at
	change, err := s.sales.TransitionTx(tx, sl, models.SaleCompleted, actor, "M-Pesa receipt "+receipt)
	if err != nil {
		return err
	}
	out.saleChanges = append(out.saleChanges, change)
	return nil
}

// MarkFailed closes a transaction the gateway answered with a failure code.
// The order becomes failed, or cancelled when the customer ended the prompt;
// a sale is cancelled. Nothing was taken from stock, so nothing is returned.
func (s *Service) MarkFailed(ctx context.Context, txnID int64, res mpesa.Result, raw, actor string) (*Outcome, error) {
	out := &Outcome{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := lockTransaction(tx, txnID)
		if err != nil {
			return err
		}
		out.Transaction = txn
		if txn.Status.Terminal() {
			return nil
		}

		code := res.Code
		txn.Status = models.TxnFailed
		txn.ResultCode = &code
		txn.ErrorMessage = res.Message
		if raw != "" {
			txn.CallbackResponse = raw
		}
		if err := s.update(tx, txn, "status", "result_code", "error_message", "callback_response"); err != nil {
			return err
		}
		out.Applied = true

		orderTo := models.OrderFailed
		if res.UserCancelled() {
			orderTo = models.OrderCancelled
		}
		return s.closeParent(tx, out, txn, orderTo, models.SaleCancelled, res.Message, actor)
	})
	if err != nil {
		return nil, err
	}
	if out.Applied {
		s.publish(ctx, events.PaymentFailed, out, actor)
	}
	return out, nil
}

// MarkTimeout closes a transaction nobody answered within the allowed time.
func (s *Service) MarkTimeout(ctx context.Context, txnID int64, after time.Duration, actor string) (*Outcome, error) {
	out := &Outcome{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := lockTransaction(tx, txnID)
		if err != nil {
			return err
		}
		out.Transaction = txn
		if txn.Status.Terminal() {
			return nil
		}

		txn.Status = models.TxnTimeout
		txn.ErrorMessage = fmt.Sprintf("timed out after %d minutes", int(after.Minutes()))
		if err := s.update(tx, txn, "status", "error_message"); err != nil {
			return err
		}
		out.Applied = true
		return s.closeParent(tx, out, txn, models.OrderPaymentTimeout, models.SalePaymentTimeout, txn.ErrorMessage, actor)
	})
	if err != nil {
		return nil, err
	}
	if out.Applied {
		s.publish(ctx, events.PaymentTimeout, out, actor)
	}
	return out, nil
}

// closeParent moves the order or sale of an unsuccessful transaction, but only
// while it is still waiting on payment.
func (s *Service) closeParent(tx *gorm.DB, out *Outcome, txn *models.MobileMoneyTransaction, orderTo models.OrderStatus, saleTo models.SaleStatus, notes, actor string) error {
	link, err := txn.Link()
	if err != nil {
		return err
	}
	if link.Type == models.ReferenceOrder {
		o, err := order.Lock(tx, link.ID)
		if err != nil {
			return err
		}
		out.order = o
		if o.Status != models.OrderPendingPayment || o.PaymentStatus == models.PaymentPaid {
			return nil
		}
		o.PaymentStatus = models.PaymentFailed
		change, err := s.orders.TransitionTx(tx, o, orderTo, actor, notes)
		if err != nil {
			return err
		}
		out.orderChanges = append(out.orderChanges, change)
		return nil
	}

	sl, err := sale.Lock(tx, link.ID)
	if err != nil {
		return err
	}
	out.sale = sl
	if sl.Status != models.SalePendingPayment {
		return nil
	}
	change, err := s.sales.TransitionTx(tx, sl, saleTo, actor, notes)
	if err != nil {
		return err
	}
	out.saleChanges = append(out.saleChanges, change)
	return nil
}

// ApplyQuery records the answer of a status query. A pending answer changes
// nothing. A success without a receipt uses the checkout request id as the
// gateway reference.
func (s *Service) ApplyQuery(ctx context.Context, txn *models.MobileMoneyTransaction, res *mpesa.QueryResult, actor string) (*Outcome, error) {
	if res.Pending {
		return &Outcome{Transaction: txn}, nil
	}
	if res.Result.Success() {
		receipt := ""
		if txn.CheckoutRequestID != nil {
			receipt = *txn.CheckoutRequestID
		}
		return s.MarkCompleted(ctx, txn.ID, Completion{ReceiptNumber: receipt, SettledAt: s.now()}, actor)
	}
	return s.MarkFailed(ctx, txn.ID, res.Result, "", actor)
}

func (s *Service) publish(ctx context.Context, eventType string, out *Outcome, actor string) {
	txn := out.Transaction
	fields := logrus.Fields{"transaction_id": txn.ID, "status": txn.Status}
	if txn.CheckoutRequestID != nil {
		fields["checkout_request_id"] = *txn.CheckoutRequestID
	}

	ev := events.Event{
		EventType:     eventType,
		Reference:     txn.AccountReference,
		EntityID:      txn.ID,
		Status:        string(txn.Status),
		Amount:        txn.Amount,
		TransactionID: txn.ID,
		Actor:         actor,
	}
	if out.order != nil {
		fields["order_number"] = out.order.OrderNumber
		ev.Reference = out.order.OrderNumber
		for _, ch := range out.orderChanges {
			s.orders.PublishChange(ctx, out.order, ch, actor)
		}
	}
	if out.sale != nil {
		fields["sale_number"] = out.sale.SaleNumber
		ev.Reference = out.sale.SaleNumber
		for _, ch := range out.saleChanges {
			s.sales.PublishChange(ctx, out.sale, ch, actor)
		}
	}
	s.log.WithFields(fields).Info(eventType)
	s.events.Publish(ctx, ev)
}

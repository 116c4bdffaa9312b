// Package payment starts mobile money payments for orders and POS sales and
// owns every later change to a MobileMoneyTransaction.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/events"
	"ogsolar-core/internal/mpesa"
	"ogsolar-core/internal/services/order"
	"ogsolar-core/internal/services/sale"
)

// Gateway is the part of the mobile money client the payment flow uses.
type Gateway interface {
	InitiateSTKPush(ctx context.Context, in mpesa.STKPushRequest) (*mpesa.STKPushResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
}

type Service struct {
	db      *gorm.DB
	gateway Gateway
	orders  *order.Service
	sales   *sale.Service
	events  *events.Publisher
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewService(db *gorm.DB, gw Gateway, orders *order.Service, sales *sale.Service, pub *events.Publisher, log logrus.FieldLogger, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		db:      db,
		gateway: gw,
		orders:  orders,
		sales:   sales,
		events:  pub,
		log:     log.WithField("module", "payment"),
		now:     now,
	}
}

func (s *Service) Gateway() Gateway { return s.gateway }

// recordTimeout bounds the writes that follow a gateway call, which run even
// when the caller's deadline went to the gateway.
const recordTimeout = 10 * time.Second

var payableOrderStatus = map[models.OrderStatus]bool{
	models.OrderReceived:       true,
	models.OrderPendingPayment: true,
	models.OrderFailed:         true,
	models.OrderPaymentTimeout: true,
}

// InitiateOrder sends an STK push for an order's grand total. The order moves
// to pending_payment and an initiated transaction is committed before the
// gateway is called.
func (s *Service) InitiateOrder(ctx context.Context, orderNumber, phone, actor string) (*models.MobileMoneyTransaction, error) {
	normalized, err := mpesa.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	var txn models.MobileMoneyTransaction
	var o *models.Order
	var changes []order.Change
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked models.Order
		if err := tx.Where("order_number = ?", orderNumber).First(&locked).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("order " + orderNumber)
			}
			return err
		}
		var err error
		if o, err = order.Lock(tx, locked.ID); err != nil {
			return err
		}
		if o.PaymentMethod != models.MethodMpesa {
			return apperr.Validation("order %s is not paid by M-Pesa", o.OrderNumber)
		}
		if !payableOrderStatus[o.Status] || o.PaymentStatus == models.PaymentPaid {
			return apperr.Validation("order %s is %s and cannot take a payment", o.OrderNumber, o.Status)
		}
		if _, err := mpesa.ValidateAmount(o.GrandTotal); err != nil {
			return err
		}

		if o.Status != models.OrderPendingPayment {
			o.PaymentStatus = models.PaymentPending
			change, err := s.orders.TransitionTx(tx, o, models.OrderPendingPayment, actor, "M-Pesa payment requested")
			if err != nil {
				return err
			}
			changes = append(changes, change)
		}

		txn = models.MobileMoneyTransaction{
			Phone:            normalized,
			Amount:           o.GrandTotal,
			AccountReference: o.OrderNumber,
			Description:      "Order " + o.OrderNumber,
		}
		return s.openTransaction(tx, models.OrderLink(o.ID), &txn)
	})
	if err != nil {
		return nil, err
	}
	for _, ch := range changes {
		s.orders.PublishChange(ctx, o, ch, actor)
	}

	return s.push(ctx, &txn, actor)
}

// InitiateSale sends an STK push for a pending POS sale.
func (s *Service) InitiateSale(ctx context.Context, saleNumber, phone, actor string) (*models.MobileMoneyTransaction, error) {
	normalized, err := mpesa.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	var txn models.MobileMoneyTransaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found models.Sale
		if err := tx.Where("sale_number = ?", saleNumber).First(&found).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("sale " + saleNumber)
			}
			return err
		}
		sl, err := sale.Lock(tx, found.ID)
		if err != nil {
			return err
		}
		if sl.Status != models.SalePendingPayment {
			return apperr.Validation("sale %s is %s and cannot take a payment", sl.SaleNumber, sl.Status)
		}
		if _, err := mpesa.ValidateAmount(sl.GrandTotal); err != nil {
			return err
		}
		if sl.PaymentMethod != models.MethodMpesa {
			if err := tx.Model(sl).Update("payment_method", models.MethodMpesa).Error; err != nil {
				return err
			}
		}

		txn = models.MobileMoneyTransaction{
			Phone:            normalized,
			Amount:           sl.GrandTotal,
			AccountReference: fmt.Sprintf("POS-%d", sl.ID),
			Description:      "POS sale " + sl.SaleNumber,
		}
		return s.openTransaction(tx, models.SaleLink(sl.ID), &txn)
	})
	if err != nil {
		return nil, err
	}

	return s.push(ctx, &txn, actor)
}

// openTransaction creates the new attempt in initiated. A prompt that is
// still on the customer's phone blocks a second one; attempts that never
// reached the phone are superseded.
func (s *Service) openTransaction(tx *gorm.DB, link models.TransactionLink, txn *models.MobileMoneyTransaction) error {
	column := "order_id"
	if link.Type == models.ReferenceSale {
		column = "sale_id"
	}
	var waiting int64
	if err := tx.Model(&models.MobileMoneyTransaction{}).
		Where(column+" = ? AND status = ?", link.ID, models.TxnPending).
		Count(&waiting).Error; err != nil {
		return err
	}
	if waiting > 0 {
		return apperr.Validation("a payment prompt is already waiting on the customer's phone")
	}
	if err := tx.Model(&models.MobileMoneyTransaction{}).
		Where(column+" = ? AND status = ?", link.ID, models.TxnInitiated).
		Updates(map[string]any{"status": models.TxnCancelled, "error_message": "Superseded by a new payment request"}).Error; err != nil {
		return err
	}

	link.Apply(txn)
	txn.Status = models.TxnInitiated
	txn.CreatedAt = s.now().UTC()
	if len(txn.Description) > 32 {
		txn.Description = txn.Description[:32]
	}
	if err := tx.Create(txn).Error; err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// push calls the gateway outside any database transaction and records the
// answer. An unavailable gateway leaves the transaction initiated for the
// sweeper; a decline fails it at once.
func (s *Service) push(ctx context.Context, txn *models.MobileMoneyTransaction, actor string) (*models.MobileMoneyTransaction, error) {
	log := s.log.WithFields(logrus.Fields{
		"transaction_id":    txn.ID,
		"account_reference": txn.AccountReference,
	})

	res, err := s.gateway.InitiateSTKPush(ctx, mpesa.STKPushRequest{
		Phone:            txn.Phone,
		Amount:           txn.Amount,
		AccountReference: txn.AccountReference,
		Description:      txn.Description,
	})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err != nil {
		var declined *apperr.GatewayDeclinedError
		if errors.As(err, &declined) {
			log.WithField("code", declined.Code).Warn("stk push declined")
			if ferr := s.failInitiation(ctx, txn, declined); ferr != nil {
				log.WithError(ferr).Error("failed to record declined stk push")
			}
			return txn, err
		}

		log.WithError(err).Error("stk push unavailable")
		now := s.now()
		txn.ErrorMessage = apperr.UserMessage(err)
		txn.LastRetryAt = &now
		if uerr := s.update(s.db.WithContext(ctx), txn, "error_message", "last_retry_at"); uerr != nil {
			log.WithError(uerr).Error("failed to record stk push error")
		}
		if errors.Is(err, apperr.ErrGatewayUnavailable) {
			return txn, err
		}
		return txn, fmt.Errorf("%w: %w", apperr.ErrGatewayUnavailable, err)
	}

	checkoutID := res.CheckoutRequestID
	updates := map[string]any{
		"status":              models.TxnPending,
		"checkout_request_id": checkoutID,
		"merchant_request_id": res.MerchantRequestID,
		"initiation_response": res.RawResponse,
		"retry_count":         res.Attempts - 1,
		"error_message":       "",
	}
	if res.Attempts > 1 {
		updates["last_retry_at"] = s.now()
	}
	// The callback may already have closed the transaction.
	result := s.db.WithContext(ctx).Model(&models.MobileMoneyTransaction{}).
		Where("id = ? AND status = ?", txn.ID, models.TxnInitiated).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("record stk push: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		s.db.WithContext(ctx).Model(&models.MobileMoneyTransaction{}).
			Where("id = ? AND checkout_request_id IS NULL", txn.ID).
			Update("checkout_request_id", checkoutID)
	}

	log.WithField("checkout_request_id", checkoutID).Info("payment prompt sent")
	return s.Get(ctx, txn.ID)
}

// failInitiation closes a declined push. An order becomes failed so the
// customer can retry; a sale stays open at the till.
func (s *Service) failInitiation(ctx context.Context, txn *models.MobileMoneyTransaction, declined *apperr.GatewayDeclinedError) error {
	var o *models.Order
	var changes []order.Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := lockTransaction(tx, txn.ID)
		if err != nil {
			return err
		}
		if locked.Status.Terminal() {
			return nil
		}
		locked.Status = models.TxnFailed
		locked.ErrorMessage = declined.Message
		if err := s.update(tx, locked, "status", "error_message"); err != nil {
			return err
		}
		*txn = *locked

		if locked.OrderID == nil {
			return nil
		}
		if o, err = order.Lock(tx, *locked.OrderID); err != nil {
			return err
		}
		if o.Status != models.OrderPendingPayment {
			return nil
		}
		o.PaymentStatus = models.PaymentFailed
		change, err := s.orders.TransitionTx(tx, o, models.OrderFailed, "gateway", declined.Message)
		if err != nil {
			return err
		}
		changes = append(changes, change)
		return nil
	})
	if err != nil {
		return err
	}
	for _, ch := range changes {
		s.orders.PublishChange(ctx, o, ch, "gateway")
	}
	return nil
}

// Status returns the local state of a transaction; it never calls the gateway.
func (s *Service) Status(ctx context.Context, checkoutRequestID string) (*models.MobileMoneyTransaction, error) {
	return s.FindByCheckoutID(ctx, checkoutRequestID)
}

func (s *Service) ListForOrder(ctx context.Context, orderID int64) ([]models.MobileMoneyTransaction, error) {
	var txns []models.MobileMoneyTransaction
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&txns).Error
	return txns, err
}

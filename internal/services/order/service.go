package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/events"
	"ogsolar-core/internal/lifecycle"
	"ogsolar-core/internal/metrics"
	"ogsolar-core/internal/money"
	"ogsolar-core/internal/sequence"
	"ogsolar-core/internal/services/cart"
	"ogsolar-core/internal/services/customer"
	"ogsolar-core/internal/services/inventory"
	"ogsolar-core/internal/services/ledger"
)

type Service struct {
	db      *gorm.DB
	inv     *inventory.Service
	seq     *sequence.Allocator
	events  *events.Publisher
	vatRate decimal.Decimal
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewService(db *gorm.DB, inv *inventory.Service, seq *sequence.Allocator, pub *events.Publisher, vatRate decimal.Decimal, log logrus.FieldLogger, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		db:      db,
		inv:     inv,
		seq:     seq,
		events:  pub,
		vatRate: vatRate,
		log:     log.WithField("module", "order"),
		now:     now,
	}
}

type CreateInput struct {
	Owner                string
	Customer             customer.Contact
	BillingAddress       string
	ShippingAddress      string
	PaymentMethod        models.PaymentMethod
	InstallationRequired bool
	DiscountPct          decimal.Decimal
	ShippingCost         decimal.Decimal
	DeliveryDate         *time.Time
	Notes                string
	// CartFingerprint, when set, must match the cart at checkout.
	CartFingerprint string
	Actor           string
}

// CreateFromCart turns the owner's cart into an order in one transaction:
// customer, totals, number, items and the emptied cart commit together.
func (s *Service) CreateFromCart(ctx context.Context, in CreateInput) (*models.Order, error) {
	if !in.PaymentMethod.Valid() {
		return nil, apperr.Validation("unknown payment method %q", in.PaymentMethod)
	}

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	order, err := s.createTx(tx, in)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("failed to commit order: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"order_number": order.OrderNumber,
		"grand_total":  order.GrandTotal.StringFixed(2),
		"method":       order.PaymentMethod,
	}).Info("order created")
	s.events.Publish(ctx, events.Event{
		EventType: events.OrderCreated,
		Reference: order.OrderNumber,
		EntityID:  order.ID,
		Status:    string(order.Status),
		Amount:    order.GrandTotal,
		Actor:     in.Actor,
	})

	return s.Get(ctx, order.OrderNumber)
}

func (s *Service) createTx(tx *gorm.DB, in CreateInput) (*models.Order, error) {
	c, err := cart.Lock(tx, in.Owner)
	if err != nil {
		return nil, err
	}
	if len(c.Items) == 0 {
		return nil, apperr.ErrEmptyCart
	}
	if in.CartFingerprint != "" && in.CartFingerprint != cart.Fingerprint(c.Items) {
		return nil, apperr.ErrCartChanged
	}

	cust, err := customer.Resolve(tx, in.Customer)
	if err != nil {
		return nil, err
	}

	lines := make([]money.Line, 0, len(c.Items))
	for _, it := range c.Items {
		if it.Product == nil || !it.Product.IsActive {
			return nil, apperr.NotFound(fmt.Sprintf("product %d", it.ProductID))
		}
		if err := s.inv.CheckStock(tx, it.Product, it.Quantity); err != nil {
			return nil, err
		}
		lines = append(lines, money.Line{UnitPrice: it.UnitPrice, Quantity: it.Quantity, VATRate: it.Product.VATRate})
	}

	totals, err := money.ComputeTotals(money.TotalsInput{
		Lines:        lines,
		VATRate:      s.vatRate,
		DiscountPct:  in.DiscountPct,
		Shipping:     in.ShippingCost,
		Installation: in.InstallationRequired,
	})
	if err != nil {
		return nil, err
	}

	number, err := s.seq.Next(tx, sequence.Order)
	if err != nil {
		return nil, err
	}

	order := models.Order{
		OrderNumber:     number,
		OwnerKey:        in.Owner,
		Status:          models.OrderReceived,
		PaymentStatus:   models.PaymentPending,
		PaymentMethod:   in.PaymentMethod,
		SubtotalExVAT:   totals.SubtotalExVAT,
		DiscountPct:     in.DiscountPct,
		DiscountAmount:  totals.DiscountAmount,
		TaxAmount:       totals.TaxAmount,
		ShippingCost:    totals.ShippingCost,
		InstallationFee: totals.InstallationFee,
		GrandTotal:      totals.GrandTotal,
		BillingAddress:  in.BillingAddress,
		ShippingAddress: in.ShippingAddress,
		DeliveryDate:    in.DeliveryDate,
		Notes:           in.Notes,
	}
	if cust != nil {
		order.CustomerID = &cust.ID
	}
	if err := tx.Create(&order).Error; err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	factor := decimal.NewFromInt(1).Sub(in.DiscountPct.Div(decimal.NewFromInt(100)))
	for _, it := range c.Items {
		unit := money.Round(it.UnitPrice.Mul(factor))
		item := models.OrderItem{
			OrderID:           order.ID,
			ProductID:         it.ProductID,
			Name:              it.Product.Name,
			SKU:               it.Product.SKU,
			Specs:             it.Product.Specs,
			OriginalUnitPrice: it.UnitPrice,
			UnitPrice:         unit,
			Quantity:          it.Quantity,
			LineTotal:         unit.Mul(decimal.NewFromInt32(it.Quantity)),
		}
		if err := tx.Create(&item).Error; err != nil {
			return nil, fmt.Errorf("failed to create order item: %w", err)
		}
	}

	if err := cart.ClearTx(tx, c); err != nil {
		return nil, err
	}

	// Mobile money orders wait in received until a push is initiated.
	if in.PaymentMethod != models.MethodMpesa {
		if _, err := s.TransitionTx(tx, &order, lifecycle.InitialOrderStatus(in.PaymentMethod), in.Actor, "payment method "+string(in.PaymentMethod)); err != nil {
			return nil, err
		}
	}
	return &order, nil
}

func (s *Service) Get(ctx context.Context, orderNumber string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).
		Preload("Items").
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Preload("Payments").
		Preload("Receipt").
		Preload("Customer").
		Where("order_number = ?", orderNumber).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("order " + orderNumber)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// Lock loads an order by id under a row lock for the rest of tx.
func Lock(tx *gorm.DB, id int64) (*models.Order, error) {
	var order models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("order %d", id))
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func lockByNumber(tx *gorm.DB, number string) (*models.Order, error) {
	var order models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("order_number = ?", number).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("order " + number)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

type ListFilter struct {
	Status   models.OrderStatus
	Page     int
	PageSize int
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]models.Order, int64, error) {
	var orders []models.Order
	var total int64

	query := s.db.WithContext(ctx).Model(&models.Order{})
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	pageSize := f.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	err := query.Order("created_at DESC, id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&orders).Error
	return orders, total, err
}

func orderLines(tx *gorm.DB, orderID int64) ([]inventory.Line, error) {
	var items []models.OrderItem
	if err := tx.Where("order_id = ?", orderID).Find(&items).Error; err != nil {
		return nil, err
	}
	lines := make([]inventory.Line, len(items))
	for i, it := range items {
		lines[i] = inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return lines, nil
}

// Change describes a committed or pending status move.
type Change struct {
	From models.OrderStatus
	To   models.OrderStatus
}

// TransitionTx is the single place an order changes status. o must be locked
// in tx. The accompanying stock, customer and payment side effects run in the
// same transaction, and a history row is appended.
func (s *Service) TransitionTx(tx *gorm.DB, o *models.Order, to models.OrderStatus, actor, notes string) (Change, error) {
	from := o.Status
	if err := lifecycle.CheckOrder(o, to); err != nil {
		return Change{}, err
	}
	now := s.now().UTC()

	if to == models.OrderPaid {
		firstPaid, err := s.firstTimePaid(tx, o.ID)
		if err != nil {
			return Change{}, err
		}
		if from == models.OrderDelivered && o.PaymentStatus != models.PaymentPaid {
			o.PaymentStatus = models.PaymentPaid
			if _, err := ledger.Record(tx, models.OrderLink(o.ID), models.MethodCashOnDelivery, o.GrandTotal, "", now); err != nil {
				return Change{}, err
			}
		}
		if firstPaid && o.CustomerID != nil {
			if err := customer.RecordPurchase(tx, *o.CustomerID, o.GrandTotal, now); err != nil {
				return Change{}, err
			}
		}
	}

	if lifecycle.OrderFulfills(to) {
		lines, err := orderLines(tx, o.ID)
		if err != nil {
			return Change{}, err
		}
		if err := s.inv.Fulfill(tx, models.ReferenceOrder, o.ID, lines, actor); err != nil {
			return Change{}, err
		}
	}
	if lifecycle.OrderReverses(to) {
		if err := s.inv.Restore(tx, models.ReferenceOrder, o.ID, actor, string(to)); err != nil {
			return Change{}, err
		}
	}
	if to == models.OrderCancelled {
		if err := ledger.CancelOpenTransactions(tx, models.OrderLink(o.ID), "Order cancelled"); err != nil {
			return Change{}, fmt.Errorf("cancel open transactions: %w", err)
		}
	}

	stamp, err := s.historyTime(tx, o.ID, now)
	if err != nil {
		return Change{}, err
	}
	o.Status = to
	o.StatusUpdatedAt = &stamp
	o.StatusUpdatedBy = actor
	if err := tx.Model(o).Select("status", "payment_status", "status_updated_at", "status_updated_by",
		"tracking_number", "carrier", "delivery_date", "gateway_receipt").Updates(o).Error; err != nil {
		return Change{}, fmt.Errorf("update order status: %w", err)
	}
	history := models.OrderStatusHistory{
		OrderID:    o.ID,
		PrevStatus: from,
		NewStatus:  to,
		ChangedBy:  actor,
		Notes:      notes,
		CreatedAt:  stamp,
	}
	if err := tx.Create(&history).Error; err != nil {
		return Change{}, fmt.Errorf("append order history: %w", err)
	}

	metrics.StatusTransitionsTotal.WithLabelValues("order", string(to)).Inc()
	return Change{From: from, To: to}, nil
}

func (s *Service) firstTimePaid(tx *gorm.DB, orderID int64) (bool, error) {
	var n int64
	err := tx.Model(&models.OrderStatusHistory{}).
		Where("order_id = ? AND new_status = ?", orderID, models.OrderPaid).
		Count(&n).Error
	return n == 0, err
}

// historyTime keeps history timestamps strictly increasing per order.
func (s *Service) historyTime(tx *gorm.DB, orderID int64, now time.Time) (time.Time, error) {
	var last models.OrderStatusHistory
	err := tx.Where("order_id = ?", orderID).Order("created_at DESC, id DESC").Limit(1).Find(&last).Error
	if err != nil {
		return now, err
	}
	if last.ID != 0 && !now.After(last.CreatedAt) {
		return last.CreatedAt.Add(time.Microsecond), nil
	}
	return now, nil
}

type TransitionRequest struct {
	To             models.OrderStatus
	Actor          string
	Notes          string
	TrackingNumber string
	Carrier        string
	DeliveryDate   *time.Time
}

// Transition moves an order by number, for staff-driven fulfilment steps.
func (s *Service) Transition(ctx context.Context, orderNumber string, req TransitionRequest) (*models.Order, error) {
	if !lifecycle.ValidOrderStatus(req.To) {
		return nil, apperr.Validation("unknown order status %q", req.To)
	}

	var change Change
	var order *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = lockByNumber(tx, orderNumber)
		if err != nil {
			return err
		}
		if t := strings.TrimSpace(req.TrackingNumber); t != "" {
			order.TrackingNumber = t
		}
		if c := strings.TrimSpace(req.Carrier); c != "" {
			order.Carrier = c
		}
		if req.DeliveryDate != nil {
			order.DeliveryDate = req.DeliveryDate
		}
		change, err = s.TransitionTx(tx, order, req.To, req.Actor, req.Notes)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.PublishChange(ctx, order, change, req.Actor)
	return s.Get(ctx, orderNumber)
}

func (s *Service) PublishChange(ctx context.Context, o *models.Order, change Change, actor string) {
	s.log.WithFields(logrus.Fields{
		"order_number": o.OrderNumber,
		"from":         change.From,
		"to":           change.To,
		"actor":        actor,
	}).Info("order status changed")
	s.events.Publish(ctx, events.Event{
		EventType:  events.OrderStatusChanged,
		Reference:  o.OrderNumber,
		EntityID:   o.ID,
		PrevStatus: string(change.From),
		Status:     string(change.To),
		Amount:     o.GrandTotal,
		Actor:      actor,
	})
}

type OfflinePayment struct {
	Method    models.PaymentMethod
	Amount    decimal.Decimal
	Reference string
	Actor     string
}

var offlineMethods = map[models.PaymentMethod]bool{
	models.MethodBankTransfer:   true,
	models.MethodCash:           true,
	models.MethodCheque:         true,
	models.MethodCredit:         true,
	models.MethodCashOnDelivery: true,
}

// RecordOfflinePayment settles an order paid outside the mobile money flow.
func (s *Service) RecordOfflinePayment(ctx context.Context, orderNumber string, p OfflinePayment) (*models.Order, error) {
	if !offlineMethods[p.Method] {
		return nil, apperr.Validation("%q is not an offline payment method", p.Method)
	}

	var change Change
	var order *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = lockByNumber(tx, orderNumber)
		if err != nil {
			return err
		}
		if order.Status != models.OrderPendingPayment && order.Status != models.OrderDelivered {
			return &apperr.IllegalTransitionError{Entity: "order", From: string(order.Status), To: string(models.OrderPaid)}
		}
		amount := p.Amount
		if amount.IsZero() {
			amount = order.GrandTotal
		}
		if amount.LessThan(order.GrandTotal) {
			return apperr.Validation("payment of %s does not cover the order total %s", amount.StringFixed(2), order.GrandTotal.StringFixed(2))
		}
		if _, err := ledger.Record(tx, models.OrderLink(order.ID), p.Method, amount, p.Reference, s.now().UTC()); err != nil {
			return err
		}
		order.PaymentStatus = models.PaymentPaid
		change, err = s.TransitionTx(tx, order, models.OrderPaid, p.Actor, "payment recorded: "+string(p.Method))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.PublishChange(ctx, order, change, p.Actor)
	return s.Get(ctx, orderNumber)
}

// Refund records money returned on a returned order and closes it.
func (s *Service) Refund(ctx context.Context, orderNumber string, amount decimal.Decimal, reason, actor string) (*models.Order, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive", apperr.ErrInvalidAmount)
	}

	var change Change
	var order *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = lockByNumber(tx, orderNumber)
		if err != nil {
			return err
		}
		if amount.GreaterThan(order.GrandTotal) {
			return apperr.Validation("refund exceeds order total %s", order.GrandTotal.StringFixed(2))
		}
		if err := tx.Create(&models.Refund{OrderID: order.ID, Amount: amount, Reason: reason, ProcessedBy: actor}).Error; err != nil {
			return err
		}
		if err := ledger.MarkRefunded(tx, models.OrderLink(order.ID)); err != nil {
			return err
		}
		order.PaymentStatus = models.PaymentRefunded
		change, err = s.TransitionTx(tx, order, models.OrderRefunded, actor, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.PublishChange(ctx, order, change, actor)
	return s.Get(ctx, orderNumber)
}

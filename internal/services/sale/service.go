package sale

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
		log:     log.WithField("module", "sale"),
		now:     now,
	}
}

// -- Cashier sessions --

func (s *Service) OpenSession(ctx context.Context, cashierID, terminalCode string, openingFloat decimal.Decimal) (*models.CashierSession, error) {
	if strings.TrimSpace(cashierID) == "" {
		return nil, apperr.Validation("cashier id is required")
	}
	if openingFloat.IsNegative() {
		return nil, fmt.Errorf("%w: opening float %s", apperr.ErrInvalidAmount, openingFloat)
	}

	var session models.CashierSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var term models.Terminal
		if err := tx.Where("code = ? AND is_active = ?", terminalCode, true).First(&term).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("terminal " + terminalCode)
			}
			return err
		}

		var open int64
		if err := tx.Model(&models.CashierSession{}).
			Where("status = ? AND (cashier_id = ? OR terminal_id = ?)", models.SessionOpen, cashierID, term.ID).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return apperr.Validation("cashier or terminal already has an open session")
		}

		session = models.CashierSession{
			CashierID:    cashierID,
			TerminalID:   term.ID,
			Status:       models.SessionOpen,
			OpeningFloat: openingFloat,
			OpenedAt:     s.now().UTC(),
			Terminal:     &term,
		}
		return tx.Omit("Terminal").Create(&session).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"session_id": session.ID, "cashier_id": cashierID, "terminal": terminalCode}).Info("cashier session opened")
	return &session, nil
}

// CloseSession refuses while sales on the session still wait for payment.
func (s *Service) CloseSession(ctx context.Context, sessionID int64, cashierID string) (*models.CashierSession, error) {
	var session models.CashierSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := lockSession(tx, sessionID, cashierID)
		if err != nil {
			return err
		}
		var waiting int64
		if err := tx.Model(&models.Sale{}).
			Where("session_id = ? AND status IN ?", sessionID, []models.SaleStatus{models.SaleDraft, models.SalePendingPayment}).
			Count(&waiting).Error; err != nil {
			return err
		}
		if waiting > 0 {
			return apperr.Validation("%d sales on this session are still awaiting payment", waiting)
		}
		now := s.now().UTC()
		locked.Status = models.SessionClosed
		locked.ClosedAt = &now
		if err := tx.Model(locked).Select("status", "closed_at").Updates(locked).Error; err != nil {
			return err
		}
		session = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func lockSession(tx *gorm.DB, sessionID int64, cashierID string) (*models.CashierSession, error) {
	var session models.CashierSession
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND status = ?", sessionID, models.SessionOpen).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNoActiveSession
	}
	if err != nil {
		return nil, err
	}
	if cashierID != "" && session.CashierID != cashierID {
		return nil, apperr.ErrNoActiveSession
	}
	return &session, nil
}

// -- Sales --

type ItemInput struct {
	ProductID   int64           `json:"product_id" binding:"required"`
	Quantity    int32           `json:"quantity" binding:"required,min=1"`
	DiscountPct decimal.Decimal `json:"discount_pct"`
}

type CreateInput struct {
	SessionID     int64
	CashierID     string
	Customer      customer.Contact
	PaymentMethod models.PaymentMethod
	Items         []ItemInput
	Notes         string
}

// Create records a POS sale and opens it for payment. Stock is only taken
// when the sale completes.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Sale, error) {
	if len(in.Items) == 0 {
		return nil, apperr.Validation("sale must have at least one item")
	}
	if !in.PaymentMethod.Valid() || in.PaymentMethod == models.MethodCashOnDelivery {
		return nil, apperr.Validation("payment method %q is not available at the till", in.PaymentMethod)
	}

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	sale, err := s.createTx(tx, in)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("failed to commit sale: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"sale_number": sale.SaleNumber,
		"grand_total": sale.GrandTotal.StringFixed(2),
		"method":      sale.PaymentMethod,
	}).Info("sale created")
	s.events.Publish(ctx, events.Event{
		EventType: events.SaleCreated,
		Reference: sale.SaleNumber,
		EntityID:  sale.ID,
		Status:    string(sale.Status),
		Amount:    sale.GrandTotal,
		Actor:     in.CashierID,
	})

	return s.Get(ctx, sale.SaleNumber)
}

func (s *Service) createTx(tx *gorm.DB, in CreateInput) (*models.Sale, error) {
	session, err := lockSession(tx, in.SessionID, in.CashierID)
	if err != nil {
		return nil, err
	}

	cust, err := customer.Resolve(tx, in.Customer)
	if err != nil {
		return nil, err
	}

	products := make([]models.Product, len(in.Items))
	lines := make([]money.Line, len(in.Items))
	for i, item := range in.Items {
		if err := tx.Where("id = ? AND is_active = ?", item.ProductID, true).First(&products[i]).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.NotFound(fmt.Sprintf("product %d", item.ProductID))
			}
			return nil, err
		}
		if err := s.inv.CheckStock(tx, &products[i], item.Quantity); err != nil {
			return nil, err
		}
		lines[i] = money.Line{
			UnitPrice:   products[i].UnitPrice,
			Quantity:    item.Quantity,
			DiscountPct: item.DiscountPct,
			VATRate:     products[i].VATRate,
		}
	}

	totals, err := money.ComputeTotals(money.TotalsInput{Lines: lines, VATRate: s.vatRate})
	if err != nil {
		return nil, err
	}

	saleNumber, receiptNumber, err := s.seq.NextPair(tx, sequence.Sale, sequence.SaleReceipt)
	if err != nil {
		return nil, err
	}

	sale := models.Sale{
		SaleNumber:     saleNumber,
		ReceiptNumber:  receiptNumber,
		SessionID:      session.ID,
		TerminalID:     session.TerminalID,
		CashierID:      session.CashierID,
		Status:         models.SaleDraft,
		PaymentMethod:  in.PaymentMethod,
		SubtotalExVAT:  totals.SubtotalExVAT,
		DiscountAmount: totals.DiscountAmount,
		TaxAmount:      totals.TaxAmount,
		GrandTotal:     totals.GrandTotal,
		Notes:          in.Notes,
	}
	if cust != nil {
		sale.CustomerID = &cust.ID
	}
	if err := tx.Create(&sale).Error; err != nil {
		return nil, fmt.Errorf("failed to create sale: %w", err)
	}

	for i, line := range lines {
		amounts, err := money.ComputeLine(line, s.vatRate)
		if err != nil {
			return nil, err
		}
		item := models.SaleItem{
			SaleID:         sale.ID,
			ProductID:      products[i].ID,
			Name:           products[i].Name,
			SKU:            products[i].SKU,
			UnitPrice:      line.UnitPrice,
			Quantity:       line.Quantity,
			DiscountPct:    line.DiscountPct,
			DiscountAmount: amounts.DiscountAmount,
			VATRate:        amounts.Rate,
			TaxAmount:      amounts.TaxAmount,
			LineTotal:      amounts.LineTotal,
		}
		if err := tx.Create(&item).Error; err != nil {
			return nil, fmt.Errorf("failed to create sale item: %w", err)
		}
	}

	if _, err := s.TransitionTx(tx, &sale, models.SalePendingPayment, in.CashierID, ""); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Service) Get(ctx context.Context, saleNumber string) (*models.Sale, error) {
	var sale models.Sale
	err := s.db.WithContext(ctx).
		Preload("Items").
		Preload("Customer").
		Where("sale_number = ?", saleNumber).
		First(&sale).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("sale " + saleNumber)
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Service) History(ctx context.Context, saleID int64) ([]models.SaleStatusHistory, error) {
	var rows []models.SaleStatusHistory
	err := s.db.WithContext(ctx).Where("sale_id = ?", saleID).Order("created_at ASC, id ASC").Find(&rows).Error
	return rows, err
}

func (s *Service) ListBySession(ctx context.Context, sessionID int64) ([]models.Sale, error) {
	var sales []models.Sale
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("id ASC").Find(&sales).Error
	return sales, err
}

// Lock loads a sale by id under a row lock for the rest of tx.
func Lock(tx *gorm.DB, id int64) (*models.Sale, error) {
	var sale models.Sale
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sale, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("sale %d", id))
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func lockByNumber(tx *gorm.DB, number string) (*models.Sale, error) {
	var sale models.Sale
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("sale_number = ?", number).First(&sale).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("sale " + number)
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

type Change struct {
	From models.SaleStatus
	To   models.SaleStatus
}

// TransitionTx is the single place a sale changes status. sale must be locked
// in tx. Completion takes stock and books the customer purchase; reversals put
// stock back.
func (s *Service) TransitionTx(tx *gorm.DB, sale *models.Sale, to models.SaleStatus, actor, notes string) (Change, error) {
	from := sale.Status
	if err := lifecycle.CheckSale(from, to); err != nil {
		return Change{}, err
	}
	now := s.now().UTC()

	if lifecycle.SaleFulfills(to) {
		var items []models.SaleItem
		if err := tx.Where("sale_id = ?", sale.ID).Find(&items).Error; err != nil {
			return Change{}, err
		}
		lines := make([]inventory.Line, len(items))
		for i, it := range items {
			lines[i] = inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity}
		}
		if err := s.inv.Fulfill(tx, models.ReferenceSale, sale.ID, lines, actor); err != nil {
			return Change{}, err
		}
		if sale.CustomerID != nil {
			if err := customer.RecordPurchase(tx, *sale.CustomerID, sale.GrandTotal, now); err != nil {
				return Change{}, err
			}
		}
		if sale.PaidAt == nil {
			sale.PaidAt = &now
		}
	}
	if lifecycle.SaleReverses(to) {
		if err := s.inv.Restore(tx, models.ReferenceSale, sale.ID, actor, string(to)); err != nil {
			return Change{}, err
		}
	}
	if to == models.SaleCancelled || to == models.SalePaymentTimeout {
		if err := ledger.CancelOpenTransactions(tx, models.SaleLink(sale.ID), "Sale "+string(to)); err != nil {
			return Change{}, fmt.Errorf("cancel open transactions: %w", err)
		}
	}

	var last models.SaleStatusHistory
	if err := tx.Where("sale_id = ?", sale.ID).Order("created_at DESC, id DESC").Limit(1).Find(&last).Error; err != nil {
		return Change{}, err
	}
	stamp := now
	if last.ID != 0 && !stamp.After(last.CreatedAt) {
		stamp = last.CreatedAt.Add(time.Microsecond)
	}

	sale.Status = to
	sale.StatusUpdatedAt = &stamp
	sale.StatusUpdatedBy = actor
	if err := tx.Model(sale).Select("status", "status_updated_at", "status_updated_by", "paid_at",
		"amount_tendered", "change_due", "payment_reference", "payment_method").Updates(sale).Error; err != nil {
		return Change{}, fmt.Errorf("update sale status: %w", err)
	}
	if err := tx.Create(&models.SaleStatusHistory{
		SaleID:     sale.ID,
		PrevStatus: from,
		NewStatus:  to,
		ChangedBy:  actor,
		Notes:      notes,
		CreatedAt:  stamp,
	}).Error; err != nil {
		return Change{}, fmt.Errorf("append sale history: %w", err)
	}

	metrics.StatusTransitionsTotal.WithLabelValues("sale", string(to)).Inc()
	return Change{From: from, To: to}, nil
}

func (s *Service) PublishChange(ctx context.Context, sale *models.Sale, change Change, actor string) {
	s.log.WithFields(logrus.Fields{
		"sale_number": sale.SaleNumber,
		"from":        change.From,
		"to":          change.To,
		"actor":       actor,
	}).Info("sale status changed")
	s.events.Publish(ctx, events.Event{
		EventType:  events.SaleStatusChanged,
		Reference:  sale.SaleNumber,
		EntityID:   sale.ID,
		PrevStatus: string(change.From),
		Status:     string(change.To),
		Amount:     sale.GrandTotal,
		Actor:      actor,
	})
}

func (s *Service) mutate(ctx context.Context, saleNumber, actor string, fn func(tx *gorm.DB, sale *models.Sale) (Change, error)) (*models.Sale, error) {
	var change Change
	var sale *models.Sale
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		sale, err = lockByNumber(tx, saleNumber)
		if err != nil {
			return err
		}
		change, err = fn(tx, sale)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.PublishChange(ctx, sale, change, actor)
	return s.Get(ctx, saleNumber)
}

type Settlement struct {
	Method    models.PaymentMethod
	Tendered  decimal.Decimal
	Reference string
	Actor     string
}

// Complete settles a pending sale paid at the till. Cash computes change from
// the amount tendered; other offline methods are taken at the sale total.
func (s *Service) Complete(ctx context.Context, saleNumber string, p Settlement) (*models.Sale, error) {
	if p.Method == models.MethodMpesa || p.Method == models.MethodCashOnDelivery || !p.Method.Valid() {
		return nil, apperr.Validation("%q cannot be settled at the till", p.Method)
	}
	return s.mutate(ctx, saleNumber, p.Actor, func(tx *gorm.DB, sale *models.Sale) (Change, error) {
		if sale.Status != models.SalePendingPayment {
			return Change{}, &apperr.IllegalTransitionError{Entity: "sale", From: string(sale.Status), To: string(models.SaleCompleted)}
		}
		tendered := p.Tendered
		if p.Method != models.MethodCash || tendered.IsZero() {
			tendered = sale.GrandTotal
		}
		if tendered.LessThan(sale.GrandTotal) {
			return Change{}, fmt.Errorf("%w: tendered %s is below the total %s", apperr.ErrInvalidAmount, tendered.StringFixed(2), sale.GrandTotal.StringFixed(2))
		}

		sale.PaymentMethod = p.Method
		sale.AmountTendered = money.Round(tendered)
		sale.ChangeDue = money.Round(tendered.Sub(sale.GrandTotal))
		sale.PaymentReference = p.Reference
		if _, err := ledger.Record(tx, models.SaleLink(sale.ID), p.Method, sale.GrandTotal, p.Reference, s.now().UTC()); err != nil {
			return Change{}, err
		}
		// A prompt still open on the customer's phone must not pay twice.
		if err := ledger.CancelOpenTransactions(tx, models.SaleLink(sale.ID), "Sale paid by "+string(p.Method)); err != nil {
			return Change{}, fmt.Errorf("cancel open transactions: %w", err)
		}
		return s.TransitionTx(tx, sale, models.SaleCompleted, p.Actor, "paid by "+string(p.Method))
	})
}

func (s *Service) Cancel(ctx context.Context, saleNumber, actor, reason string) (*models.Sale, error) {
	return s.mutate(ctx, saleNumber, actor, func(tx *gorm.DB, sale *models.Sale) (Change, error) {
		return s.TransitionTx(tx, sale, models.SaleCancelled, actor, reason)
	})
}

// Refund reverses a completed sale and returns its stock.
func (s *Service) Refund(ctx context.Context, saleNumber, actor, reason string) (*models.Sale, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("refund reason is required")
	}
	return s.mutate(ctx, saleNumber, actor, func(tx *gorm.DB, sale *models.Sale) (Change, error) {
		if err := lifecycle.CheckSale(sale.Status, models.SaleRefunded); err != nil {
			return Change{}, err
		}
		if err := ledger.MarkRefunded(tx, models.SaleLink(sale.ID)); err != nil {
			return Change{}, err
		}
		return s.TransitionTx(tx, sale, models.SaleRefunded, actor, reason)
	})
}

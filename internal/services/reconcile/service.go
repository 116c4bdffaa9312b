// Package reconcile exposes settled mobile money payments to bank
// reconciliation and records which ledger payments have been matched.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/mpesa"
	"ogsolar-core/internal/sequence"
	"ogsolar-core/internal/services/ledger"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
	sheetName       = "Transactions"
)

type Service struct {
	db  *gorm.DB
	seq *sequence.Allocator
	log logrus.FieldLogger
	now func() time.Time
}

func NewService(db *gorm.DB, seq *sequence.Allocator, log logrus.FieldLogger, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{db: db, seq: seq, log: log.WithField("module", "reconcile"), now: now}
}

// Entry is one completed transaction with its ledger payment.
type Entry struct {
	TransactionID    int64                      `json:"transaction_id"`
	Reference        string                     `json:"reference"`
	AccountReference string                     `json:"account_reference"`
	Phone            string                     `json:"phone"`
	Amount           decimal.Decimal            `json:"amount"`
	GatewayReceipt   string                     `json:"gateway_receipt"`
	SettledAt        time.Time                  `json:"settled_at"`
	PaymentID        *int64                     `json:"payment_id,omitempty"`
	PaymentStatus    models.PaymentRecordStatus `json:"payment_status,omitempty"`
	LedgerRef        string                     `json:"ledger_ref,omitempty"`
	ReconciledAt     *time.Time                 `json:"reconciled_at,omitempty"`
}

// Cursor is the position after the last entry returned.
type Cursor struct {
	SettledAt time.Time
	ID        int64
}

func (c Cursor) String() string {
	return strconv.FormatInt(c.SettledAt.UnixNano(), 10) + "_" + strconv.FormatInt(c.ID, 10)
}

func ParseCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	ts, id, ok := strings.Cut(s, "_")
	if !ok {
		return nil, apperr.Validation("invalid cursor %q", s)
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, apperr.Validation("invalid cursor %q", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, apperr.Validation("invalid cursor %q", s)
	}
	return &Cursor{SettledAt: time.Unix(0, nanos).UTC(), ID: n}, nil
}

type Query struct {
	From  time.Time
	To    time.Time
	After *Cursor
	Limit int
}

type Page struct {
	Entries []Entry `json:"entries"`
	Next    string  `json:"next,omitempty"`
}

// Completed pages through completed transactions ordered by settled_at.
// From is inclusive and To exclusive; a zero bound is open.
func (s *Service) Completed(ctx context.Context, q Query) (*Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	db := s.db.WithContext(ctx).
		Preload("Order").
		Preload("Sale").
		Where("status = ? AND settled_at IS NOT NULL", models.TxnCompleted)
	if !q.From.IsZero() {
		db = db.Where("settled_at >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		db = db.Where("settled_at < ?", q.To.UTC())
	}
	if q.After != nil {
		after := q.After.SettledAt.UTC()
		db = db.Where("(settled_at > ? OR (settled_at = ? AND id > ?))", after, after, q.After.ID)
	}

	var txns []models.MobileMoneyTransaction
	if err := db.Order("settled_at ASC, id ASC").Limit(limit + 1).Find(&txns).Error; err != nil {
		return nil, err
	}

	page := &Page{Entries: []Entry{}}
	more := len(txns) > limit
	if more {
		txns = txns[:limit]
	}
	for i := range txns {
		e, err := s.entry(ctx, &txns[i])
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, e)
	}
	if more {
		last := txns[len(txns)-1]
		page.Next = Cursor{SettledAt: *last.SettledAt, ID: last.ID}.String()
	}
	return page, nil
}

func (s *Service) entry(ctx context.Context, txn *models.MobileMoneyTransaction) (Entry, error) {
	e := Entry{
		TransactionID:    txn.ID,
		Reference:        txn.AccountReference,
		AccountReference: txn.AccountReference,
		Phone:            mpesa.MaskPhone(txn.Phone),
		Amount:           txn.Amount,
		SettledAt:        txn.SettledAt.UTC(),
	}
	if txn.GatewayReceiptNumber != nil {
		e.GatewayReceipt = *txn.GatewayReceiptNumber
	}
	switch {
	case txn.Order != nil:
		e.Reference = txn.Order.OrderNumber
	case txn.Sale != nil:
		e.Reference = txn.Sale.SaleNumber
	}

	link, err := txn.Link()
	if err != nil {
		return e, err
	}
	p, err := ledger.Find(s.db.WithContext(ctx), link, models.MethodMpesa)
	if err != nil {
		return e, err
	}
	if p != nil {
		e.PaymentID = &p.ID
		e.PaymentStatus = p.Status
		e.ReconciledAt = p.ReconciledAt
		if p.LedgerRef != nil {
			e.LedgerRef = *p.LedgerRef
		}
	}
	return e, nil
}

// MarkReconciled records that a payment was matched against the bank on
// date. The first call allocates the TXN ledger reference; repeated calls
// return the payment unchanged.
func (s *Service) MarkReconciled(ctx context.Context, paymentID int64, date time.Time, actor string) (*models.Payment, error) {
	if actor == "" {
		return nil, apperr.Validation("actor is required")
	}
	var p models.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, paymentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(fmt.Sprintf("payment %d", paymentID))
		}
		if err != nil {
			return err
		}
		switch p.Status {
		case models.PaymentRecordReconciled:
			return nil
		case models.PaymentRecordCompleted:
		default:
			return apperr.Validation("payment %d is %s and cannot be reconciled", paymentID, p.Status)
		}

		ref, err := s.seq.Next(tx, sequence.Transaction)
		if err != nil {
			return err
		}
		if date.IsZero() {
			date = s.now()
		}
		reconciledAt := date.UTC()
		p.Status = models.PaymentRecordReconciled
		p.ReconciledAt = &reconciledAt
		p.ReconciledBy = actor
		p.LedgerRef = &ref
		return tx.Model(&p).Select("status", "reconciled_at", "reconciled_by", "ledger_ref").Updates(&p).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"payment_id": p.ID,
		"ledger_ref": *p.LedgerRef,
		"actor":      actor,
	}).Info("payment reconciled")
	return &p, nil
}

var exportHeaders = []string{
	"Transaction", "Reference", "Account reference", "Phone", "Amount (KES)",
	"M-Pesa receipt", "Settled at (UTC)", "Payment status", "Ledger ref", "Reconciled at (UTC)",
}

// Export writes every completed transaction settled in [from, to) as an XLSX
// workbook.
func (s *Service) Export(ctx context.Context, from, to time.Time, w io.Writer) (int, error) {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return 0, err
	}

	for i, h := range exportHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return 0, err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return 0, err
		}
	}

	rows := 0
	q := Query{From: from, To: to, Limit: MaxPageSize}
	for {
		page, err := s.Completed(ctx, q)
		if err != nil {
			return rows, err
		}
		for _, e := range page.Entries {
			rows++
			if err := f.SetSheetRow(sheetName, "A"+strconv.Itoa(rows+1), &[]any{
				e.TransactionID,
				e.Reference,
				e.AccountReference,
				e.Phone,
				e.Amount.InexactFloat64(),
				e.GatewayReceipt,
				e.SettledAt.Format(time.DateTime),
				string(e.PaymentStatus),
				e.LedgerRef,
				formatTime(e.ReconciledAt),
			}); err != nil {
				return rows, err
			}
		}
		if page.Next == "" {
			break
		}
		if q.After, err = ParseCursor(page.Next); err != nil {
			return rows, err
		}
	}

	if err := f.Write(w); err != nil {
		return rows, fmt.Errorf("failed to write workbook: %w", err)
	}
	return rows, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.DateTime)
}

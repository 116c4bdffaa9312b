// Package receipt numbers and renders receipts for paid orders and completed
// POS sales and keeps the rendered artifact in an ArtifactStore.
package receipt

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

	"ogsolar-core/config"
	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/money"
	"ogsolar-core/internal/sequence"
	"ogsolar-core/internal/services/ledger"
)

var eat = time.FixedZone("EAT", 3*60*60)

type Builder struct {
	db      *gorm.DB
	seq     *sequence.Allocator
	store   ArtifactStore
	company config.CompanySettings
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewBuilder(db *gorm.DB, seq *sequence.Allocator, store ArtifactStore, company config.CompanySettings, log logrus.FieldLogger, now func() time.Time) *Builder {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Builder{
		db:      db,
		seq:     seq,
		store:   store,
		company: company,
		log:     log.WithField("module", "receipt"),
		now:     now,
	}
}

// Artifact is a rendered receipt and where it is kept.
type Artifact struct {
	ReceiptNumber string
	Reference     string
	ContentType   string
	Ref           string
	Data          []byte
}

func (a *Artifact) Filename() string {
	return a.ReceiptNumber + ".txt"
}

func objectName(receiptNumber string) string {
	return "receipts/" + receiptNumber + ".txt"
}

// ForOrder returns the receipt of a paid order, numbering and rendering it on
// first use. Later calls reuse the number and the stored artifact.
func (b *Builder) ForOrder(ctx context.Context, orderNumber string) (*Artifact, error) {
	var artifact *Artifact
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o models.Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
			Preload("Customer").
			Where("order_number = ?", orderNumber).
			First(&o).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("order " + orderNumber)
		}
		if err != nil {
			return err
		}
		if o.PaymentStatus != models.PaymentPaid && o.PaymentStatus != models.PaymentRefunded {
			return apperr.Validation("order %s has not been paid", orderNumber)
		}

		rcpt, err := b.orderReceipt(tx, &o)
		if err != nil {
			return err
		}
		artifact = &Artifact{
			ReceiptNumber: rcpt.ReceiptNumber,
			Reference:     o.OrderNumber,
			ContentType:   ContentType,
		}
		if rcpt.ArtifactRef != nil {
			data, err := b.store.Get(ctx, *rcpt.ArtifactRef)
			if err == nil {
				artifact.Ref, artifact.Data = *rcpt.ArtifactRef, data
				return nil
			}
			b.log.WithError(err).WithField("receipt_number", rcpt.ReceiptNumber).Warn("stored receipt unreadable, rendering again")
		}

		reference, err := paymentReference(tx, models.OrderLink(o.ID), o.PaymentMethod, o.GatewayReceipt)
		if err != nil {
			return err
		}
		data, err := Render(b.orderDocument(&o, rcpt, reference))
		if err != nil {
			return fmt.Errorf("failed to render receipt: %w", err)
		}
		ref, err := b.store.Put(ctx, objectName(rcpt.ReceiptNumber), ContentType, data)
		if err != nil {
			return err
		}
		if err := tx.Model(rcpt).Updates(map[string]any{"artifact_ref": ref, "content_type": ContentType}).Error; err != nil {
			return err
		}
		artifact.Ref, artifact.Data = ref, data
		b.log.WithFields(logrus.Fields{
			"order_number":   o.OrderNumber,
			"receipt_number": rcpt.ReceiptNumber,
		}).Info("receipt generated")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

func (b *Builder) orderReceipt(tx *gorm.DB, o *models.Order) (*models.Receipt, error) {
	var rcpt models.Receipt
	err := tx.Where("order_id = ?", o.ID).First(&rcpt).Error
	if err == nil {
		return &rcpt, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	number, err := b.seq.Next(tx, sequence.OrderReceipt)
	if err != nil {
		return nil, err
	}
	rcpt = models.Receipt{
		OrderID:       o.ID,
		ReceiptNumber: number,
		IssuedAt:      b.now().UTC(),
	}
	if err := tx.Create(&rcpt).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrDuplicateReceipt, number)
		}
		return nil, err
	}
	return &rcpt, nil
}

// ForSale returns the receipt of a completed sale under its OG-RCP number.
func (b *Builder) ForSale(ctx context.Context, saleNumber string) (*Artifact, error) {
	var artifact *Artifact
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s models.Sale
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
			Preload("Customer").
			Where("sale_number = ?", saleNumber).
			First(&s).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("sale " + saleNumber)
		}
		if err != nil {
			return err
		}
		if s.Status != models.SaleCompleted && s.Status != models.SaleRefunded {
			return apperr.Validation("sale %s is not completed", saleNumber)
		}

		artifact = &Artifact{
			ReceiptNumber: s.ReceiptNumber,
			Reference:     s.SaleNumber,
			ContentType:   ContentType,
		}
		if s.ReceiptArtifactRef != nil {
			data, err := b.store.Get(ctx, *s.ReceiptArtifactRef)
			if err == nil {
				artifact.Ref, artifact.Data = *s.ReceiptArtifactRef, data
				return nil
			}
			b.log.WithError(err).WithField("receipt_number", s.ReceiptNumber).Warn("stored receipt unreadable, rendering again")
		}

		reference, err := paymentReference(tx, models.SaleLink(s.ID), s.PaymentMethod, s.PaymentReference)
		if err != nil {
			return err
		}
		data, err := Render(b.saleDocument(&s, reference))
		if err != nil {
			return fmt.Errorf("failed to render receipt: %w", err)
		}
		ref, err := b.store.Put(ctx, objectName(s.ReceiptNumber), ContentType, data)
		if err != nil {
			return err
		}
		if err := tx.Model(&s).Update("receipt_artifact_ref", ref).Error; err != nil {
			return err
		}
		artifact.Ref, artifact.Data = ref, data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// paymentReference prefers the reference already on the parent and falls
// back to the settled ledger row.
func paymentReference(tx *gorm.DB, link models.TransactionLink, method models.PaymentMethod, known string) (string, error) {
	if known != "" {
		return known, nil
	}
	p, err := ledger.Find(tx, link, method)
	if err != nil || p == nil {
		return "", err
	}
	return p.Reference, nil
}

func (b *Builder) orderDocument(o *models.Order, rcpt *models.Receipt, reference string) Document {
	doc := Document{
		Company:          b.company,
		Title:            "OFFICIAL RECEIPT",
		ReceiptNumber:    rcpt.ReceiptNumber,
		ReferenceLabel:   "Order",
		Reference:        o.OrderNumber,
		Issued:           rcpt.IssuedAt.In(eat).Format("02 Jan 2006 15:04 EAT"),
		Customer:         customerName(o.Customer),
		PaymentMethod:    methodLabel(o.PaymentMethod),
		PaymentReference: reference,
		SubtotalExVAT:    money.Format(o.SubtotalExVAT),
		Discount:         optional(o.DiscountAmount),
		VAT:              money.Format(o.TaxAmount),
		Shipping:         optional(o.ShippingCost),
		Installation:     optional(o.InstallationFee),
		Total:            money.Format(o.GrandTotal),
	}
	for _, it := range o.Items {
		doc.Lines = append(doc.Lines, Line{
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: money.Format(it.UnitPrice),
			LineTotal: money.Format(it.LineTotal),
		})
	}
	return doc
}

func (b *Builder) saleDocument(s *models.Sale, reference string) Document {
	issued := s.CreatedAt
	if s.PaidAt != nil {
		issued = *s.PaidAt
	}
	doc := Document{
		Company:          b.company,
		Title:            "SALES RECEIPT",
		ReceiptNumber:    s.ReceiptNumber,
		ReferenceLabel:   "Sale",
		Reference:        s.SaleNumber,
		Issued:           issued.In(eat).Format("02 Jan 2006 15:04 EAT"),
		Cashier:          s.CashierID,
		Customer:         customerName(s.Customer),
		PaymentMethod:    methodLabel(s.PaymentMethod),
		PaymentReference: reference,
		SubtotalExVAT:    money.Format(s.SubtotalExVAT),
		Discount:         optional(s.DiscountAmount),
		VAT:              money.Format(s.TaxAmount),
		Total:            money.Format(s.GrandTotal),
	}
	if s.PaymentMethod == models.MethodCash {
		doc.Tendered = optional(s.AmountTendered)
		doc.Change = optional(s.ChangeDue)
	}
	for _, it := range s.Items {
		doc.Lines = append(doc.Lines, Line{
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: money.Format(it.UnitPrice),
			LineTotal: money.Format(it.LineTotal),
		})
	}
	return doc
}

func optional(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return money.Format(d)
}

func customerName(c *models.Customer) string {
	if c == nil || c.Name == "" {
		return "Walk-in customer"
	}
	return c.Name
}

func methodLabel(m models.PaymentMethod) string {
	switch m {
	case models.MethodMpesa:
		return "M-Pesa"
	case models.MethodCashOnDelivery:
		return "Cash on delivery"
	}
	s := strings.ReplaceAll(string(m), "_", " ")
	if s == "" {
		return "Unspecified"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Package sequence allocates human-readable per-year document numbers such as
// OG-ORD-2025-0001. Allocation runs inside the caller's database transaction
// under a row lock on the (domain, year) counter, so a rolled back caller
// leaves no gap and a committed one can never be handed the same ordinal.
package sequence

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ogsolar-core/internal/database/models"
)

type Domain string

const (
	Order         Domain = "OG-ORD"
	Sale          Domain = "OG-SALE"
	SaleReceipt   Domain = "OG-RCP"
	OrderReceipt  Domain = "RCT"
	PurchaseOrder Domain = "OG-PO"
	LegacyPO      Domain = "PO"
	Adjustment    Domain = "ADJ"
	Transfer      Domain = "TRF"
	Reconcile     Domain = "REC"
	Asset         Domain = "AST"
	Transaction   Domain = "TXN"
	Vendor        Domain = "VEN"
	Requisition   Domain = "PR"
	Quotation     Domain = "RFQ"
)

// Width is the zero-padded width of the ordinal.
func (d Domain) Width() int {
	if d == Transaction {
		return 6
	}
	return 4
}

func (d Domain) Format(year int, n int64) string {
	return fmt.Sprintf("%s-%d-%0*d", d, year, d.Width(), n)
}

// counterDomain maps domains that share an ordinal with another one.
func (d Domain) counterDomain() Domain {
	if d == SaleReceipt {
		return Sale
	}
	return d
}

type Allocator struct {
	now func() time.Time
}

func NewAllocator(now func() time.Time) *Allocator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Allocator{now: now}
}

// Next allocates the next ordinal for domain in the current year. tx must be
// an open transaction; the counter row stays locked until it ends.
func (a *Allocator) Next(tx *gorm.DB, domain Domain) (string, error) {
	year := a.now().Year()
	n, err := a.next(tx, domain.counterDomain(), year)
	if err != nil {
		return "", err
	}
	return domain.Format(year, n), nil
}

// NextPair allocates one ordinal and formats it for two domains, as used for a
// POS sale and its receipt.
func (a *Allocator) NextPair(tx *gorm.DB, primary, secondary Domain) (string, string, error) {
	year := a.now().Year()
	n, err := a.next(tx, primary, year)
	if err != nil {
		return "", "", err
	}
	return primary.Format(year, n), secondary.Format(year, n), nil
}

func (a *Allocator) next(tx *gorm.DB, domain Domain, year int) (int64, error) {
	seed := models.SequenceCounter{Domain: string(domain), Year: year}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return 0, fmt.Errorf("seed counter %s/%d: %w", domain, year, err)
	}

	var counter models.SequenceCounter
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("domain = ? AND year = ?", string(domain), year).
		First(&counter).Error; err != nil {
		return 0, fmt.Errorf("lock counter %s/%d: %w", domain, year, err)
	}

	counter.LastNumber++
	res := tx.Model(&models.SequenceCounter{}).
		Where("domain = ? AND year = ? AND last_number = ?", string(domain), year, counter.LastNumber-1).
		Update("last_number", counter.LastNumber)
	if res.Error != nil {
		return 0, fmt.Errorf("bump counter %s/%d: %w", domain, year, res.Error)
	}
	if res.RowsAffected != 1 {
		return 0, fmt.Errorf("counter %s/%d moved during allocation", domain, year)
	}
	return counter.LastNumber, nil
}

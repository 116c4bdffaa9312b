// Package ledger keeps the Payment rows recorded against orders and sales.
// There is at most one row per (parent, method).
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"ogsolar-core/internal/database/models"
)

func parentColumn(link models.TransactionLink) string {
	if link.Type == models.ReferenceSale {
		return "sale_id"
	}
	return "order_id"
}

// Record gets or creates the completed payment for a parent and method. A
// repeated call never adds a second row and never downgrades a reconciled one.
func Record(tx *gorm.DB, link models.TransactionLink, method models.PaymentMethod, amount decimal.Decimal, reference string, at time.Time) (*models.Payment, error) {
	var p models.Payment
	err := tx.Where(parentColumn(link)+" = ? AND method = ?", link.ID, method).First(&p).Error
	if err == nil {
		if p.Status == models.PaymentRecordCompleted || p.Status == models.PaymentRecordReconciled {
			return &p, nil
		}
		p.Status = models.PaymentRecordCompleted
		p.Amount = amount
		p.Reference = reference
		p.PaidAt = &at
		if err := tx.Model(&p).Select("status", "amount", "reference", "paid_at").Updates(&p).Error; err != nil {
			return nil, err
		}
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	p = models.Payment{
		Method:    method,
		Amount:    amount,
		Reference: reference,
		Status:    models.PaymentRecordCompleted,
		PaidAt:    &at,
	}
	id := link.ID
	if link.Type == models.ReferenceSale {
		p.SaleID = &id
	} else {
		p.OrderID = &id
	}
	if err := tx.Create(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkRefunded flags every payment of the parent as refunded.
func MarkRefunded(tx *gorm.DB, link models.TransactionLink) error {
	return tx.Model(&models.Payment{}).
		Where(parentColumn(link)+" = ?", link.ID).
		Update("status", models.PaymentRecordRefunded).Error
}

// CancelOpenTransactions closes any mobile money attempt still waiting on the
// parent.
func CancelOpenTransactions(tx *gorm.DB, link models.TransactionLink, reason string) error {
	return tx.Model(&models.MobileMoneyTransaction{}).
		Where(parentColumn(link)+" = ? AND status IN ?", link.ID, []models.TransactionStatus{models.TxnInitiated, models.TxnPending}).
		Updates(map[string]any{"status": models.TxnCancelled, "error_message": reason}).Error
}

// Find returns the payment of a parent for method, or nil when none exists.
func Find(tx *gorm.DB, link models.TransactionLink, method models.PaymentMethod) (*models.Payment, error) {
	var p models.Payment
	err := tx.Where(parentColumn(link)+" = ? AND method = ?", link.ID, method).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

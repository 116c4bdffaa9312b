// Package customer resolves customer snapshots and keeps their lifetime
// purchase stats.
package customer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/money"
)

type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email" binding:"omitempty,email"`
	Phone string `json:"phone"`
}

func (c Contact) empty() bool {
	return strings.TrimSpace(c.Name) == "" && strings.TrimSpace(c.Email) == "" && strings.TrimSpace(c.Phone) == ""
}

// Resolve finds the customer by email, creating it when missing and refreshing
// any contact fields supplied. Without an email a new customer row is created
// for the contact. An empty contact resolves to nil.
func Resolve(tx *gorm.DB, c Contact) (*models.Customer, error) {
	if c.empty() {
		return nil, nil
	}
	name := strings.TrimSpace(c.Name)
	email := strings.ToLower(strings.TrimSpace(c.Email))
	phone := strings.TrimSpace(c.Phone)

	if email == "" {
		cust := models.Customer{Name: name, Phone: phone}
		if err := tx.Create(&cust).Error; err != nil {
			return nil, fmt.Errorf("create customer: %w", err)
		}
		return &cust, nil
	}

	var cust models.Customer
	err := tx.Where("email = ?", email).First(&cust).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cust = models.Customer{Name: name, Email: &email, Phone: phone}
		if err := tx.Create(&cust).Error; err != nil {
			return nil, fmt.Errorf("create customer: %w", err)
		}
		return &cust, nil
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if name != "" && name != cust.Name {
		updates["name"] = name
		cust.Name = name
	}
	if phone != "" && phone != cust.Phone {
		updates["phone"] = phone
		cust.Phone = phone
	}
	if len(updates) > 0 {
		if err := tx.Model(&cust).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update customer: %w", err)
		}
	}
	return &cust, nil
}

// RecordPurchase is the only place lifetime stats change. It runs in the
// transaction that moves an order to paid or a sale to completed.
func RecordPurchase(tx *gorm.DB, customerID int64, amount decimal.Decimal, at time.Time) error {
	var cust models.Customer
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cust, customerID).Error; err != nil {
		return fmt.Errorf("lock customer %d: %w", customerID, err)
	}
	at = at.UTC()
	return tx.Model(&cust).Updates(map[string]any{
		"total_spent":      cust.TotalSpent.Add(amount),
		"purchase_count":   cust.PurchaseCount + 1,
		"loyalty_points":   cust.LoyaltyPoints + money.LoyaltyPoints(amount),
		"last_purchase_at": &at,
	}).Error
}

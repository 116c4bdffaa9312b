// Package testutil provides a migrated in-memory database and seed fixtures
// for package tests.
package testutil

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"ogsolar-core/internal/database"
	"ogsolar-core/internal/database/models"
)

// NewDB opens a private sqlite database migrated with the production schema.
// A single connection serializes writers the way row locks do in postgres.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), database.Config(Logger()))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func Logger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Clock is a settable time source for services that take a now func.
type Clock struct {
	T time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{T: t.UTC()} }

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// SeedProduct creates a tracked product with the given VAT-inclusive price and
// stock on hand.
func SeedProduct(t *testing.T, db *gorm.DB, sku, price string, onHand int32) models.Product {
	t.Helper()
	p := models.Product{
		SKU:            sku,
		Name:           sku,
		UnitPrice:      decimal.RequireFromString(price),
		TrackInventory: true,
		IsActive:       true,
	}
	require.NoError(t, db.Create(&p).Error)
	stock := models.StockRecord{ProductID: p.ID, OnHand: onHand, ReorderPoint: 2}
	require.NoError(t, db.Create(&stock).Error)
	p.Stock = &stock
	return p
}

// SeedSolarPanel is the 250W panel used across scenarios: KES 28,000 VAT
// inclusive with 10 units on hand.
func SeedSolarPanel(t *testing.T, db *gorm.DB) models.Product {
	t.Helper()
	return SeedProduct(t, db, "SolarPanel-250W", "28000", 10)
}

func OnHand(t *testing.T, db *gorm.DB, productID int64) int32 {
	t.Helper()
	var s models.StockRecord
	require.NoError(t, db.Where("product_id = ?", productID).First(&s).Error)
	return s.OnHand
}

// SeedSession opens a cashier session on a fresh terminal.
func SeedSession(t *testing.T, db *gorm.DB, cashier string) models.CashierSession {
	t.Helper()
	term := models.Terminal{Code: "T-" + uuid.NewString()[:8], Name: "Front counter", IsActive: true}
	require.NoError(t, db.Create(&term).Error)
	s := models.CashierSession{
		CashierID:  cashier,
		TerminalID: term.ID,
		Status:     models.SessionOpen,
		OpenedAt:   time.Now().UTC(),
	}
	require.NoError(t, db.Create(&s).Error)
	return s
}

// SeedOrder inserts a bare order row for tests that only need a parent.
func SeedOrder(t *testing.T, db *gorm.DB, number string, total string) models.Order {
	t.Helper()
	o := models.Order{
		OrderNumber:   number,
		Status:        models.OrderPendingPayment,
		PaymentStatus: models.PaymentPending,
		PaymentMethod: models.MethodMpesa,
		GrandTotal:    decimal.RequireFromString(total),
	}
	require.NoError(t, db.Create(&o).Error)
	return o
}

// SeedSale inserts a bare pending sale on a fresh session.
func SeedSale(t *testing.T, db *gorm.DB, number string, total string) models.Sale {
	t.Helper()
	sess := SeedSession(t, db, "cashier-1")
	s := models.Sale{
		SaleNumber:    number,
		ReceiptNumber: "RCP-" + number,
		SessionID:     sess.ID,
		TerminalID:    sess.TerminalID,
		CashierID:     sess.CashierID,
		Status:        models.SalePendingPayment,
		PaymentMethod: models.MethodMpesa,
		GrandTotal:    decimal.RequireFromString(total),
	}
	require.NoError(t, db.Create(&s).Error)
	return s
}

package cart

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/money"
	"ogsolar-core/internal/services/inventory"
)

type Service struct {
	db      *gorm.DB
	inv     *inventory.Service
	vatRate decimal.Decimal
	log     logrus.FieldLogger
}

func NewService(db *gorm.DB, inv *inventory.Service, vatRate decimal.Decimal, log logrus.FieldLogger) *Service {
	return &Service{db: db, inv: inv, vatRate: vatRate, log: log.WithField("module", "cart")}
}

// View is a cart with its derived totals.
type View struct {
	Cart          models.Cart     `json:"cart"`
	TotalItems    int32           `json:"total_items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	SubtotalExVAT decimal.Decimal `json:"subtotal_ex_vat"`
	VATAmount     decimal.Decimal `json:"vat_amount"`
	Fingerprint   string          `json:"fingerprint"`
}

// Fingerprint hashes the (product, quantity, unit price) tuples of a cart in
// product order.
func Fingerprint(items []models.CartItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%d:%d:%s", it.ProductID, it.Quantity, it.UnitPrice.StringFixed(2)))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func (s *Service) buildView(c models.Cart) (*View, error) {
	lines := make([]money.Line, 0, len(c.Items))
	var count int32
	for _, it := range c.Items {
		l := money.Line{UnitPrice: it.UnitPrice, Quantity: it.Quantity}
		if it.Product != nil {
			l.VATRate = it.Product.VATRate
		}
		lines = append(lines, l)
		count += it.Quantity
	}
	totals, err := money.ComputeTotals(money.TotalsInput{Lines: lines, VATRate: s.vatRate})
	if err != nil {
		return nil, err
	}
	return &View{
		Cart:          c,
		TotalItems:    count,
		Subtotal:      totals.Subtotal,
		SubtotalExVAT: totals.SubtotalExVAT,
		VATAmount:     totals.TaxAmount,
		Fingerprint:   Fingerprint(c.Items),
	}, nil
}

func loadItems(db *gorm.DB, c *models.Cart) error {
	return db.Where("cart_id = ?", c.ID).Preload("Product").Order("id ASC").Find(&c.Items).Error
}

// Lock returns the owner's cart locked for the rest of tx, creating it if
// needed. Every cart mutation goes through here.
func Lock(tx *gorm.DB, owner string) (*models.Cart, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, apperr.Validation("cart owner is required")
	}
	seed := models.Cart{OwnerKey: owner}
	if err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "owner_key"}}, DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("create cart: %w", err)
	}
	var c models.Cart
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("owner_key = ?", owner).First(&c).Error; err != nil {
		return nil, fmt.Errorf("lock cart: %w", err)
	}
	if err := loadItems(tx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) Get(ctx context.Context, owner string) (*View, error) {
	var c models.Cart
	err := s.db.WithContext(ctx).Where("owner_key = ?", owner).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.buildView(models.Cart{OwnerKey: owner})
	}
	if err != nil {
		return nil, err
	}
	if err := loadItems(s.db.WithContext(ctx), &c); err != nil {
		return nil, err
	}
	return s.buildView(c)
}

// mutate runs fn on the locked cart, refreshes the fingerprint and returns the
// new view.
func (s *Service) mutate(ctx context.Context, owner string, fn func(tx *gorm.DB, c *models.Cart) error) (*View, error) {
	var view *View
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := Lock(tx, owner)
		if err != nil {
			return err
		}
		if err := fn(tx, c); err != nil {
			return err
		}
		if err := loadItems(tx, c); err != nil {
			return err
		}
		c.Fingerprint = Fingerprint(c.Items)
		if err := tx.Model(c).Update("fingerprint", c.Fingerprint).Error; err != nil {
			return err
		}
		view, err = s.buildView(*c)
		return err
	})
	return view, err
}

func findItem(c *models.Cart, pred func(models.CartItem) bool) *models.CartItem {
	for i := range c.Items {
		if pred(c.Items[i]) {
			return &c.Items[i]
		}
	}
	return nil
}

// Add puts qty of a product in the cart, adding to an existing line.
func (s *Service) Add(ctx context.Context, owner string, productID int64, qty int32, checkStock bool) (*View, error) {
	if qty < 1 {
		return nil, apperr.Validation("quantity must be at least 1")
	}
	product, err := s.inv.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, owner, func(tx *gorm.DB, c *models.Cart) error {
		existing := findItem(c, func(it models.CartItem) bool { return it.ProductID == productID })
		want := qty
		if existing != nil {
			want += existing.Quantity
		}
		if checkStock {
			if err := s.inv.CheckStock(tx, product, want); err != nil {
				return err
			}
		}
		if existing != nil {
			return tx.Model(existing).Update("quantity", want).Error
		}
		return tx.Create(&models.CartItem{
			CartID:    c.ID,
			ProductID: productID,
			Quantity:  qty,
			UnitPrice: product.UnitPrice,
		}).Error
	})
}

// Update sets an item's quantity; zero or less removes it.
func (s *Service) Update(ctx context.Context, owner string, itemID int64, qty int32) (*View, error) {
	return s.mutate(ctx, owner, func(tx *gorm.DB, c *models.Cart) error {
		item := findItem(c, func(it models.CartItem) bool { return it.ID == itemID })
		if item == nil {
			return apperr.NotFound(fmt.Sprintf("cart item %d", itemID))
		}
		if qty <= 0 {
			return tx.Delete(&models.CartItem{}, item.ID).Error
		}
		if item.Product != nil {
			if err := s.inv.CheckStock(tx, item.Product, qty); err != nil {
				return err
			}
		}
		return tx.Model(item).Update("quantity", qty).Error
	})
}

func (s *Service) Remove(ctx context.Context, owner string, itemID int64) (*View, error) {
	return s.mutate(ctx, owner, func(tx *gorm.DB, c *models.Cart) error {
		item := findItem(c, func(it models.CartItem) bool { return it.ID == itemID })
		if item == nil {
			return apperr.NotFound(fmt.Sprintf("cart item %d", itemID))
		}
		return tx.Delete(&models.CartItem{}, item.ID).Error
	})
}

func (s *Service) Clear(ctx context.Context, owner string) (*View, error) {
	return s.mutate(ctx, owner, func(tx *gorm.DB, c *models.Cart) error {
		return ClearTx(tx, c)
	})
}

// ClearTx empties a locked cart inside tx.
func ClearTx(tx *gorm.DB, c *models.Cart) error {
	if err := tx.Where("cart_id = ?", c.ID).Delete(&models.CartItem{}).Error; err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	c.Items = nil
	return tx.Model(c).Update("fingerprint", Fingerprint(nil)).Error
}

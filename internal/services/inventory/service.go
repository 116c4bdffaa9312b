package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/sequence"
)

const (
	PRODUCT_CACHE_PREFIX = "inventory:product:"
	CACHE_TTL_SHORT      = 5 * time.Minute
)

// Line is a quantity of one product moving in or out of stock.
type Line struct {
	ProductID int64
	Quantity  int32
}

type Service struct {
	db    *gorm.DB
	redis *redis.Client
	seq   *sequence.Allocator
	log   logrus.FieldLogger
}

func NewService(db *gorm.DB, redisClient *redis.Client, seq *sequence.Allocator, log logrus.FieldLogger) *Service {
	return &Service{
		db:    db,
		redis: redisClient,
		seq:   seq,
		log:   log.WithField("module", "inventory"),
	}
}

func (s *Service) InvalidateProductCaches(ctx context.Context, productIDs ...int64) {
	if s.redis == nil {
		return
	}
	for _, id := range productIDs {
		_ = s.redis.Del(ctx, fmt.Sprintf("%s%d", PRODUCT_CACHE_PREFIX, id))
	}
}

// GetProduct returns an active catalog product. Stock is not part of the
// cached value.
func (s *Service) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	cacheKey := fmt.Sprintf("%s%d", PRODUCT_CACHE_PREFIX, id)
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var p models.Product
			if json.Unmarshal(cached, &p) == nil {
				return &p, nil
			}
		}
	}

	var product models.Product
	if err := s.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("product %d", id))
		}
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(product); err == nil {
			_ = s.redis.Set(ctx, cacheKey, data, CACHE_TTL_SHORT).Err()
		}
	}
	return &product, nil
}

// Available is on_hand minus reserved. Untracked products report -1.
func (s *Service) Available(db *gorm.DB, product *models.Product) (int32, error) {
	if !product.TrackInventory {
		return -1, nil
	}
	var stock models.StockRecord
	err := db.Where("product_id = ?", product.ID).First(&stock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return stock.OnHand - stock.Reserved, nil
}

// CheckStock is the advisory check used by carts and at order creation.
func (s *Service) CheckStock(db *gorm.DB, product *models.Product, qty int32) error {
	if !product.TrackInventory || product.AllowBackorder {
		return nil
	}
	available, err := s.Available(db, product)
	if err != nil {
		return err
	}
	if available < qty {
		return &apperr.InsufficientStockError{ProductID: product.ID, SKU: product.SKU, Available: max(available, 0)}
	}
	return nil
}

// netMoved returns the signed quantity already moved per product for a
// reference.
func netMoved(tx *gorm.DB, refType models.ReferenceType, refID int64) (map[int64]int32, error) {
	var rows []struct {
		ProductID int64
		Net       int32
	}
	err := tx.Model(&models.StockMovement{}).
		Select("product_id, COALESCE(SUM(quantity), 0) AS net").
		Where("reference_type = ? AND reference_id = ?", refType, refID).
		Group("product_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int32, len(rows))
	for _, r := range rows {
		out[r.ProductID] = r.Net
	}
	return out, nil
}

func mergeLines(lines []Line) ([]int64, map[int64]int32) {
	qty := map[int64]int32{}
	for _, l := range lines {
		qty[l.ProductID] += l.Quantity
	}
	ids := make([]int64, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, qty
}

func lockStock(tx *gorm.DB, productID int64) (*models.StockRecord, error) {
	var stock models.StockRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("product_id = ?", productID).First(&stock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		stock = models.StockRecord{ProductID: productID}
		if err := tx.Create(&stock).Error; err != nil {
			return nil, err
		}
		return &stock, nil
	}
	if err != nil {
		return nil, err
	}
	return &stock, nil
}

// Fulfill decrements on_hand for every tracked line of a reference inside tx.
// Products already decremented for this reference are skipped, so a repeated
// call is a no-op.
func (s *Service) Fulfill(tx *gorm.DB, refType models.ReferenceType, refID int64, lines []Line, actor string) error {
	moved, err := netMoved(tx, refType, refID)
	if err != nil {
		return fmt.Errorf("read stock movements: %w", err)
	}

	ids, qty := mergeLines(lines)
	for _, productID := range ids {
		if moved[productID] < 0 {
			continue
		}
		var product models.Product
		if err := tx.First(&product, productID).Error; err != nil {
			return fmt.Errorf("load product %d: %w", productID, err)
		}
		if !product.TrackInventory {
			continue
		}

		stock, err := lockStock(tx, productID)
		if err != nil {
			return fmt.Errorf("lock stock %d: %w", productID, err)
		}
		if stock.OnHand < qty[productID] && !product.AllowBackorder {
			return &apperr.InsufficientStockError{ProductID: productID, SKU: product.SKU, Available: max(stock.OnHand, 0)}
		}

		if err := tx.Model(stock).Update("on_hand", gorm.Expr("on_hand - ?", qty[productID])).Error; err != nil {
			return fmt.Errorf("decrement stock %d: %w", productID, err)
		}
		movement := models.StockMovement{
			ProductID:     productID,
			MovementType:  models.MovementSale,
			Quantity:      -qty[productID],
			ReferenceType: refType,
			ReferenceID:   refID,
			CreatedBy:     actor,
		}
		if err := tx.Create(&movement).Error; err != nil {
			return fmt.Errorf("failed to create stock movement record: %w", err)
		}
	}
	return nil
}

// Restore puts back whatever is still decremented for a reference and writes
// reversal movements. References that never decremented are untouched.
func (s *Service) Restore(tx *gorm.DB, refType models.ReferenceType, refID int64, actor, notes string) error {
	moved, err := netMoved(tx, refType, refID)
	if err != nil {
		return fmt.Errorf("read stock movements: %w", err)
	}

	ids := make([]int64, 0, len(moved))
	for id, net := range moved {
		if net < 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, productID := range ids {
		back := -moved[productID]
		stock, err := lockStock(tx, productID)
		if err != nil {
			return fmt.Errorf("lock stock %d: %w", productID, err)
		}
		if err := tx.Model(stock).Update("on_hand", gorm.Expr("on_hand + ?", back)).Error; err != nil {
			return fmt.Errorf("restore stock %d: %w", productID, err)
		}
		movement := models.StockMovement{
			ProductID:     productID,
			MovementType:  models.MovementReversal,
			Quantity:      back,
			ReferenceType: refType,
			ReferenceID:   refID,
			Notes:         notes,
			CreatedBy:     actor,
		}
		if err := tx.Create(&movement).Error; err != nil {
			return fmt.Errorf("failed to create stock movement record: %w", err)
		}
	}
	return nil
}

// Adjust applies a manual stock correction and returns its ADJ number.
func (s *Service) Adjust(ctx context.Context, productID int64, delta int32, actor, reason string) (string, error) {
	if delta == 0 {
		return "", apperr.Validation("adjustment quantity must not be zero")
	}

	var number string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var product models.Product
		if err := tx.First(&product, productID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(fmt.Sprintf("product %d", productID))
			}
			return err
		}
		stock, err := lockStock(tx, productID)
		if err != nil {
			return err
		}
		if stock.OnHand+delta < 0 {
			return apperr.Validation("adjustment would result in negative stock")
		}

		number, err = s.seq.Next(tx, sequence.Adjustment)
		if err != nil {
			return err
		}
		if err := tx.Model(stock).Update("on_hand", gorm.Expr("on_hand + ?", delta)).Error; err != nil {
			return err
		}
		return tx.Create(&models.StockMovement{
			ProductID:     productID,
			MovementType:  models.MovementAdjustment,
			Quantity:      delta,
			ReferenceType: models.ReferenceAdjustment,
			ReferenceID:   stock.ID,
			Notes:         number + " " + reason,
			CreatedBy:     actor,
		}).Error
	})
	if err != nil {
		return "", err
	}

	s.log.WithFields(logrus.Fields{"product_id": productID, "delta": delta, "adjustment": number}).Info("stock adjusted")
	return number, nil
}

type StockLevel struct {
	ProductID    int64  `json:"product_id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	OnHand       int32  `json:"on_hand"`
	Reserved     int32  `json:"reserved"`
	OnOrder      int32  `json:"on_order"`
	ReorderPoint int32  `json:"reorder_point"`
}

// ListLowStock returns tracked products at or below their reorder point.
func (s *Service) ListLowStock(ctx context.Context) ([]StockLevel, error) {
	var levels []StockLevel
	err := s.db.WithContext(ctx).Table("stock_records AS s").
		Select("p.id AS product_id, p.sku, p.name, s.on_hand, s.reserved, s.on_order, s.reorder_point").
		Joins("JOIN products p ON p.id = s.product_id").
		Where("p.track_inventory = ? AND p.is_active = ? AND s.on_hand <= s.reorder_point", true, true).
		Order("s.on_hand ASC").
		Scan(&levels).Error
	return levels, err
}

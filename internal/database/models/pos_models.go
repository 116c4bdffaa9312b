package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID             int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	SKU            string           `gorm:"size:64;uniqueIndex;not null" json:"sku"`
	Name           string           `gorm:"size:255;not null" json:"name"`
	Specs          string           `gorm:"type:text" json:"specs,omitempty"`
	UnitPrice      decimal.Decimal  `gorm:"type:numeric(14,2);not null" json:"unit_price"`
	VATRate        *decimal.Decimal `gorm:"type:numeric(5,2)" json:"vat_rate,omitempty"`
	TrackInventory bool             `gorm:"not null;default:true" json:"track_inventory"`
	AllowBackorder bool             `gorm:"not null;default:false" json:"allow_backorder"`
	IsActive       bool             `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`

	Stock *StockRecord `gorm:"foreignKey:ProductID" json:"stock,omitempty"`
}

type Cart struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerKey    string    `gorm:"size:128;uniqueIndex;not null" json:"owner"`
	Fingerprint string    `gorm:"size:64" json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Items []CartItem `gorm:"foreignKey:CartID;constraint:OnDelete:CASCADE" json:"items"`
}

type CartItem struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	CartID    int64           `gorm:"not null;uniqueIndex:idx_cart_product" json:"cart_id"`
	ProductID int64           `gorm:"not null;uniqueIndex:idx_cart_product" json:"product_id"`
	Quantity  int32           `gorm:"not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"unit_price"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	Product *Product `gorm:"foreignKey:ProductID" json:"product,omitempty"`
}

type Terminal struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Code      string    `gorm:"size:32;uniqueIndex;not null" json:"code"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CashierSession struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	CashierID    string          `gorm:"size:64;not null;index" json:"cashier_id"`
	TerminalID   int64           `gorm:"not null;index" json:"terminal_id"`
	Status       SessionStatus   `gorm:"size:16;not null;index" json:"status"`
	OpeningFloat decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"opening_float"`
	OpenedAt     time.Time       `gorm:"not null" json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`

	Terminal *Terminal `gorm:"foreignKey:TerminalID" json:"terminal,omitempty"`
}

type Sale struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	SaleNumber         string          `gorm:"size:32;uniqueIndex;not null" json:"sale_number"`
	ReceiptNumber      string          `gorm:"size:32;uniqueIndex;not null" json:"receipt_number"`
	SessionID          int64           `gorm:"not null;index" json:"session_id"`
	TerminalID         int64           `gorm:"not null" json:"terminal_id"`
	CashierID          string          `gorm:"size:64;not null" json:"cashier_id"`
	CustomerID         *int64          `gorm:"index" json:"customer_id,omitempty"`
	Status             SaleStatus      `gorm:"size:32;not null;index" json:"status"`
	PaymentMethod      PaymentMethod   `gorm:"size:32;not null" json:"payment_method"`
	SubtotalExVAT      decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"subtotal_ex_vat"`
	DiscountAmount     decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"discount_amount"`
	TaxAmount          decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"tax_amount"`
	GrandTotal         decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"grand_total"`
	AmountTendered     decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"amount_tendered"`
	ChangeDue          decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"change_due"`
	PaymentReference   string          `gorm:"size:64" json:"payment_reference,omitempty"`
	PaidAt             *time.Time      `json:"paid_at,omitempty"`
	ReceiptArtifactRef *string         `gorm:"size:255" json:"-"`
	Notes              string          `gorm:"type:text" json:"notes,omitempty"`
	StatusUpdatedAt    *time.Time      `json:"status_updated_at,omitempty"`
	StatusUpdatedBy    string          `gorm:"size:64" json:"status_updated_by,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`

	Items    []SaleItem      `gorm:"foreignKey:SaleID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
	Customer *Customer       `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
	Session  *CashierSession `gorm:"foreignKey:SessionID" json:"-"`
}

type SaleItem struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	SaleID         int64           `gorm:"not null;index" json:"sale_id"`
	ProductID      int64           `gorm:"not null" json:"product_id"`
	Name           string          `gorm:"size:255;not null" json:"name"`
	SKU            string          `gorm:"size:64;not null" json:"sku"`
	UnitPrice      decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"unit_price"`
	Quantity       int32           `gorm:"not null" json:"quantity"`
	DiscountPct    decimal.Decimal `gorm:"type:numeric(5,2);not null;default:0" json:"discount_pct"`
	DiscountAmount decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"discount_amount"`
	VATRate        decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"vat_rate"`
	TaxAmount      decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"tax_amount"`
	LineTotal      decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"line_total"`
	CreatedAt      time.Time       `json:"created_at"`
}

type SaleStatusHistory struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SaleID     int64      `gorm:"not null;index" json:"sale_id"`
	PrevStatus SaleStatus `gorm:"size:32" json:"prev_status"`
	NewStatus  SaleStatus `gorm:"size:32;not null" json:"new_status"`
	ChangedBy  string     `gorm:"size:64" json:"changed_by"`
	Notes      string     `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
}

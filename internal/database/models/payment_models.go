package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MobileMoneyTransaction tracks one STK push attempt. Exactly one of OrderID
// and SaleID is set.
type MobileMoneyTransaction struct {
	ID                   int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID              *int64            `gorm:"index;check:chk_mm_txn_link,(order_id IS NULL) <> (sale_id IS NULL)" json:"order_id,omitempty"`
	SaleID               *int64            `gorm:"index" json:"sale_id,omitempty"`
	Phone                string            `gorm:"size:12;not null" json:"phone"`
	Amount               decimal.Decimal   `gorm:"type:numeric(14,2);not null" json:"amount"`
	AccountReference     string            `gorm:"size:32;not null" json:"account_reference"`
	Description          string            `gorm:"size:32" json:"description"`
	CheckoutRequestID    *string           `gorm:"size:64;uniqueIndex" json:"checkout_request_id,omitempty"`
	MerchantRequestID    string            `gorm:"size:64" json:"merchant_request_id,omitempty"`
	Status               TransactionStatus `gorm:"size:16;not null;index" json:"status"`
	GatewayReceiptNumber *string           `gorm:"size:32" json:"gateway_receipt_number,omitempty"`
	SettledAt            *time.Time        `gorm:"index" json:"settled_at,omitempty"`
	InitiationResponse   string            `gorm:"type:text" json:"-"`
	CallbackResponse     string            `gorm:"type:text" json:"-"`
	ResultCode           *int              `json:"result_code,omitempty"`
	ErrorMessage         string            `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount           int               `gorm:"not null;default:0" json:"retry_count"`
	LastRetryAt          *time.Time        `json:"last_retry_at,omitempty"`
	NotificationSent     bool              `gorm:"not null;default:false;index" json:"notification_sent"`
	SMSSent              bool              `gorm:"not null;default:false" json:"sms_sent"`
	EmailSent            bool              `gorm:"not null;default:false" json:"email_sent"`
	NotificationSentAt   *time.Time        `json:"notification_sent_at,omitempty"`
	CreatedAt            time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`

	Order *Order `gorm:"foreignKey:OrderID" json:"-"`
	Sale  *Sale  `gorm:"foreignKey:SaleID" json:"-"`
}

var ErrInvalidLink = errors.New("transaction must reference exactly one of order or sale")

// Link reports which parent the transaction settles.
func (t *MobileMoneyTransaction) Link() (TransactionLink, error) {
	switch {
	case t.OrderID != nil && t.SaleID == nil:
		return TransactionLink{Type: ReferenceOrder, ID: *t.OrderID}, nil
	case t.SaleID != nil && t.OrderID == nil:
		return TransactionLink{Type: ReferenceSale, ID: *t.SaleID}, nil
	}
	return TransactionLink{}, ErrInvalidLink
}

type TransactionLink struct {
	Type ReferenceType
	ID   int64
}

func OrderLink(id int64) TransactionLink { return TransactionLink{Type: ReferenceOrder, ID: id} }
func SaleLink(id int64) TransactionLink  { return TransactionLink{Type: ReferenceSale, ID: id} }

// Apply sets the parent foreign key on t.
func (l TransactionLink) Apply(t *MobileMoneyTransaction) {
	id := l.ID
	switch l.Type {
	case ReferenceOrder:
		t.OrderID, t.SaleID = &id, nil
	case ReferenceSale:
		t.SaleID, t.OrderID = &id, nil
	}
}

// Payment is the ledger row for money received against an order or sale.
type Payment struct {
	ID           int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID      *int64              `gorm:"uniqueIndex:idx_payment_order_method" json:"order_id,omitempty"`
	SaleID       *int64              `gorm:"uniqueIndex:idx_payment_sale_method" json:"sale_id,omitempty"`
	Method       PaymentMethod       `gorm:"size:32;not null;uniqueIndex:idx_payment_order_method;uniqueIndex:idx_payment_sale_method" json:"method"`
	Amount       decimal.Decimal     `gorm:"type:numeric(14,2);not null" json:"amount"`
	Reference    string              `gorm:"size:64" json:"reference"`
	Status       PaymentRecordStatus `gorm:"size:16;not null;index" json:"status"`
	PaidAt       *time.Time          `json:"paid_at,omitempty"`
	ReconciledAt *time.Time          `json:"reconciled_at,omitempty"`
	ReconciledBy string              `gorm:"size:64" json:"reconciled_by,omitempty"`
	LedgerRef    *string             `gorm:"size:32;uniqueIndex" json:"ledger_ref,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

type SequenceCounter struct {
	Domain     string    `gorm:"primaryKey;size:32" json:"domain"`
	Year       int       `gorm:"primaryKey;autoIncrement:false" json:"year"`
	LastNumber int64     `gorm:"not null;default:0" json:"last_number"`
	UpdatedAt  time.Time `json:"updated_at"`
}

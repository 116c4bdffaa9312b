package models

type OrderStatus string

const (
	OrderReceived       OrderStatus = "received"
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderPayOnDelivery  OrderStatus = "pay_on_delivery"
	OrderPaid           OrderStatus = "paid"
	OrderProcessing     OrderStatus = "processing"
	OrderPackedReady    OrderStatus = "packed_ready"
	OrderShipped        OrderStatus = "shipped"
	OrderOutForDelivery OrderStatus = "out_for_delivery"
	OrderDelivered      OrderStatus = "delivered"
	OrderCompleted      OrderStatus = "completed"
	OrderCancelled      OrderStatus = "cancelled"
	OrderReturned       OrderStatus = "returned"
	OrderRefunded       OrderStatus = "refunded"
	OrderFailed         OrderStatus = "failed"
	OrderPaymentTimeout OrderStatus = "payment_timeout"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	MethodMpesa          PaymentMethod = "mpesa"
	MethodBankTransfer   PaymentMethod = "bank_transfer"
	MethodCash           PaymentMethod = "cash"
	MethodCashOnDelivery PaymentMethod = "cash_on_delivery"
	MethodCheque         PaymentMethod = "cheque"
	MethodCredit         PaymentMethod = "credit"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodMpesa, MethodBankTransfer, MethodCash, MethodCashOnDelivery, MethodCheque, MethodCredit:
		return true
	}
	return false
}

type SaleStatus string

const (
	SaleDraft          SaleStatus = "draft"
	SalePendingPayment SaleStatus = "pending_payment"
	SaleCompleted      SaleStatus = "completed"
	SalePaymentTimeout SaleStatus = "payment_timeout"
	SaleCancelled      SaleStatus = "cancelled"
	SaleRefunded       SaleStatus = "refunded"
)

type TransactionStatus string

const (
	TxnInitiated TransactionStatus = "initiated"
	TxnPending   TransactionStatus = "pending"
	TxnCompleted TransactionStatus = "completed"
	TxnFailed    TransactionStatus = "failed"
	TxnCancelled TransactionStatus = "cancelled"
	TxnTimeout   TransactionStatus = "timeout"
)

func (s TransactionStatus) Terminal() bool {
	switch s {
	case TxnCompleted, TxnFailed, TxnCancelled, TxnTimeout:
		return true
	}
	return false
}

type PaymentRecordStatus string

const (
	PaymentRecordCompleted  PaymentRecordStatus = "completed"
	PaymentRecordRefunded   PaymentRecordStatus = "refunded"
	PaymentRecordReconciled PaymentRecordStatus = "reconciled"
)

type MovementType string

const (
	MovementSale       MovementType = "sale"
	MovementReversal   MovementType = "reversal"
	MovementAdjustment MovementType = "adjustment"
)

type ReferenceType string

const (
	ReferenceOrder      ReferenceType = "order"
	ReferenceSale       ReferenceType = "sale"
	ReferenceAdjustment ReferenceType = "adjustment"
)

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

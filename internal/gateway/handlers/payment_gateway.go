package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/mpesa"
	"ogsolar-core/internal/services/payment"
)

const (
	ChannelEcommerce = "ecommerce"
	ChannelPOS       = "pos"

	maxCallbackBytes = 64 << 10
)

type PaymentHTTPHandler struct {
	payments *payment.Service
	log      logrus.FieldLogger
}

func NewPaymentHTTPHandler(payments *payment.Service, log logrus.FieldLogger) *PaymentHTTPHandler {
	return &PaymentHTTPHandler{payments: payments, log: log.WithField("handler", "payment")}
}

// PaymentStatus is what a polling checkout page sees of a transaction.
type PaymentStatus struct {
	CheckoutRequestID string                   `json:"checkout_request_id"`
	Reference         string                   `json:"reference"`
	Status            models.TransactionStatus `json:"status"`
	Amount            decimal.Decimal          `json:"amount"`
	Phone             string                   `json:"phone"`
	GatewayReceipt    string                   `json:"gateway_receipt,omitempty"`
	SettledAt         *time.Time               `json:"settled_at,omitempty"`
	Message           string                   `json:"message"`
}

func statusMessage(txn *models.MobileMoneyTransaction) string {
	switch txn.Status {
	case models.TxnInitiated, models.TxnPending:
		return "Waiting for you to confirm on your phone"
	case models.TxnCompleted:
		return "Payment completed"
	case models.TxnTimeout:
		return "Payment timed out"
	case models.TxnCancelled:
		return "Payment was cancelled"
	}
	if txn.ResultCode != nil {
		return mpesa.Classify(*txn.ResultCode).Message
	}
	return "Payment failed"
}

func (h *PaymentHTTPHandler) Status(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	txn, err := h.payments.Status(ctx, c.Param("checkout_id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	view := PaymentStatus{
		CheckoutRequestID: c.Param("checkout_id"),
		Reference:         txn.AccountReference,
		Status:            txn.Status,
		Amount:            txn.Amount,
		Phone:             mpesa.MaskPhone(txn.Phone),
		SettledAt:         txn.SettledAt,
		Message:           statusMessage(txn),
	}
	if txn.GatewayReceiptNumber != nil {
		view.GatewayReceipt = *txn.GatewayReceiptNumber
	}
	c.JSON(http.StatusOK, successResponse("Payment status retrieved", view))
}

// Callback receives gateway result deliveries for one channel. The gateway
// always gets its own response shape, never the API envelope.
func (h *PaymentHTTPHandler) Callback(channel string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBytes))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.WithField("channel", channel).Warnf("callback body over %d bytes", tooLarge.Limit)
			c.JSON(http.StatusRequestEntityTooLarge, mpesa.Rejected("payload too large"))
			return
		}
		if err != nil {
			h.log.WithError(err).WithField("channel", channel).Warn("failed to read callback body")
			c.JSON(http.StatusOK, mpesa.Rejected("unreadable body"))
			return
		}

		ctx, cancel := requestContext(c)
		defer cancel()

		resp, err := h.payments.HandleCallback(ctx, channel, body)
		if err != nil {
			_ = c.Error(err)
		}
		c.JSON(http.StatusOK, resp)
	}
}

package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/services/customer"
	"ogsolar-core/internal/services/order"
	"ogsolar-core/internal/services/payment"
	"ogsolar-core/internal/services/receipt"
	"ogsolar-core/internal/utils"
)

type OrderHTTPHandler struct {
	orders   *order.Service
	payments *payment.Service
	receipts *receipt.Builder
	log      logrus.FieldLogger
}

func NewOrderHTTPHandler(orders *order.Service, payments *payment.Service, receipts *receipt.Builder, log logrus.FieldLogger) *OrderHTTPHandler {
	return &OrderHTTPHandler{orders: orders, payments: payments, receipts: receipts, log: log.WithField("handler", "order")}
}

type CheckoutRequest struct {
	Customer             customer.Contact     `json:"customer"`
	BillingAddress       string               `json:"billing_address"`
	ShippingAddress      string               `json:"shipping_address"`
	PaymentMethod        models.PaymentMethod `json:"payment_method" binding:"required"`
	InstallationRequired bool                 `json:"installation_required"`
	DeliveryDate         *time.Time           `json:"delivery_date,omitempty"`
	Notes                string               `json:"notes"`
	CartFingerprint      string               `json:"cart_fingerprint"`
	// Phone starts the STK push straight after checkout for mpesa orders.
	Phone string `json:"phone"`
}

type PayRequest struct {
	Phone string `json:"phone" binding:"required"`
}

type TransitionOrderRequest struct {
	Status         models.OrderStatus `json:"status" binding:"required"`
	Notes          string             `json:"notes"`
	TrackingNumber string             `json:"tracking_number"`
	Carrier        string             `json:"carrier"`
	DeliveryDate   *time.Time         `json:"delivery_date,omitempty"`
}

type OfflinePaymentRequest struct {
	Method    models.PaymentMethod `json:"method" binding:"required"`
	Amount    decimal.Decimal      `json:"amount"`
	Reference string               `json:"reference"`
}

type RefundOrderRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" binding:"required"`
}

type ListOrdersQuery struct {
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
	Status   string `form:"status"`
}

// CheckoutResponse carries the order and, when a phone was given, the STK
// push that was started for it.
type CheckoutResponse struct {
	Order       *models.Order                  `json:"order"`
	Transaction *models.MobileMoneyTransaction `json:"transaction,omitempty"`
	PaymentHint string                         `json:"payment_hint,omitempty"`
}

func (h *OrderHTTPHandler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	owner := cartOwner(c, false)
	if owner == "" {
		respondError(c, h.log, apperr.ErrEmptyCart)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	o, err := h.orders.CreateFromCart(ctx, order.CreateInput{
		Owner:                owner,
		Customer:             req.Customer,
		BillingAddress:       req.BillingAddress,
		ShippingAddress:      req.ShippingAddress,
		PaymentMethod:        req.PaymentMethod,
		InstallationRequired: req.InstallationRequired,
		DeliveryDate:         req.DeliveryDate,
		Notes:                req.Notes,
		CartFingerprint:      req.CartFingerprint,
		Actor:                utils.GuestActor,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := CheckoutResponse{Order: o}
	if o.PaymentMethod == models.MethodMpesa && req.Phone != "" {
		// The order stands even when the push fails; the customer can retry
		// payment from the order page.
		txn, err := h.payments.InitiateOrder(ctx, o.OrderNumber, req.Phone, utils.GuestActor)
		if err != nil {
			resp.PaymentHint = apperr.UserMessage(err)
		} else {
			resp.Transaction = txn
		}
	}
	c.JSON(http.StatusCreated, successResponse("Order created successfully", resp))
}

// ownedOrder loads an order the guest placed with the current cart session.
func (h *OrderHTTPHandler) ownedOrder(c *gin.Context) (*models.Order, bool) {
	ctx, cancel := requestContext(c)
	defer cancel()

	number := c.Param("number")
	o, err := h.orders.Get(ctx, number)
	if err == nil && o.OwnerKey != cartOwner(c, false) {
		err = apperr.NotFound("order " + number)
	}
	if err != nil {
		respondError(c, h.log, err)
		return nil, false
	}
	return o, true
}

func (h *OrderHTTPHandler) GetOwnOrder(c *gin.Context) {
	o, ok := h.ownedOrder(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, successResponse("Order retrieved successfully", o))
}

func (h *OrderHTTPHandler) PayOrder(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	o, ok := h.ownedOrder(c)
	if !ok {
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	txn, err := h.payments.InitiateOrder(ctx, o.OrderNumber, req.Phone, utils.GuestActor)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, successResponse("Check your phone to complete the payment", txn))
}

func (h *OrderHTTPHandler) GetOrder(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	o, err := h.orders.Get(ctx, c.Param("number"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	txns, err := h.payments.ListForOrder(ctx, o.ID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Order retrieved successfully", gin.H{
		"order":        o,
		"transactions": txns,
	}))
}

func (h *OrderHTTPHandler) ListOrders(c *gin.Context) {
	var query ListOrdersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	orders, total, err := h.orders.List(ctx, order.ListFilter{
		Status:   models.OrderStatus(query.Status),
		Page:     query.Page,
		PageSize: query.PageSize,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successWithMetaResponse("Orders retrieved successfully", orders, PageMeta{
		Page:     query.Page,
		PageSize: query.PageSize,
		Total:    total,
	}))
}

func (h *OrderHTTPHandler) TransitionOrder(c *gin.Context) {
	var req TransitionOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	o, err := h.orders.Transition(ctx, c.Param("number"), order.TransitionRequest{
		To:             req.Status,
		Actor:          utils.Actor(c),
		Notes:          req.Notes,
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
		DeliveryDate:   req.DeliveryDate,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(fmt.Sprintf("Order moved to %s", o.Status), o))
}

func (h *OrderHTTPHandler) RecordOfflinePayment(c *gin.Context) {
	var req OfflinePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	o, err := h.orders.RecordOfflinePayment(ctx, c.Param("number"), order.OfflinePayment{
		Method:    req.Method,
		Amount:    req.Amount,
		Reference: req.Reference,
		Actor:     utils.Actor(c),
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Payment recorded", o))
}

func (h *OrderHTTPHandler) RefundOrder(c *gin.Context) {
	var req RefundOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	o, err := h.orders.Refund(ctx, c.Param("number"), req.Amount, req.Reason, utils.Actor(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Refund recorded", o))
}

func (h *OrderHTTPHandler) OrderReceipt(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	art, err := h.receipts.ForOrder(ctx, c.Param("number"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	sendArtifact(c, art)
}

func sendArtifact(c *gin.Context, art *receipt.Artifact) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Filename()))
	c.Data(http.StatusOK, art.ContentType, art.Data)
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/services/customer"
	"ogsolar-core/internal/services/payment"
	"ogsolar-core/internal/services/receipt"
	"ogsolar-core/internal/services/sale"
	"ogsolar-core/internal/utils"
)

type POSHTTPHandler struct {
	sales    *sale.Service
	payments *payment.Service
	receipts *receipt.Builder
	log      logrus.FieldLogger
}

func NewPOSHTTPHandler(sales *sale.Service, payments *payment.Service, receipts *receipt.Builder, log logrus.FieldLogger) *POSHTTPHandler {
	return &POSHTTPHandler{sales: sales, payments: payments, receipts: receipts, log: log.WithField("handler", "pos")}
}

// Request structs
type OpenSessionRequest struct {
	TerminalCode string          `json:"terminal_code" binding:"required"`
	OpeningFloat decimal.Decimal `json:"opening_float"`
}

type CreateSaleRequest struct {
	SessionID     int64                `json:"session_id" binding:"required"`
	Customer      customer.Contact     `json:"customer"`
	PaymentMethod models.PaymentMethod `json:"payment_method" binding:"required"`
	Items         []sale.ItemInput     `json:"items" binding:"required,min=1,dive"`
	Notes         string               `json:"notes"`
}

type CompleteSaleRequest struct {
	Method    models.PaymentMethod `json:"method" binding:"required"`
	Tendered  decimal.Decimal      `json:"tendered"`
	Reference string               `json:"reference"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

// --- Cashier sessions ---

func (h *POSHTTPHandler) OpenSession(c *gin.Context) {
	var req OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	session, err := h.sales.OpenSession(ctx, utils.Actor(c), req.TerminalCode, req.OpeningFloat)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse("Session opened", session))
}

func (h *POSHTTPHandler) CloseSession(c *gin.Context) {
	sessionID, ok := paramID(c, "id")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	session, err := h.sales.CloseSession(ctx, sessionID, utils.Actor(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Session closed", session))
}

func (h *POSHTTPHandler) SessionSales(c *gin.Context) {
	sessionID, ok := paramID(c, "id")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	sales, err := h.sales.ListBySession(ctx, sessionID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Sales retrieved successfully", sales))
}

// --- Sales ---

func (h *POSHTTPHandler) CreateSale(c *gin.Context) {
	var req CreateSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	s, err := h.sales.Create(ctx, sale.CreateInput{
		SessionID:     req.SessionID,
		CashierID:     utils.Actor(c),
		Customer:      req.Customer,
		PaymentMethod: req.PaymentMethod,
		Items:         req.Items,
		Notes:         req.Notes,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse("Sale created successfully", s))
}

func (h *POSHTTPHandler) GetSale(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	s, err := h.sales.Get(ctx, c.Param("number"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	history, err := h.sales.History(ctx, s.ID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Sale retrieved successfully", gin.H{
		"sale":    s,
		"history": history,
	}))
}

func (h *POSHTTPHandler) PaySale(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	txn, err := h.payments.InitiateSale(ctx, c.Param("number"), req.Phone, utils.Actor(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, successResponse("Payment prompt sent to customer", txn))
}

func (h *POSHTTPHandler) CompleteSale(c *gin.Context) {
	var req CompleteSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	s, err := h.sales.Complete(ctx, c.Param("number"), sale.Settlement{
		Method:    req.Method,
		Tendered:  req.Tendered,
		Reference: req.Reference,
		Actor:     utils.Actor(c),
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Sale completed", s))
}

func (h *POSHTTPHandler) CancelSale(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	s, err := h.sales.Cancel(ctx, c.Param("number"), utils.Actor(c), req.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Sale cancelled", s))
}

func (h *POSHTTPHandler) RefundSale(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	s, err := h.sales.Refund(ctx, c.Param("number"), utils.Actor(c), req.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Sale refunded", s))
}

func (h *POSHTTPHandler) SaleReceipt(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	art, err := h.receipts.ForSale(ctx, c.Param("number"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	sendArtifact(c, art)
}

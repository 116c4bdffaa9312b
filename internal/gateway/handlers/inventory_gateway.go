package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ogsolar-core/internal/services/inventory"
	"ogsolar-core/internal/utils"
)

type InventoryHTTPHandler struct {
	inventory *inventory.Service
	log       logrus.FieldLogger
}

func NewInventoryHTTPHandler(inv *inventory.Service, log logrus.FieldLogger) *InventoryHTTPHandler {
	return &InventoryHTTPHandler{inventory: inv, log: log.WithField("handler", "inventory")}
}

type AdjustStockRequest struct {
	Quantity int32  `json:"quantity" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

func (h *InventoryHTTPHandler) GetProduct(c *gin.Context) {
	productID, ok := paramID(c, "id")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	product, err := h.inventory.GetProduct(ctx, productID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Product retrieved successfully", product))
}

func (h *InventoryHTTPHandler) AdjustStock(c *gin.Context) {
	productID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req AdjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	number, err := h.inventory.Adjust(ctx, productID, req.Quantity, utils.Actor(c), req.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.inventory.InvalidateProductCaches(ctx, productID)
	c.JSON(http.StatusOK, successResponse("Stock adjusted", gin.H{"adjustment_number": number}))
}

func (h *InventoryHTTPHandler) LowStock(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	levels, err := h.inventory.ListLowStock(ctx)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Low stock products retrieved", levels))
}

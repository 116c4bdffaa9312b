package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ogsolar-core/internal/services/cart"
)

const (
	cartCookie       = "og_cart"
	cartHeader       = "X-Cart-Session"
	cartCookieMaxAge = 30 * 24 * 60 * 60
)

type CartHTTPHandler struct {
	carts *cart.Service
	log   logrus.FieldLogger
}

func NewCartHTTPHandler(carts *cart.Service, log logrus.FieldLogger) *CartHTTPHandler {
	return &CartHTTPHandler{carts: carts, log: log.WithField("handler", "cart")}
}

type AddCartItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int32 `json:"quantity" binding:"required,min=1"`
}

type UpdateCartItemRequest struct {
	Quantity int32 `json:"quantity" binding:"min=0"`
}

func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

// cartOwner identifies the guest cart from its cookie or header, issuing a
// new cookie when create is set.
func cartOwner(c *gin.Context, create bool) string {
	if v, err := c.Cookie(cartCookie); err == nil && v != "" {
		return v
	}
	if v := c.GetHeader(cartHeader); v != "" {
		return v
	}
	if !create {
		return ""
	}
	id := uuid.NewString()
	c.SetCookie(cartCookie, id, cartCookieMaxAge, "/", "", false, true)
	c.Header(cartHeader, id)
	return id
}

func (h *CartHTTPHandler) GetCart(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	view, err := h.carts.Get(ctx, cartOwner(c, true))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Cart retrieved successfully", view))
}

func (h *CartHTTPHandler) AddItem(c *gin.Context) {
	var req AddCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	view, err := h.carts.Add(ctx, cartOwner(c, true), req.ProductID, req.Quantity, true)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Item added to cart", view))
}

func (h *CartHTTPHandler) UpdateItem(c *gin.Context) {
	itemID, ok := paramID(c, "item_id")
	if !ok {
		return
	}
	var req UpdateCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	view, err := h.carts.Update(ctx, cartOwner(c, true), itemID, req.Quantity)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Cart updated", view))
}

func (h *CartHTTPHandler) RemoveItem(c *gin.Context) {
	itemID, ok := paramID(c, "item_id")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	view, err := h.carts.Remove(ctx, cartOwner(c, true), itemID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Item removed from cart", view))
}

func (h *CartHTTPHandler) ClearCart(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	view, err := h.carts.Clear(ctx, cartOwner(c, true))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Cart cleared", view))
}

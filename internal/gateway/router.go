// Package gateway assembles the HTTP surface: middleware, route groups and
// health endpoints over the Core services.
package gateway

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ogsolar-core/internal/gateway/handlers"
	"ogsolar-core/internal/gateway/middleware"
	"ogsolar-core/internal/metrics"
	"ogsolar-core/internal/services/cart"
	"ogsolar-core/internal/services/inventory"
	"ogsolar-core/internal/services/order"
	"ogsolar-core/internal/services/payment"
	"ogsolar-core/internal/services/receipt"
	"ogsolar-core/internal/services/reconcile"
	"ogsolar-core/internal/services/sale"
	"ogsolar-core/internal/utils"
)

type Services struct {
	Carts      *cart.Service
	Orders     *order.Service
	Sales      *sale.Service
	Payments   *payment.Service
	Inventory  *inventory.Service
	Receipts   *receipt.Builder
	Reconciler *reconcile.Service
}

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

type Options struct {
	Production       bool
	RateLimit        string
	CORSOrigins      []string
	TrustedProxies   []string
	CallbackIPs      []string
	EnforceAllowList bool
	Tokens           *utils.TokenIssuer
	// Dependencies are checked by /health/detailed, keyed by name.
	Dependencies map[string]Pinger
}

func NewRouter(svc Services, opts Options, log logrus.FieldLogger) (*gin.Engine, error) {
	rateLimit, err := middleware.RateLimit(opts.RateLimit)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	// Only listed proxies may set X-Forwarded-For; with none the peer address
	// is the client address.
	if err := r.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, err
	}
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))
	r.Use(gin.Recovery())
	r.Use(metrics.Middleware())
	r.Use(middleware.CORS(opts.Production, opts.CORSOrigins))

	cartHandler := handlers.NewCartHTTPHandler(svc.Carts, log)
	orderHandler := handlers.NewOrderHTTPHandler(svc.Orders, svc.Payments, svc.Receipts, log)
	posHandler := handlers.NewPOSHTTPHandler(svc.Sales, svc.Payments, svc.Receipts, log)
	paymentHandler := handlers.NewPaymentHTTPHandler(svc.Payments, log)
	inventoryHandler := handlers.NewInventoryHTTPHandler(svc.Inventory, log)
	reconcileHandler := handlers.NewReconcileHTTPHandler(svc.Reconciler, log)

	// --- Gateway callbacks ---
	allowList := middleware.CallbackAllowList(opts.CallbackIPs, opts.EnforceAllowList || opts.Production, log)
	r.POST("/api/v1/mpesa/callback", allowList, paymentHandler.Callback(handlers.ChannelEcommerce))
	r.POST("/api/v1/pos/mpesa/callback", allowList, paymentHandler.Callback(handlers.ChannelPOS))

	// --- Public API Group ---
	public := r.Group("/api/v1")
	public.Use(rateLimit)
	{
		public.GET("/products/:id", inventoryHandler.GetProduct)

		cartGroup := public.Group("/cart")
		{
			cartGroup.GET("", cartHandler.GetCart)
			cartGroup.POST("/items", cartHandler.AddItem)
			cartGroup.PUT("/items/:item_id", cartHandler.UpdateItem)
			cartGroup.DELETE("/items/:item_id", cartHandler.RemoveItem)
			cartGroup.DELETE("", cartHandler.ClearCart)
		}

		public.POST("/checkout", orderHandler.Checkout)
		public.GET("/orders/:number", orderHandler.GetOwnOrder)
		public.POST("/orders/:number/pay", orderHandler.PayOrder)
		public.GET("/payments/:checkout_id", paymentHandler.Status)
	}

	// --- Protected API Group ---
	protected := r.Group("/api/v1/admin")
	protected.Use(middleware.JWTAuth(opts.Tokens))
	{
		orders := protected.Group("/orders", middleware.RequireRole(utils.RoleStaff))
		{
			orders.GET("", orderHandler.ListOrders)
			orders.GET("/:number", orderHandler.GetOrder)
			orders.POST("/:number/transition", orderHandler.TransitionOrder)
			orders.POST("/:number/payments", orderHandler.RecordOfflinePayment)
			orders.POST("/:number/refund", orderHandler.RefundOrder)
			orders.GET("/:number/receipt", orderHandler.OrderReceipt)
		}

		inventoryGroup := protected.Group("/inventory", middleware.RequireRole(utils.RoleStaff))
		{
			inventoryGroup.GET("/low-stock", inventoryHandler.LowStock)
			inventoryGroup.POST("/products/:id/adjust", inventoryHandler.AdjustStock)
		}

		posGroup := protected.Group("/pos", middleware.RequireRole(utils.RoleCashier, utils.RoleStaff))
		{
			posGroup.POST("/sessions", posHandler.OpenSession)
			posGroup.POST("/sessions/:id/close", posHandler.CloseSession)
			posGroup.GET("/sessions/:id/sales", posHandler.SessionSales)
			posGroup.POST("/sales", posHandler.CreateSale)
			posGroup.GET("/sales/:number", posHandler.GetSale)
			posGroup.POST("/sales/:number/pay", posHandler.PaySale)
			posGroup.POST("/sales/:number/complete", posHandler.CompleteSale)
			posGroup.POST("/sales/:number/cancel", posHandler.CancelSale)
			posGroup.POST("/sales/:number/refund", posHandler.RefundSale)
			posGroup.GET("/sales/:number/receipt", posHandler.SaleReceipt)
		}

		reconcileGroup := protected.Group("/reconcile", middleware.RequireRole(utils.RoleAccounts))
		{
			reconcileGroup.GET("/transactions", reconcileHandler.ListCompleted)
			reconcileGroup.GET("/export", reconcileHandler.Export)
			reconcileGroup.POST("/payments/:id", reconcileHandler.MarkReconciled)
		}
	}

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/health", healthCheckHandler())
	r.GET("/health/detailed", detailedHealthCheckHandler(opts.Dependencies))

	return r, nil
}

func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"message":   "Server is running",
			"timestamp": time.Now().UTC(),
		})
	}
}

func detailedHealthCheckHandler(deps map[string]Pinger) gin.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		overallStatus := "healthy"
		httpStatus := http.StatusOK
		services := map[string]interface{}{}
		for _, name := range names {
			if err := deps[name](ctx); err != nil {
				overallStatus = "degraded"
				httpStatus = http.StatusServiceUnavailable
				services[name] = map[string]interface{}{
					"status":  "unavailable",
					"message": err.Error(),
				}
				continue
			}
			services[name] = map[string]interface{}{
				"status":  "healthy",
				"message": "Service is responding",
			}
		}

		c.JSON(httpStatus, gin.H{
			"overall_status": overallStatus,
			"services":       services,
			"timestamp":      time.Now().UTC(),
		})
	}
}

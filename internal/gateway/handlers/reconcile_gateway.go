package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/services/reconcile"
	"ogsolar-core/internal/utils"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type ReconcileHTTPHandler struct {
	reconciler *reconcile.Service
	log        logrus.FieldLogger
}

func NewReconcileHTTPHandler(reconciler *reconcile.Service, log logrus.FieldLogger) *ReconcileHTTPHandler {
	return &ReconcileHTTPHandler{reconciler: reconciler, log: log.WithField("handler", "reconcile")}
}

type ListCompletedQuery struct {
	From   string `form:"from"`
	To     string `form:"to"`
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit"`
}

type MarkReconciledRequest struct {
	// BankDate is the statement date, YYYY-MM-DD; empty means today.
	BankDate string `json:"bank_date"`
}

// parseDay reads a YYYY-MM-DD bound as midnight UTC.
func parseDay(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, apperr.Validation("%s must be a date like 2025-03-01", name)
	}
	return t, nil
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	f, err := parseDay("from", from)
	if err != nil {
		return f, f, err
	}
	t, err := parseDay("to", to)
	if err != nil {
		return f, t, err
	}
	if !t.IsZero() {
		// to is inclusive of the whole day
		t = t.AddDate(0, 0, 1)
	}
	return f, t, nil
}

func (h *ReconcileHTTPHandler) ListCompleted(c *gin.Context) {
	var query ListCompletedQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		bindError(c, err)
		return
	}
	from, to, err := parseRange(query.From, query.To)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	after, err := reconcile.ParseCursor(query.Cursor)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	page, err := h.reconciler.Completed(ctx, reconcile.Query{From: from, To: to, After: after, Limit: query.Limit})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successWithMetaResponse("Transactions retrieved successfully", page.Entries, gin.H{
		"next_cursor": page.Next,
	}))
}

func (h *ReconcileHTTPHandler) MarkReconciled(c *gin.Context) {
	paymentID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req MarkReconciledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	date, err := parseDay("bank_date", req.BankDate)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	p, err := h.reconciler.MarkReconciled(ctx, paymentID, date, utils.Actor(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, successResponse("Payment reconciled", p))
}

func (h *ReconcileHTTPHandler) Export(c *gin.Context) {
	from, to, err := parseRange(c.Query("from"), c.Query("to"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	var buf bytes.Buffer
	n, err := h.reconciler.Export(ctx, from, to, &buf)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	name := "mpesa-transactions.xlsx"
	if !from.IsZero() {
		name = fmt.Sprintf("mpesa-transactions-%s.xlsx", from.Format(time.DateOnly))
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("X-Row-Count", fmt.Sprint(n))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

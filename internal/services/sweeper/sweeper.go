// Package sweeper drains mobile money transactions that neither a callback nor
// a status query has resolved.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/metrics"
	"ogsolar-core/internal/runlock"
	"ogsolar-core/internal/services/payment"
)

const (
	DefaultTimeout           = 15 * time.Minute
	DefaultPOSTimeout        = 10 * time.Hour
	DefaultStatusQueryMaxAge = 48 * time.Hour

	lockTTL   = 10 * time.Minute
	batchSize = 200
	actor     = "sweeper"
)

type Config struct {
	// Timeout applies to transactions of web orders.
	Timeout time.Duration
	// POSTimeout applies to transactions of till sales, where the cashier
	// usually resolves a stuck prompt by hand first.
	POSTimeout        time.Duration
	StatusQueryMaxAge time.Duration
}

type Sweeper struct {
	db       *gorm.DB
	payments *payment.Service
	locks    *runlock.Locker
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time
}

func New(db *gorm.DB, payments *payment.Service, locks *runlock.Locker, cfg Config, log logrus.FieldLogger, now func() time.Time) *Sweeper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.POSTimeout <= 0 {
		cfg.POSTimeout = DefaultPOSTimeout
	}
	if cfg.StatusQueryMaxAge <= 0 {
		cfg.StatusQueryMaxAge = DefaultStatusQueryMaxAge
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		db:       db,
		payments: payments,
		locks:    locks,
		cfg:      cfg,
		log:      log.WithField("module", "sweeper"),
		now:      now,
	}
}

// Action is one transaction the sweeper acted on, or would act on in a dry run.
type Action struct {
	TransactionID     int64
	AccountReference  string
	CheckoutRequestID string
	From              models.TransactionStatus
	To                models.TransactionStatus
	Age               time.Duration
	Err               error
}

func (a Action) String() string {
	line := fmt.Sprintf("txn %d %s: %s -> %s after %s", a.TransactionID, a.AccountReference, a.From, a.To, a.Age.Truncate(time.Second))
	if a.Err != nil {
		line += " (error: " + a.Err.Error() + ")"
	}
	return line
}

type Report struct {
	Scanned int
	Changed int
	Errors  int
	DryRun  bool
	Actions []Action
}

type Options struct {
	// Timeout overrides the web order threshold when set.
	Timeout time.Duration
	DryRun  bool
}

func (s *Sweeper) openTransactions(ctx context.Context, where string, args ...any) ([]models.MobileMoneyTransaction, error) {
	var txns []models.MobileMoneyTransaction
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.TransactionStatus{models.TxnInitiated, models.TxnPending}).
		Where(where, args...).
		Order("created_at ASC, id ASC").
		Limit(batchSize).
		Find(&txns).Error
	return txns, err
}

// SweepTimeouts moves every open transaction older than its threshold to
// timeout and cascades to the order or sale.
func (s *Sweeper) SweepTimeouts(ctx context.Context, opts Options) (*Report, error) {
	timeout := s.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	report := &Report{DryRun: opts.DryRun}

	err := s.locks.Run(ctx, "sweeper:timeouts", lockTTL, func(ctx context.Context) error {
		now := s.now()
		groups := []struct {
			where  string
			cutoff time.Time
			limit  time.Duration
		}{
			{"order_id IS NOT NULL AND created_at < ?", now.Add(-timeout), timeout},
			{"sale_id IS NOT NULL AND created_at < ?", now.Add(-s.cfg.POSTimeout), s.cfg.POSTimeout},
		}
		for _, g := range groups {
			txns, err := s.openTransactions(ctx, g.where, g.cutoff)
			if err != nil {
				return err
			}
			for i := range txns {
				s.timeoutOne(ctx, &txns[i], g.limit, now, opts.DryRun, report)
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	s.log.WithFields(logrus.Fields{
		"scanned": report.Scanned,
		"changed": report.Changed,
		"errors":  report.Errors,
		"dry_run": report.DryRun,
	}).Info("timeout sweep finished")
	return report, nil
}

func (s *Sweeper) timeoutOne(ctx context.Context, txn *models.MobileMoneyTransaction, limit time.Duration, now time.Time, dryRun bool, report *Report) {
	report.Scanned++
	action := Action{
		TransactionID:    txn.ID,
		AccountReference: txn.AccountReference,
		From:             txn.Status,
		To:               models.TxnTimeout,
		Age:              now.Sub(txn.CreatedAt),
	}
	if txn.CheckoutRequestID != nil {
		action.CheckoutRequestID = *txn.CheckoutRequestID
	}
	if dryRun {
		report.Actions = append(report.Actions, action)
		return
	}

	out, err := s.payments.MarkTimeout(ctx, txn.ID, limit, actor)
	switch {
	case err != nil:
		action.Err = err
		report.Errors++
		metrics.SweptTransactionsTotal.WithLabelValues("timeout", "error").Inc()
		s.log.WithError(err).WithField("transaction_id", txn.ID).Error("failed to time out transaction")
	case out.Applied:
		report.Changed++
		metrics.SweptTransactionsTotal.WithLabelValues("timeout", "timeout").Inc()
	default:
		// Settled by a callback between the scan and the lock.
		action.To = out.Transaction.Status
	}
	report.Actions = append(report.Actions, action)
}

// QueryPending asks the gateway about recent pending transactions and
// applies any final answer.
func (s *Sweeper) QueryPending(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun}

	err := s.locks.Run(ctx, "sweeper:query", lockTTL, func(ctx context.Context) error {
		now := s.now()
		txns, err := s.openTransactions(ctx, "status = ? AND checkout_request_id IS NOT NULL AND created_at >= ?",
			models.TxnPending, now.Add(-s.cfg.StatusQueryMaxAge))
		if err != nil {
			return err
		}
		for i := range txns {
			txn := &txns[i]
			report.Scanned++
			action := Action{
				TransactionID:     txn.ID,
				AccountReference:  txn.AccountReference,
				CheckoutRequestID: *txn.CheckoutRequestID,
				From:              txn.Status,
				To:                txn.Status,
				Age:               now.Sub(txn.CreatedAt),
			}

			res, err := s.payments.Gateway().QueryStatus(ctx, *txn.CheckoutRequestID)
			if err != nil {
				action.Err = err
				report.Errors++
				report.Actions = append(report.Actions, action)
				metrics.SweptTransactionsTotal.WithLabelValues("query", "error").Inc()
				if errors.Is(err, apperr.ErrGatewayUnavailable) {
					s.log.WithError(err).Warn("gateway unavailable, stopping status queries")
					return nil
				}
				continue
			}
			if res.Pending {
				metrics.SweptTransactionsTotal.WithLabelValues("query", "pending").Inc()
				report.Actions = append(report.Actions, action)
				continue
			}

			if res.Result.Success() {
				action.To = models.TxnCompleted
			} else {
				action.To = models.TxnFailed
			}
			if dryRun {
				report.Actions = append(report.Actions, action)
				continue
			}
			out, err := s.payments.ApplyQuery(ctx, txn, res, actor)
			if err != nil {
				action.Err = err
				report.Errors++
				metrics.SweptTransactionsTotal.WithLabelValues("query", "error").Inc()
			} else if out.Applied {
				report.Changed++
				metrics.SweptTransactionsTotal.WithLabelValues("query", string(action.To)).Inc()
			}
			report.Actions = append(report.Actions, action)
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	s.log.WithFields(logrus.Fields{
		"scanned": report.Scanned,
		"changed": report.Changed,
		"errors":  report.Errors,
	}).Info("status query sweep finished")
	return report, nil
}

// Run sweeps on a fixed interval until ctx ends. A run held by another
// replica is skipped.
func (s *Sweeper) Run(ctx context.Context, every time.Duration, withQuery bool) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if withQuery {
			if _, err := s.QueryPending(ctx, false); err != nil && !errors.Is(err, runlock.ErrHeld) {
				s.log.WithError(err).Error("status query sweep failed")
			}
		}
		if _, err := s.SweepTimeouts(ctx, Options{}); err != nil && !errors.Is(err, runlock.ErrHeld) {
			s.log.WithError(err).Error("timeout sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package payment

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/metrics"
	"ogsolar-core/internal/mpesa"
)

const callbackActor = "mpesa-callback"

// HandleCallback applies one gateway callback delivery. The response tells the
// gateway whether to stop redelivering: unknown checkout ids are acknowledged,
// parse or storage failures are not.
func (s *Service) HandleCallback(ctx context.Context, channel string, body []byte) (mpesa.Response, error) {
	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues(channel, "parse_error").Inc()
		s.log.WithError(err).WithField("channel", channel).Warn("rejected malformed callback")
		return mpesa.Rejected("invalid callback payload"), err
	}

	log := s.log.WithFields(logrus.Fields{
		"channel":             channel,
		"checkout_request_id": cb.CheckoutRequestID,
		"result_code":         cb.ResultCode,
	})

	txn, err := s.FindByCheckoutID(ctx, cb.CheckoutRequestID)
	if errors.Is(err, apperr.ErrNotFound) {
		metrics.CallbacksTotal.WithLabelValues(channel, "unmatched").Inc()
		log.Warn("callback for unknown checkout request")
		return mpesa.Accepted(), nil
	}
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues(channel, "error").Inc()
		log.WithError(err).Error("callback lookup failed")
		return mpesa.Rejected("temporary failure"), err
	}
	log = log.WithField("transaction_id", txn.ID)

	var out *Outcome
	if cb.Result.Success() {
		out, err = s.MarkCompleted(ctx, txn.ID, Completion{
			ReceiptNumber: cb.ReceiptNumber,
			SettledAt:     cb.TransactionDate,
			Amount:        cb.Amount,
			RawCallback:   string(body),
		}, callbackActor)
	} else {
		out, err = s.MarkFailed(ctx, txn.ID, cb.Result, string(body), callbackActor)
	}
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues(channel, "error").Inc()
		log.WithError(err).Error("failed to apply callback")
		return mpesa.Rejected("temporary failure"), err
	}

	result := cb.Result.Outcome.String()
	if !out.Applied {
		result = "duplicate"
	}
	metrics.CallbacksTotal.WithLabelValues(channel, result).Inc()
	log.WithField("outcome", result).Info("callback applied")
	return mpesa.Accepted(), nil
}

package mpesa

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ogsolar-core/internal/apperr"
)

func TestNormalizePhone(t *testing.T) {
	for _, in := range []string{"0712345678", "+254712345678", "254712345678", " 0712345678 "} {
		got, err := NormalizePhone(in)
		require.NoError(t, err, in)
		assert.Equal(t, "254712345678", got, in)
	}

	for _, in := range []string{"0712-345-678", "712345678", "07123456789", "255712345678", "", "abc"} {
		_, err := NormalizePhone(in)
		assert.ErrorIs(t, err, apperr.ErrInvalidPhone, in)
	}
}

func TestValidateAmount(t *testing.T) {
	accepted := map[string]int64{"1": 1, "150000": 150000, "56000.00": 56000, "99.20": 100}
	for in, want := range accepted {
		got, err := ValidateAmount(decimal.RequireFromString(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"0", "0.5", "150000.01", "-10"} {
		_, err := ValidateAmount(decimal.RequireFromString(in))
		assert.ErrorIs(t, err, apperr.ErrInvalidAmount, in)
	}
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "*********678", MaskPhone("254712345678"))
	assert.Equal(t, "***", MaskPhone("12"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code    int
		outcome Outcome
		message string
	}{
		{0, OutcomeCompleted, "Payment completed"},
		{1, OutcomeCancelled, "Payment was cancelled: insufficient funds"},
		{17, OutcomeCancelled, "Payment was cancelled"},
		{26, OutcomeCancelled, "Payment was cancelled"},
		{2, OutcomeDeclined, "Payment declined: wrong PIN"},
		{4, OutcomeDeclined, "Payment declined: wrong expiry date"},
		{1032, OutcomeTimedOut, "Payment timed out"},
		{2001, OutcomeFailed, "Payment failed: insufficient balance"},
		{9999, OutcomeFailed, "Payment failed"},
	}
	for _, tt := range tests {
		r := Classify(tt.code)
		assert.Equal(t, tt.outcome, r.Outcome, "code %d", tt.code)
		assert.Equal(t, tt.message, r.Message, "code %d", tt.code)
	}
	assert.True(t, Classify(17).UserCancelled())
	assert.False(t, Classify(1032).UserCancelled())
	assert.Equal(t, OutcomeFailed, ClassifyString("x").Outcome)
}

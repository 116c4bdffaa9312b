package apperr

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserMessageAndStatus(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
		status  int
	}{
		{"stock", fmt.Errorf("add: %w", &InsufficientStockError{ProductID: 1, Available: 0}), "Out of stock", http.StatusConflict},
		{"declined", &GatewayDeclinedError{Code: "2001", Message: "Insufficient balance"}, "Insufficient balance", http.StatusPaymentRequired},
		{"amount", fmt.Errorf("initiate: %w", ErrInvalidAmount), "Amount must be between KES 1 and KES 150,000", http.StatusBadRequest},
		{"illegal", &IllegalTransitionError{Entity: "order", From: "paid", To: "received"}, "This action is not allowed in the current status", http.StatusConflict},
		{"guard", &GuardError{Entity: "order", To: "shipped", Reason: "tracking number is required"}, "tracking number is required", http.StatusConflict},
		{"not found", NotFound("order OG-ORD-2025-0009"), "Not found", http.StatusNotFound},
		{"gateway", fmt.Errorf("stk push: %w", ErrGatewayUnavailable), "Payment service is unavailable, please try again", http.StatusBadGateway},
		{"unknown", fmt.Errorf("boom"), "Something went wrong", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.message, UserMessage(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestValidationWrapsSentinel(t *testing.T) {
	err := Validation("quantity must be positive, got %d", -1)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "validation failed: quantity must be positive, got -1", UserMessage(err))
}

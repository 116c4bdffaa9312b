package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrDuplicateReceipt   = errors.New("duplicate receipt number")
	ErrCallbackParse      = errors.New("malformed callback envelope")
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrCartChanged        = errors.New("cart changed since it was displayed")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrNoActiveSession    = errors.New("no active cashier session")
	ErrUnauthorized       = errors.New("unauthorized")
)

type InsufficientStockError struct {
	ProductID int64
	SKU       string
	Available int32
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (%s): %d available", e.ProductID, e.SKU, e.Available)
}

type IllegalTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s", e.Entity, e.From, e.To)
}

// GuardError is a legal transition whose precondition is not met, such as
// shipping without a tracking number.
type GuardError struct {
	Entity string
	To     string
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s cannot move to %s: %s", e.Entity, e.To, e.Reason)
}

// GatewayDeclinedError carries the gateway's response code and the message
// already translated for the customer.
type GatewayDeclinedError struct {
	Code    string
	Message string
}

func (e *GatewayDeclinedError) Error() string {
	return fmt.Sprintf("gateway declined (%s): %s", e.Code, e.Message)
}

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNotFound)
}

// UserMessage returns the short text shown to a customer or cashier. Raw
// gateway payloads never pass through here.
func UserMessage(err error) string {
	var (
		stock    *InsufficientStockError
		declined *GatewayDeclinedError
		illegal  *IllegalTransitionError
		guard    *GuardError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &stock):
		return "Out of stock"
	case errors.As(err, &declined):
		return declined.Message
	case errors.As(err, &illegal):
		return "This action is not allowed in the current status"
	case errors.As(err, &guard):
		return guard.Reason
	case errors.Is(err, ErrInvalidAmount):
		return "Amount must be between KES 1 and KES 150,000"
	case errors.Is(err, ErrInvalidPhone):
		return "Enter a valid Safaricom number, e.g. 0712345678"
	case errors.Is(err, ErrGatewayUnavailable):
		return "Payment service is unavailable, please try again"
	case errors.Is(err, ErrCartChanged):
		return "Your cart changed, please review it and try again"
	case errors.Is(err, ErrEmptyCart):
		return "Your cart is empty"
	case errors.Is(err, ErrNoActiveSession):
		return "Open a cashier session first"
	case errors.Is(err, ErrNotFound):
		return "Not found"
	case errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	}
	return "Something went wrong"
}

func HTTPStatus(err error) int {
	var (
		stock    *InsufficientStockError
		declined *GatewayDeclinedError
		illegal  *IllegalTransitionError
		guard    *GuardError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &stock), errors.As(err, &illegal), errors.As(err, &guard),
		errors.Is(err, ErrCartChanged):
		return http.StatusConflict
	case errors.As(err, &declined):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidPhone),
		errors.Is(err, ErrValidation), errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrNoActiveSession):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrGatewayUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

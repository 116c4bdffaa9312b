package mpesa

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"

	"ogsolar-core/internal/apperr"
)

var localPhone = regexp.MustCompile(`^(?:\+?254|0)([17]\d{8})$`)

var (
	minAmount = decimal.NewFromInt(1)
	maxAmount = decimal.NewFromInt(150000)
)

// NormalizePhone turns 07XXXXXXXX, +2547XXXXXXXX and 2547XXXXXXXX into the
// 12 digit 254 form the gateway expects. Separators are rejected.
func NormalizePhone(raw string) (string, error) {
	m := localPhone.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", apperr.ErrInvalidPhone
	}
	normalized := "254" + m[1]

	num, err := libphonenumber.Parse("+"+normalized, "KE")
	if err != nil || !libphonenumber.IsValidNumberForRegion(num, "KE") {
		return "", apperr.ErrInvalidPhone
	}
	return normalized, nil
}

// MaskPhone keeps the last three digits for log lines.
func MaskPhone(phone string) string {
	if len(phone) <= 3 {
		return "***"
	}
	return strings.Repeat("*", len(phone)-3) + phone[len(phone)-3:]
}

// ValidateAmount accepts 1 to 150,000 and returns the whole-shilling amount
// sent to the gateway.
func ValidateAmount(amount decimal.Decimal) (int64, error) {
	if amount.LessThan(minAmount) || amount.GreaterThan(maxAmount) {
		return 0, fmt.Errorf("%w: %s outside 1-150000", apperr.ErrInvalidAmount, amount)
	}
	return amount.Ceil().IntPart(), nil
}

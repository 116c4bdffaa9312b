package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ogsolar-core/internal/apperr"
)

var vat16 = decimal.NewFromInt(16)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertIdentity(t *testing.T, tot Totals) {
	t.Helper()
	lhs := tot.SubtotalExVAT.Sub(tot.DiscountAmount).Add(tot.TaxAmount).Add(tot.ShippingCost)
	assert.True(t, lhs.Equal(tot.GrandTotal), "identity broken: %s != %s", lhs, tot.GrandTotal)
	for _, v := range []decimal.Decimal{tot.SubtotalExVAT, tot.DiscountAmount, tot.TaxAmount, tot.GrandTotal} {
		assert.False(t, v.IsNegative())
	}
}

func TestComputeTotals(t *testing.T) {
	panel := Line{UnitPrice: d("28000"), Quantity: 2}

	tests := []struct {
		name     string
		in       TotalsInput
		exVAT    string
		discount string
		tax      string
		fee      string
		grand    string
	}{
		{
			name:  "two panels",
			in:    TotalsInput{Lines: []Line{panel}, VATRate: vat16},
			exVAT: "48275.86", discount: "0", tax: "7724.14", fee: "0", grand: "56000",
		},
		{
			name:  "order discount",
			in:    TotalsInput{Lines: []Line{panel}, VATRate: vat16, DiscountPct: d("10")},
			exVAT: "48275.86", discount: "4827.58", tax: "6951.72", fee: "0", grand: "50400",
		},
		{
			name:  "installation",
			in:    TotalsInput{Lines: []Line{panel}, VATRate: vat16, Installation: true},
			exVAT: "53103.45", discount: "0", tax: "8496.55", fee: "5600", grand: "61600",
		},
		{
			name:  "installation capped",
			in:    TotalsInput{Lines: []Line{{UnitPrice: d("300000"), Quantity: 1}}, VATRate: vat16, Installation: true},
			exVAT: "283620.69", discount: "0", tax: "45379.31", fee: "29000", grand: "329000",
		},
		{
			name:  "shipping",
			in:    TotalsInput{Lines: []Line{panel}, VATRate: vat16, Shipping: d("1500")},
			exVAT: "48275.86", discount: "0", tax: "7724.14", fee: "0", grand: "57500",
		},
		{
			name:  "zero rate",
			in:    TotalsInput{Lines: []Line{panel}, VATRate: decimal.Zero},
			exVAT: "56000", discount: "0", tax: "0", fee: "0", grand: "56000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tot, err := ComputeTotals(tt.in)
			require.NoError(t, err)
			assert.Equal(t, d(tt.exVAT).String(), tot.SubtotalExVAT.String())
			assert.Equal(t, d(tt.discount).String(), tot.DiscountAmount.String())
			assert.Equal(t, d(tt.tax).String(), tot.TaxAmount.String())
			assert.Equal(t, d(tt.fee).String(), tot.InstallationFee.String())
			assert.Equal(t, d(tt.grand).String(), tot.GrandTotal.String())
			assertIdentity(t, tot)
		})
	}
}

func TestComputeTotalsMixedRates(t *testing.T) {
	exempt := decimal.Zero
	tot, err := ComputeTotals(TotalsInput{
		Lines: []Line{
			{UnitPrice: d("28000"), Quantity: 1},
			{UnitPrice: d("999.99"), Quantity: 3, DiscountPct: d("12.5"), VATRate: &exempt},
		},
		VATRate:     vat16,
		DiscountPct: d("3"),
	})
	require.NoError(t, err)
	assertIdentity(t, tot)
}

func TestComputeLine(t *testing.T) {
	amounts, err := ComputeLine(Line{UnitPrice: d("1000"), Quantity: 3, DiscountPct: d("5")}, vat16)
	require.NoError(t, err)
	assert.Equal(t, "3000", amounts.Gross.String())
	assert.Equal(t, "150", amounts.DiscountAmount.String())
	assert.Equal(t, "2850", amounts.LineTotal.String())
	assert.Equal(t, "393.1", amounts.TaxAmount.String())

	_, err = ComputeLine(Line{UnitPrice: d("10"), Quantity: 0}, vat16)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = ComputeLine(Line{UnitPrice: d("10"), Quantity: 1, DiscountPct: d("101")}, vat16)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRateGuards(t *testing.T) {
	_, err := ExVAT(d("100"), d("-100"))
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)

	_, err = ComputeTotals(TotalsInput{VATRate: d("-100")})
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)
}

func TestParse(t *testing.T) {
	v, err := Parse(" 150000 ")
	require.NoError(t, err)
	assert.Equal(t, "150000", v.String())

	_, err = Parse("12abc")
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)
}

func TestVATAndRounding(t *testing.T) {
	v, err := VAT(d("56000"), vat16)
	require.NoError(t, err)
	assert.Equal(t, "7724.14", v.String())

	assert.Equal(t, "0.12", Round(d("0.125")).String())
	assert.Equal(t, "0.14", Round(d("0.135")).String())
}

func TestLoyaltyPoints(t *testing.T) {
	assert.Equal(t, int64(560), LoyaltyPoints(d("56000")))
	assert.Equal(t, int64(0), LoyaltyPoints(d("99.99")))
	assert.Equal(t, int64(0), LoyaltyPoints(d("-5")))
}

func TestFormat(t *testing.T) {
	cases := map[string]string{
		"0":          "0.00",
		"1":          "1.00",
		"999.5":      "999.50",
		"1000":       "1,000.00",
		"56000":      "56,000.00",
		"48275.8621": "48,275.86",
		"1234567.89": "1,234,567.89",
		"-2500":      "-2,500.00",
	}
	for in, want := range cases {
		assert.Equal(t, want, Format(d(in)), in)
	}
}

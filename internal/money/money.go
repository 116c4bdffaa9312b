// Package money holds the VAT-inclusive arithmetic shared by carts, orders,
// POS sales and receipts. Prices are quoted VAT-inclusive; the ex-VAT part is
// always recovered backwards from the inclusive amount.
package money

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"ogsolar-core/internal/apperr"
)

const (
	Places             = 2
	IntermediatePlaces = 6
)

var (
	hundred            = decimal.NewFromInt(100)
	installationRate   = decimal.NewFromInt(10)
	installationCap    = decimal.NewFromInt(25000)
	loyaltyPointAmount = decimal.NewFromInt(100)
)

// Round applies banker's rounding to two places. Every externally visible
// amount goes through it.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Places)
}

func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", apperr.ErrInvalidAmount, s)
	}
	return d, nil
}

func checkRate(rate decimal.Decimal) error {
	if rate.IsNegative() {
		return fmt.Errorf("%w: vat rate %s", apperr.ErrInvalidAmount, rate)
	}
	return nil
}

// ExVAT returns amount / (1 + rate/100) at intermediate precision.
func ExVAT(amount, rate decimal.Decimal) (decimal.Decimal, error) {
	if err := checkRate(rate); err != nil {
		return decimal.Zero, err
	}
	divisor := decimal.NewFromInt(1).Add(rate.Div(hundred))
	return amount.DivRound(divisor, IntermediatePlaces), nil
}

// VAT returns the rounded VAT portion of a VAT-inclusive amount.
func VAT(amount, rate decimal.Decimal) (decimal.Decimal, error) {
	ex, err := ExVAT(amount, rate)
	if err != nil {
		return decimal.Zero, err
	}
	return Round(amount).Sub(Round(ex)), nil
}

type Line struct {
	UnitPrice   decimal.Decimal
	Quantity    int32
	DiscountPct decimal.Decimal
	// VATRate overrides the default rate when set.
	VATRate *decimal.Decimal
}

type LineAmounts struct {
	Gross          decimal.Decimal
	DiscountAmount decimal.Decimal
	LineTotal      decimal.Decimal
	TaxAmount      decimal.Decimal
	Rate           decimal.Decimal
}

func validatePct(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return apperr.Validation("discount must be between 0 and 100 percent, got %s", pct)
	}
	return nil
}

// ComputeLine returns the rounded amounts for one item:
// line_total = unit_price * quantity - unit_price * quantity * discount_pct / 100.
func ComputeLine(l Line, defaultRate decimal.Decimal) (LineAmounts, error) {
	if l.Quantity < 1 {
		return LineAmounts{}, apperr.Validation("quantity must be at least 1, got %d", l.Quantity)
	}
	if l.UnitPrice.IsNegative() {
		return LineAmounts{}, fmt.Errorf("%w: unit price %s", apperr.ErrInvalidAmount, l.UnitPrice)
	}
	if err := validatePct(l.DiscountPct); err != nil {
		return LineAmounts{}, err
	}
	rate := defaultRate
	if l.VATRate != nil {
		rate = *l.VATRate
	}

	gross := l.UnitPrice.Mul(decimal.NewFromInt32(l.Quantity))
	discount := gross.Mul(l.DiscountPct).DivRound(hundred, IntermediatePlaces)
	net := gross.Sub(discount)
	ex, err := ExVAT(net, rate)
	if err != nil {
		return LineAmounts{}, err
	}

	return LineAmounts{
		Gross:          Round(gross),
		DiscountAmount: Round(discount),
		LineTotal:      Round(net),
		TaxAmount:      Round(net).Sub(Round(ex)),
		Rate:           rate,
	}, nil
}

type TotalsInput struct {
	Lines        []Line
	VATRate      decimal.Decimal
	DiscountPct  decimal.Decimal
	Shipping     decimal.Decimal
	Installation bool
}

type Totals struct {
	// Subtotal is the VAT-inclusive sum of line totals after line discounts.
	Subtotal        decimal.Decimal
	SubtotalExVAT   decimal.Decimal
	DiscountAmount  decimal.Decimal
	TaxAmount       decimal.Decimal
	ShippingCost    decimal.Decimal
	InstallationFee decimal.Decimal
	GrandTotal      decimal.Decimal
	// Savings is the VAT-inclusive amount taken off by all discounts.
	Savings decimal.Decimal
}

type rateBucket struct {
	gross decimal.Decimal
	net   decimal.Decimal
}

// ComputeTotals derives the order-level decomposition. The ex-VAT figures are
// taken from the summed inclusive amounts per VAT rate, never from summed
// ex-VAT lines, so that
// subtotal_ex_vat - discount_amount + tax_amount + shipping_cost == grand_total
// holds exactly.
func ComputeTotals(in TotalsInput) (Totals, error) {
	if err := checkRate(in.VATRate); err != nil {
		return Totals{}, err
	}
	if err := validatePct(in.DiscountPct); err != nil {
		return Totals{}, err
	}
	if in.Shipping.IsNegative() {
		return Totals{}, fmt.Errorf("%w: shipping %s", apperr.ErrInvalidAmount, in.Shipping)
	}

	buckets := map[string]*rateBucket{}
	rates := map[string]decimal.Decimal{}
	subtotal := decimal.Zero
	orderFactor := decimal.NewFromInt(1).Sub(in.DiscountPct.Div(hundred))

	for _, l := range in.Lines {
		amounts, err := ComputeLine(l, in.VATRate)
		if err != nil {
			return Totals{}, err
		}
		key := amounts.Rate.String()
		b, ok := buckets[key]
		if !ok {
			b = &rateBucket{gross: decimal.Zero, net: decimal.Zero}
			buckets[key] = b
			rates[key] = amounts.Rate
		}
		gross := l.UnitPrice.Mul(decimal.NewFromInt32(l.Quantity))
		lineNet := gross.Sub(gross.Mul(l.DiscountPct).Div(hundred))
		b.gross = b.gross.Add(gross)
		b.net = b.net.Add(lineNet.Mul(orderFactor))
		subtotal = subtotal.Add(lineNet)
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var exGross, exNet, netIncl, grossIncl decimal.Decimal
	for _, k := range keys {
		b := buckets[k]
		eg, err := ExVAT(b.gross, rates[k])
		if err != nil {
			return Totals{}, err
		}
		en, err := ExVAT(b.net, rates[k])
		if err != nil {
			return Totals{}, err
		}
		exGross = exGross.Add(Round(eg))
		exNet = exNet.Add(Round(en))
		netIncl = netIncl.Add(Round(b.net))
		grossIncl = grossIncl.Add(Round(b.gross))
	}

	t := Totals{
		Subtotal:        Round(subtotal),
		SubtotalExVAT:   exGross,
		DiscountAmount:  exGross.Sub(exNet),
		TaxAmount:       netIncl.Sub(exNet),
		ShippingCost:    Round(in.Shipping),
		InstallationFee: decimal.Zero,
		Savings:         grossIncl.Sub(netIncl),
	}
	t.GrandTotal = netIncl.Add(t.ShippingCost)

	if in.Installation {
		feeEx := Round(decimal.Min(exGross.Mul(installationRate).Div(hundred), installationCap))
		feeVAT := Round(feeEx.Mul(in.VATRate).Div(hundred))
		t.InstallationFee = feeEx.Add(feeVAT)
		t.SubtotalExVAT = t.SubtotalExVAT.Add(feeEx)
		t.TaxAmount = t.TaxAmount.Add(feeVAT)
		t.GrandTotal = t.GrandTotal.Add(t.InstallationFee)
	}

	return t, nil
}

// LoyaltyPoints awards one point per full KES 100.
func LoyaltyPoints(amount decimal.Decimal) int64 {
	if !amount.IsPositive() {
		return 0
	}
	return amount.Div(loyaltyPointAmount).Floor().IntPart()
}

// Format renders a rounded amount with thousands separators, e.g. 56,000.00.
func Format(d decimal.Decimal) string {
	s := Round(d).StringFixedBank(Places)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + b.String() + "." + frac
}

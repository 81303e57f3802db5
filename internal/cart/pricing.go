package cart

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Coupon is a discount the shopper selected for the cart.
type Coupon struct {
	Code              string              `json:"code"`
	Description       string              `json:"description,omitempty"`
	IsPercentage      bool                `json:"isPercentage"`
	DiscountValue     decimal.Decimal     `json:"discountValue"`
	MaxDiscount       decimal.NullDecimal `json:"maxDiscount"`
	MinPurchaseAmount decimal.Decimal     `json:"minPurchaseAmount"`
}

// Eligible reports whether the subtotal meets the coupon's minimum purchase amount.
func (c Coupon) Eligible(subtotal decimal.Decimal) bool {
	return subtotal.GreaterThanOrEqual(c.MinPurchaseAmount)
}

// Discount computes the coupon discount for the provided subtotal. Percentage
// coupons take discountValue percent of the subtotal; fixed coupons take the
// flat value. Both are capped by MaxDiscount when set.
func (c Coupon) Discount(subtotal decimal.Decimal) decimal.Decimal {
	discount := c.DiscountValue
	if c.IsPercentage {
		discount = subtotal.Mul(c.DiscountValue).Div(hundred)
	}
	if c.MaxDiscount.Valid && discount.GreaterThan(c.MaxDiscount.Decimal) {
		discount = c.MaxDiscount.Decimal
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	return discount
}

func (c Coupon) validate() error {
	if strings.TrimSpace(c.Code) == "" {
		return validationf("coupon code is required")
	}
	if c.DiscountValue.IsNegative() {
		return validationf("coupon discount must not be negative")
	}
	if c.IsPercentage && c.DiscountValue.GreaterThan(hundred) {
		return validationf("percentage coupon cannot exceed 100")
	}
	if c.MaxDiscount.Valid && c.MaxDiscount.Decimal.IsNegative() {
		return validationf("coupon max discount must not be negative")
	}
	return nil
}

// Totals is the derived monetary summary of the cart.
type Totals struct {
	Quantity int64           `json:"quantity"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
}

// ComputeTotals derives the quantity count, subtotal, coupon discount and total
// from scratch. It is pure; callers recompute after every change rather than
// adjusting a previous result. A coupon whose minimum purchase amount is no
// longer met contributes no discount.
func ComputeTotals(lines []Line, coupon *Coupon) Totals {
	totals := Totals{Subtotal: decimal.Zero, Discount: decimal.Zero, Total: decimal.Zero}
	if len(lines) == 0 {
		return totals
	}
	for _, line := range lines {
		totals.Quantity += line.Units()
		totals.Subtotal = totals.Subtotal.Add(line.Price())
	}
	totals.Total = totals.Subtotal
	if coupon != nil && coupon.Eligible(totals.Subtotal) {
		discount := coupon.Discount(totals.Subtotal)
		if discount.GreaterThan(totals.Subtotal) {
			discount = totals.Subtotal
		}
		totals.Discount = discount
		totals.Total = totals.Subtotal.Sub(discount)
	}
	if totals.Total.IsNegative() {
		totals.Total = decimal.Zero
	}
	return totals
}

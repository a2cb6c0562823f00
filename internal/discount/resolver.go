// Package discount resolves the discount percentage a group earns from its
// paid quantity.
package discount

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Resolve returns the discount percentage earned by paidQuantity.
//
// With tiers, the largest tier whose GroupSize does not exceed paidQuantity
// wins. Without tiers, baseDiscount applies once paidQuantity reaches
// minGroupSize. Tiers with a non-positive size or a negative percentage are
// ignored. Resolve never fails; bad input yields zero.
func Resolve(tiers []domain.DiscountTier, paidQuantity, minGroupSize int, baseDiscount decimal.Decimal) decimal.Decimal {
	if paidQuantity <= 0 {
		return decimal.Zero
	}

	if len(tiers) == 0 {
		if minGroupSize > 0 && paidQuantity >= minGroupSize && baseDiscount.IsPositive() {
			return baseDiscount
		}
		return decimal.Zero
	}

	for _, t := range sortedTiers(tiers) {
		if t.GroupSize <= paidQuantity {
			return t.Percentage
		}
	}
	return decimal.Zero
}

// ForProduct is Resolve with the product's own configuration.
func ForProduct(p domain.Product, paidQuantity int) decimal.Decimal {
	return Resolve(p.Tiers, paidQuantity, p.MinGroupSize, p.BaseDiscount)
}

// NextTier returns the smallest valid tier not yet reached by paidQuantity,
// or nil when none remains.
func NextTier(tiers []domain.DiscountTier, paidQuantity int) *domain.DiscountTier {
	valid := sortedTiers(tiers)
	for i := len(valid) - 1; i >= 0; i-- {
		if valid[i].GroupSize > paidQuantity {
			t := valid[i]
			return &t
		}
	}
	return nil
}

// ApplyDiscount returns unitPrice reduced by pct percent, rounded to cents.
func ApplyDiscount(unitPrice, pct decimal.Decimal) decimal.Decimal {
	if pct.IsNegative() {
		pct = decimal.Zero
	}
	if pct.GreaterThan(hundred) {
		pct = hundred
	}
	factor := hundred.Sub(pct).Div(hundred)
	return unitPrice.Mul(factor).Round(2)
}

// Validate rejects discount configurations that Resolve would silently
// degrade: percentages outside [0, 100], non-positive tier sizes and
// duplicate sizes.
func Validate(base decimal.Decimal, tiers []domain.DiscountTier) error {
	var errs []error
	if base.IsNegative() || base.GreaterThan(hundred) {
		errs = append(errs, fmt.Errorf("discount_percentage %s out of range", base))
	}
	seen := make(map[int]bool, len(tiers))
	for i, t := range tiers {
		if t.GroupSize <= 0 {
			errs = append(errs, fmt.Errorf("tier %d: group_size must be positive", i))
		}
		if seen[t.GroupSize] {
			errs = append(errs, fmt.Errorf("tier %d: duplicate group_size %d", i, t.GroupSize))
		}
		seen[t.GroupSize] = true
		if t.Percentage.IsNegative() || t.Percentage.GreaterThan(hundred) {
			errs = append(errs, fmt.Errorf("tier %d: discount_percentage %s out of range", i, t.Percentage))
		}
	}
	return errors.Join(errs...)
}

// sortedTiers copies the valid tiers and orders them by GroupSize descending.
func sortedTiers(tiers []domain.DiscountTier) []domain.DiscountTier {
	out := make([]domain.DiscountTier, 0, len(tiers))
	for _, t := range tiers {
		if t.GroupSize <= 0 || t.Percentage.IsNegative() {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].GroupSize > out[j].GroupSize
	})
	return out
}

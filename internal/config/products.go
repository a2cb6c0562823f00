package config

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// ProductSeed is a catalog entry declared in the config file. Money and
// percentages are strings so they keep their exact decimal value.
type ProductSeed struct {
	ID           string     `toml:"id"`
	Name         string     `toml:"name"`
	Price        string     `toml:"price"`
	MinGroupSize int        `toml:"min_group_size"`
	Discount     string     `toml:"discount_percentage"`
	Tiers        []TierSeed `toml:"tiers"`
}

// TierSeed is one discount tier of a ProductSeed.
type TierSeed struct {
	GroupSize int    `toml:"group_size"`
	Discount  string `toml:"discount_percentage"`
}

// Product converts the seed into a domain.Product.
func (s ProductSeed) Product() (domain.Product, error) {
	price, err := parseDecimal(s.Price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("price: %w", err)
	}
	base, err := parseDecimal(s.Discount)
	if err != nil {
		return domain.Product{}, fmt.Errorf("discount_percentage: %w", err)
	}
	p := domain.Product{
		ID:           s.ID,
		Name:         s.Name,
		Price:        price,
		MinGroupSize: s.MinGroupSize,
		BaseDiscount: base,
	}
	for i, t := range s.Tiers {
		pct, err := parseDecimal(t.Discount)
		if err != nil {
			return domain.Product{}, fmt.Errorf("tiers[%d].discount_percentage: %w", i, err)
		}
		p.Tiers = append(p.Tiers, domain.DiscountTier{GroupSize: t.GroupSize, Percentage: pct})
	}
	return p, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

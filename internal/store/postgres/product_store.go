package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// ProductStore implements domain.ProductStore using PostgreSQL. Numeric
// columns travel as text so decimals keep their exact scale.
type ProductStore struct {
	pool *pgxpool.Pool
}

// NewProductStore creates a ProductStore backed by pool.
func NewProductStore(pool *pgxpool.Pool) *ProductStore {
	return &ProductStore{pool: pool}
}

// GetProductDiscountConfig loads a product with its tiers ordered by size.
func (s *ProductStore) GetProductDiscountConfig(ctx context.Context, productID string) (domain.Product, error) {
	const query = `
		SELECT id, name, price::text, min_group_size, discount_percentage::text, updated_at
		FROM products WHERE id = $1`

	var p domain.Product
	var price, base string
	err := s.pool.QueryRow(ctx, query, productID).Scan(
		&p.ID, &p.Name, &price, &p.MinGroupSize, &base, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Product{}, fmt.Errorf("postgres: get product %s: %w", productID, notFound(err))
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return domain.Product{}, fmt.Errorf("postgres: product %s price: %w", productID, err)
	}
	if p.BaseDiscount, err = decimal.NewFromString(base); err != nil {
		return domain.Product{}, fmt.Errorf("postgres: product %s discount: %w", productID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT group_size, discount_percentage::text
		FROM discount_tiers WHERE product_id = $1 ORDER BY group_size`, productID)
	if err != nil {
		return domain.Product{}, fmt.Errorf("postgres: list tiers %s: %w", productID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var t domain.DiscountTier
		var pct string
		if err := rows.Scan(&t.GroupSize, &pct); err != nil {
			return domain.Product{}, fmt.Errorf("postgres: scan tier: %w", err)
		}
		// A tier that does not parse is dropped; the resolver treats bad
		// tier data as no discount anyway.
		if t.Percentage, err = decimal.NewFromString(pct); err != nil {
			continue
		}
		p.Tiers = append(p.Tiers, t)
	}
	if err := rows.Err(); err != nil {
		return domain.Product{}, fmt.Errorf("postgres: list tiers %s rows: %w", productID, err)
	}
	return p, nil
}

// Upsert writes a product and replaces its tiers in one transaction.
func (s *ProductStore) Upsert(ctx context.Context, p domain.Product) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO products (id, name, price, min_group_size, discount_percentage, updated_at)
			VALUES ($1, $2, $3::numeric, $4, $5::numeric, NOW())
			ON CONFLICT (id) DO UPDATE SET
				name                = EXCLUDED.name,
				price               = EXCLUDED.price,
				min_group_size      = EXCLUDED.min_group_size,
				discount_percentage = EXCLUDED.discount_percentage,
				updated_at          = NOW()`
		if _, err := tx.Exec(ctx, upsert,
			p.ID, p.Name, p.Price.String(), p.MinGroupSize, p.BaseDiscount.String(),
		); err != nil {
			return fmt.Errorf("postgres: upsert product %s: %w", p.ID, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM discount_tiers WHERE product_id = $1`, p.ID); err != nil {
			return fmt.Errorf("postgres: clear tiers %s: %w", p.ID, err)
		}
		if len(p.Tiers) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, t := range p.Tiers {
			batch.Queue(`
				INSERT INTO discount_tiers (product_id, group_size, discount_percentage)
				VALUES ($1, $2, $3::numeric)
				ON CONFLICT (product_id, group_size) DO UPDATE SET
					discount_percentage = EXCLUDED.discount_percentage`,
				p.ID, t.GroupSize, t.Percentage.String())
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert tiers %s: %w", p.ID, err)
		}
		return nil
	})
}

// Compile-time interface check.
var _ domain.ProductStore = (*ProductStore)(nil)

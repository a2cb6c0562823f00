package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

const groupColumns = `id, product_id, target_count, state, locked_discount::text,
	created_at, updated_at, confirmed_at, closed_at, version`

const participantColumns = `id, group_buy_id, buyer_id, quantity, deposit_status, registered_at, updated_at`

var activeStatuses = []string{string(domain.DepositPending), string(domain.DepositPaid)}

// snapshotTx reads groups and their participants as of one instant, so a
// concurrent Commit is seen entirely or not at all.
var snapshotTx = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// querier is the read surface shared by the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// GroupStore implements domain.GroupStore and domain.ArchiveStore using
// PostgreSQL. Every Commit runs in one transaction with an optimistic
// version check per group row; reads spanning groups and participants run
// in a read-only repeatable-read transaction.
type GroupStore struct {
	pool *pgxpool.Pool
	db   txBeginner
}

// NewGroupStore creates a GroupStore backed by pool.
func NewGroupStore(pool *pgxpool.Pool) *GroupStore {
	return &GroupStore{pool: pool, db: pool}
}

func (s *GroupStore) snapshot(ctx context.Context, fn func(q querier) error) error {
	return pgx.BeginTxFunc(ctx, s.db, snapshotTx, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// ListForming returns the product's Forming groups ordered by id.
func (s *GroupStore) ListForming(ctx context.Context, productID string) ([]domain.GroupBuy, error) {
	query := `SELECT ` + groupColumns + ` FROM group_buys
		WHERE product_id = $1 AND state = 'forming' ORDER BY id`
	var groups []domain.GroupBuy
	err := s.snapshot(ctx, func(q querier) error {
		var err error
		groups, err = queryGroups(ctx, q, query, productID)
		if err != nil {
			return fmt.Errorf("postgres: list forming %s: %w", productID, err)
		}
		return attachParticipants(ctx, q, groups, false)
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// GetGroup returns a group with its active participants.
func (s *GroupStore) GetGroup(ctx context.Context, id string) (domain.GroupBuy, error) {
	var groups []domain.GroupBuy
	err := s.snapshot(ctx, func(q querier) error {
		row := q.QueryRow(ctx, `SELECT `+groupColumns+` FROM group_buys WHERE id = $1`, id)
		g, err := scanGroup(row)
		if err != nil {
			return fmt.Errorf("postgres: get group %s: %w", id, notFound(err))
		}
		groups = []domain.GroupBuy{g}
		return attachParticipants(ctx, q, groups, false)
	})
	if err != nil {
		return domain.GroupBuy{}, err
	}
	return groups[0], nil
}

// GetParticipant returns a participant in any status.
func (s *GroupStore) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	p, err := scanParticipant(row)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("postgres: get participant %s: %w", id, notFound(err))
	}
	return p, nil
}

// Commit applies cs atomically. Existing groups are updated first so a
// confirmed group stops counting as forming before its successor is
// inserted.
func (s *GroupStore) Commit(ctx context.Context, cs domain.ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, g := range cs.Groups {
			if g.Version > 0 {
				if err := updateGroup(ctx, tx, g); err != nil {
					return err
				}
			}
		}
		for _, g := range cs.Groups {
			if g.Version == 0 {
				if err := insertGroup(ctx, tx, g); err != nil {
					return err
				}
			}
		}

		// Detach active participants no longer listed under their group.
		for _, g := range cs.Groups {
			keep := make([]string, 0, len(g.Participants))
			for _, p := range g.Participants {
				keep = append(keep, p.ID)
			}
			if _, err := tx.Exec(ctx, `
				DELETE FROM participants
				WHERE group_buy_id = $1 AND deposit_status = ANY($2) AND NOT (id = ANY($3))`,
				g.ID, activeStatuses, keep,
			); err != nil {
				return fmt.Errorf("postgres: detach participants of %s: %w", g.ID, err)
			}
		}

		batch := &pgx.Batch{}
		for _, g := range cs.Groups {
			for _, p := range g.Participants {
				p.GroupBuyID = g.ID
				queueParticipant(batch, p)
			}
		}
		for _, p := range cs.Retired {
			queueParticipant(batch, p)
		}
		if len(cs.Removed) > 0 {
			batch.Queue(`DELETE FROM participants WHERE id = ANY($1)`, cs.Removed)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("postgres: write participants: %w", err)
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: commit: %w", domain.ErrConflict)
	}
	return err
}

func updateGroup(ctx context.Context, tx pgx.Tx, g domain.GroupBuy) error {
	tag, err := tx.Exec(ctx, `
		UPDATE group_buys SET
			state           = $2,
			locked_discount = $3::numeric,
			updated_at      = $4,
			confirmed_at    = $5,
			closed_at       = $6,
			version         = version + 1
		WHERE id = $1 AND version = $7`,
		g.ID, string(g.State), g.LockedDiscount.String(), g.UpdatedAt, g.ConfirmedAt, g.ClosedAt, g.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: update group %s: %w", g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update group %s at version %d: %w", g.ID, g.Version, domain.ErrConflict)
	}
	return nil
}

func insertGroup(ctx context.Context, tx pgx.Tx, g domain.GroupBuy) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO group_buys (
			id, product_id, target_count, state, locked_discount,
			created_at, updated_at, confirmed_at, closed_at, version
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, 1)
		ON CONFLICT (id) DO NOTHING`,
		g.ID, g.ProductID, g.TargetCount, string(g.State), g.LockedDiscount.String(),
		g.CreatedAt, g.UpdatedAt, g.ConfirmedAt, g.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert group %s: %w", g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert group %s: %w", g.ID, domain.ErrConflict)
	}
	return nil
}

// queueParticipant upserts p. registered_at is written once and never
// updated.
func queueParticipant(batch *pgx.Batch, p domain.Participant) {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	batch.Queue(`
		INSERT INTO participants (`+participantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			group_buy_id   = EXCLUDED.group_buy_id,
			quantity       = EXCLUDED.quantity,
			deposit_status = EXCLUDED.deposit_status,
			updated_at     = EXCLUDED.updated_at`,
		p.ID, p.GroupBuyID, p.BuyerID, p.Quantity, string(p.DepositStatus), p.RegisteredAt, updated,
	)
}

// ListStale returns Forming groups last updated before the cutoff.
func (s *GroupStore) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.GroupBuy, error) {
	query := `SELECT ` + groupColumns + ` FROM group_buys
		WHERE state = 'forming' AND updated_at < $1 ORDER BY id LIMIT $2`
	var groups []domain.GroupBuy
	err := s.snapshot(ctx, func(q querier) error {
		var err error
		groups, err = queryGroups(ctx, q, query, before, limitOrDefault(limit))
		if err != nil {
			return fmt.Errorf("postgres: list stale groups: %w", err)
		}
		return attachParticipants(ctx, q, groups, false)
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// ListClosedBefore returns terminal groups not yet archived, with every
// participant they ever held.
func (s *GroupStore) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.GroupBuy, error) {
	query := `SELECT ` + groupColumns + ` FROM group_buys
		WHERE state <> 'forming' AND archived_at IS NULL
		  AND COALESCE(closed_at, confirmed_at) < $1
		ORDER BY id LIMIT $2`
	var groups []domain.GroupBuy
	err := s.snapshot(ctx, func(q querier) error {
		var err error
		groups, err = queryGroups(ctx, q, query, before, limitOrDefault(limit))
		if err != nil {
			return fmt.Errorf("postgres: list closed groups: %w", err)
		}
		return attachParticipants(ctx, q, groups, true)
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// MarkArchived stamps archived_at on the given groups.
func (s *GroupStore) MarkArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE group_buys SET archived_at = NOW() WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("postgres: mark %d groups archived: %w", len(ids), err)
	}
	return nil
}

func queryGroups(ctx context.Context, q querier, query string, args ...any) ([]domain.GroupBuy, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.GroupBuy
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// attachParticipants loads the participants of groups in one query, in
// registration order.
func attachParticipants(ctx context.Context, q querier, groups []domain.GroupBuy, all bool) error {
	if len(groups) == 0 {
		return nil
	}
	ids := make([]string, len(groups))
	index := make(map[string]int, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
		index[g.ID] = i
	}

	query := `SELECT ` + participantColumns + ` FROM participants WHERE group_buy_id = ANY($1)`
	args := []any{ids}
	if !all {
		query += ` AND deposit_status = ANY($2)`
		args = append(args, activeStatuses)
	}
	query += ` ORDER BY registered_at, id`

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: list participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return fmt.Errorf("postgres: scan participant: %w", err)
		}
		i := index[p.GroupBuyID]
		groups[i].Participants = append(groups[i].Participants, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: list participants rows: %w", err)
	}
	return nil
}

func scanGroup(row pgx.Row) (domain.GroupBuy, error) {
	var g domain.GroupBuy
	var state, locked string
	if err := row.Scan(
		&g.ID, &g.ProductID, &g.TargetCount, &state, &locked,
		&g.CreatedAt, &g.UpdatedAt, &g.ConfirmedAt, &g.ClosedAt, &g.Version,
	); err != nil {
		return domain.GroupBuy{}, err
	}
	g.State = domain.GroupState(state)
	d, err := decimal.NewFromString(locked)
	if err != nil {
		return domain.GroupBuy{}, fmt.Errorf("locked discount %q: %w", locked, err)
	}
	g.LockedDiscount = d
	return g, nil
}

func scanParticipant(row pgx.Row) (domain.Participant, error) {
	var p domain.Participant
	var status string
	if err := row.Scan(
		&p.ID, &p.GroupBuyID, &p.BuyerID, &p.Quantity, &status, &p.RegisteredAt, &p.UpdatedAt,
	); err != nil {
		return domain.Participant{}, err
	}
	p.DepositStatus = domain.DepositStatus(status)
	return p, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// Compile-time interface checks.
var (
	_ domain.GroupStore   = (*GroupStore)(nil)
	_ domain.ArchiveStore = (*GroupStore)(nil)
)

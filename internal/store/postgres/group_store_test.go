package postgres

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

// stubRows yields fixed rows; each row is assigned to Scan's destinations
// in order, with nil values leaving the destination untouched.
type stubRows struct {
	pgx.Rows
	rows [][]any
	cur  []any
}

func (r *stubRows) Next() bool {
	if len(r.rows) == 0 {
		return false
	}
	r.cur, r.rows = r.rows[0], r.rows[1:]
	return true
}

func (r *stubRows) Scan(dest ...any) error {
	for i, d := range dest {
		if r.cur[i] == nil {
			continue
		}
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.cur[i]))
	}
	return nil
}

func (r *stubRows) Err() error { return nil }
func (r *stubRows) Close()     {}

type stubTx struct {
	pgx.Tx
	results   []*stubRows
	queries   []string
	committed bool
}

func (t *stubTx) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	t.queries = append(t.queries, sql)
	if len(t.results) == 0 {
		return &stubRows{}, nil
	}
	r := t.results[0]
	t.results = t.results[1:]
	return r, nil
}

func (t *stubTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *stubTx) Rollback(context.Context) error { return nil }

type stubBeginner struct {
	tx   *stubTx
	opts []pgx.TxOptions
}

func (b *stubBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.opts = append(b.opts, opts)
	return b.tx, nil
}

func TestListFormingReadsOneSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tx := &stubTx{results: []*stubRows{
		{rows: [][]any{{"g1", "p1", 5, "forming", "0", now, now, nil, nil, int64(3)}}},
		{rows: [][]any{{"pt1", "g1", "buyer", 2, "paid", now, now}}},
	}}
	db := &stubBeginner{tx: tx}
	s := &GroupStore{db: db}

	groups, err := s.ListForming(context.Background(), "p1")
	require.NoError(t, err)

	require.Equal(t, []pgx.TxOptions{snapshotTx}, db.opts)
	require.Equal(t, pgx.RepeatableRead, snapshotTx.IsoLevel)
	require.Equal(t, pgx.ReadOnly, snapshotTx.AccessMode)
	require.Len(t, tx.queries, 2, "groups and participants must be read in the same transaction")
	require.True(t, tx.committed)

	require.Len(t, groups, 1)
	require.Equal(t, "g1", groups[0].ID)
	require.Equal(t, int64(3), groups[0].Version)
	require.Len(t, groups[0].Participants, 1)
	require.Equal(t, 2, groups[0].Participants[0].Quantity)
}

func TestListFormingEmptySkipsParticipants(t *testing.T) {
	tx := &stubTx{}
	db := &stubBeginner{tx: tx}
	s := &GroupStore{db: db}

	groups, err := s.ListForming(context.Background(), "p1")
	require.NoError(t, err)
	require.Empty(t, groups)
	require.Len(t, tx.queries, 1)
	require.Len(t, db.opts, 1)
}

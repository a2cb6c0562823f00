package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ProductCatalog resolves a product's group-buy discount configuration.
// It returns ErrNotFound for unknown products.
type ProductCatalog interface {
	GetProductDiscountConfig(ctx context.Context, productID string) (Product, error)
}

// ProductStore is the writable side of the catalog, used for seeding.
type ProductStore interface {
	ProductCatalog
	Upsert(ctx context.Context, p Product) error
}

// ChangeSet is the unit of atomic commit produced by one engine operation.
type ChangeSet struct {
	// Groups are inserted (Version == 0) or updated with an optimistic check
	// against Version. Their Participants are the full active set.
	Groups []GroupBuy
	// Retired are participants that left their group but keep a record
	// (refunded deposits).
	Retired []Participant
	// Removed participants are deleted as if they never joined.
	Removed []string
}

// Empty reports whether the change set carries no mutation.
func (c ChangeSet) Empty() bool {
	return len(c.Groups) == 0 && len(c.Retired) == 0 && len(c.Removed) == 0
}

// GroupStore persists GroupBuys and their participants. Loaded groups carry
// only active (pending or paid) participants.
type GroupStore interface {
	ListForming(ctx context.Context, productID string) ([]GroupBuy, error)
	GetGroup(ctx context.Context, id string) (GroupBuy, error)
	GetParticipant(ctx context.Context, id string) (Participant, error)
	// Commit applies cs in one transaction. It returns ErrConflict when a
	// group's Version no longer matches.
	Commit(ctx context.Context, cs ChangeSet) error
	// ListStale returns Forming groups not updated since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]GroupBuy, error)
}

// ArchiveStore exposes terminal groups for cold storage.
type ArchiveStore interface {
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]GroupBuy, error)
	MarkArchived(ctx context.Context, ids []string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

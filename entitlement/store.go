package entitlement

import (
	"context"
	"errors"
)

var (
	// ErrRecordNotFound is returned by id-addressed operations on a missing record.
	ErrRecordNotFound = errors.New("entitle: record not found")
	// ErrRecordExists is returned when a create targets an id that is taken.
	ErrRecordExists = errors.New("entitle: record already exists")
	// ErrStoreUnavailable wraps transient backend failures.
	ErrStoreUnavailable = errors.New("entitle: store unavailable")
)

// DefaultMaxGroupSize is the atomic write cap of the reference document store.
const DefaultMaxGroupSize = 500

// ListOpts filters list queries. Zero values match everything.
type ListOpts struct {
	Status Status
	Limit  int
}

// Store persists entitlement records.
type Store interface {
	// FindByUserID returns the first record owned by userID, or nil, nil.
	FindByUserID(ctx context.Context, userID string) (*Entitlement, error)
	// FindAllByUserID returns every record whose userId equals userID.
	FindAllByUserID(ctx context.Context, userID string) ([]*Entitlement, error)
	FindByTier(ctx context.Context, tier Tier, opts ListOpts) ([]*Entitlement, error)
	FindAll(ctx context.Context) ([]*Entitlement, error)
	// Get returns the record stored at id or ErrRecordNotFound.
	Get(ctx context.Context, id string) (*Entitlement, error)
	Create(ctx context.Context, e *Entitlement) error
	Update(ctx context.Context, id string, p Patch) error
	Delete(ctx context.Context, id string) error
	// CommitGroup applies all mutations atomically.
	CommitGroup(ctx context.Context, group []Mutation) error
	MaxGroupSize() int
}

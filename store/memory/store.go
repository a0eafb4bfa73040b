// Package memory is an in-process store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/receipt"
	"github.com/xraph/entitle/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	// Entitlements keyed by record id; order keeps insertion order so scans
	// are deterministic.
	records map[string]*entitlement.Entitlement
	order   []string

	receipts []*receipt.Receipt

	maxGroupSize int
	now          func() time.Time
	closed       bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for server-assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithMaxGroupSize overrides the atomic write cap.
func WithMaxGroupSize(n int) Option {
	return func(s *Store) {
		s.maxGroupSize = n
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		records:      make(map[string]*entitlement.Entitlement),
		maxGroupSize: entitlement.DefaultMaxGroupSize,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Entitlement Store implementation

func (s *Store) FindByUserID(_ context.Context, userID string) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rid := range s.order {
		if e := s.records[rid]; e.UserID == userID {
			return e.Clone(), nil
		}
	}
	return nil, nil //nolint:nilnil // absence is not an error
}

func (s *Store) FindAllByUserID(_ context.Context, userID string) ([]*entitlement.Entitlement, error) {
	return s.filter(func(e *entitlement.Entitlement) bool { return e.UserID == userID }, 0), nil
}

func (s *Store) FindByTier(_ context.Context, tier entitlement.Tier, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	return s.filter(func(e *entitlement.Entitlement) bool {
		return e.Tier == tier && (opts.Status == "" || e.Status == opts.Status)
	}, opts.Limit), nil
}

func (s *Store) FindAll(_ context.Context) ([]*entitlement.Entitlement, error) {
	return s.filter(func(*entitlement.Entitlement) bool { return true }, 0), nil
}

func (s *Store) Get(_ context.Context, id string) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.records[id]; ok {
		return e.Clone(), nil
	}
	return nil, entitlement.ErrRecordNotFound
}

func (s *Store) Create(ctx context.Context, e *entitlement.Entitlement) error {
	return s.CommitGroup(ctx, []entitlement.Mutation{entitlement.CreateOf(e)})
}

func (s *Store) Update(ctx context.Context, id string, p entitlement.Patch) error {
	return s.CommitGroup(ctx, []entitlement.Mutation{entitlement.UpdateOf(id, p)})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.CommitGroup(ctx, []entitlement.Mutation{entitlement.DeleteOf(id)})
}

func (s *Store) MaxGroupSize() int {
	return s.maxGroupSize
}

// CommitGroup stages every mutation against a private view and publishes the
// view only if all of them apply.
func (s *Store) CommitGroup(ctx context.Context, group []entitlement.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(group) > s.maxGroupSize {
		return fmt.Errorf("memory: group of %d exceeds cap %d", len(group), s.maxGroupSize)
	}
	if err := entitlement.ValidateGroup(group); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return entitlement.ErrStoreUnavailable
	}

	now := s.now().UTC()
	staged := make(map[string]*entitlement.Entitlement)
	var touched []string
	stage := func(id string, e *entitlement.Entitlement) {
		if _, ok := staged[id]; !ok {
			touched = append(touched, id)
		}
		staged[id] = e
	}
	lookup := func(id string) (*entitlement.Entitlement, bool) {
		if e, ok := staged[id]; ok {
			return e, e != nil
		}
		e, ok := s.records[id]
		return e, ok
	}

	for _, m := range group {
		switch m.Op {
		case entitlement.OpCreate:
			if _, ok := lookup(m.ID); ok {
				return fmt.Errorf("memory: create %q: %w", m.ID, entitlement.ErrRecordExists)
			}
			e := m.Record.Clone()
			e.ID = m.ID
			e.CreatedAt, e.UpdatedAt = now, now
			stage(m.ID, e)
		case entitlement.OpSet:
			e := m.Record.Clone()
			e.ID = m.ID
			if e.CreatedAt.IsZero() {
				e.CreatedAt = now
			}
			e.UpdatedAt = now
			stage(m.ID, e)
		case entitlement.OpUpdate:
			cur, ok := lookup(m.ID)
			if !ok {
				return fmt.Errorf("memory: update %q: %w", m.ID, entitlement.ErrRecordNotFound)
			}
			e := cur.Clone()
			m.Patch.ApplyTo(e, now)
			stage(m.ID, e)
		case entitlement.OpDelete:
			stage(m.ID, nil)
		}
	}

	for _, rid := range touched {
		e := staged[rid]
		_, existed := s.records[rid]
		switch {
		case e == nil && existed:
			delete(s.records, rid)
			s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == rid })
		case e != nil:
			if !existed {
				s.order = append(s.order, rid)
			}
			s.records[rid] = e
		}
	}
	return nil
}

func (s *Store) filter(keep func(*entitlement.Entitlement) bool, limit int) []*entitlement.Entitlement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entitlement.Entitlement, 0)
	for _, rid := range s.order {
		e := s.records[rid]
		if !keep(e) {
			continue
		}
		result = append(result, e.Clone())
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result
}

// Receipt Store implementation

func (s *Store) Record(_ context.Context, r *receipt.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return entitlement.ErrStoreUnavailable
	}
	cp := *r
	if cp.Timestamp.IsZero() {
		cp.Timestamp = s.now().UTC()
	}
	s.receipts = append(s.receipts, &cp)
	return nil
}

func (s *Store) ListReceipts(_ context.Context, userID string) ([]*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*receipt.Receipt, 0)
	for _, r := range s.receipts {
		if r.UserID == userID {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Core methods

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return entitlement.ErrStoreUnavailable
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// Package firestore persists entitlements in Cloud Firestore, the reference
// backing store. A write group is committed as one transaction, which caps it
// at 500 writes.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/receipt"
	entitlestore "github.com/xraph/entitle/store"
)

// Collection name constants.
const (
	colEntitlements = "subscriptions"
	colReceipts     = "purchase_receipts"
)

// maxWrites is the Firestore limit on writes in one commit.
const maxWrites = 500

var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store on a Firestore client.
type Store struct {
	client       *firestore.Client
	collection   string
	maxGroupSize int
}

// Option configures a Store.
type Option func(*Store)

// WithCollection overrides the entitlement collection name.
func WithCollection(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxGroupSize lowers the atomic write cap. Values above the Firestore
// commit limit are ignored.
func WithMaxGroupSize(n int) Option {
	return func(s *Store) {
		if n > 0 && n <= maxWrites {
			s.maxGroupSize = n
		}
	}
}

// New wraps an existing client.
func New(client *firestore.Client, opts ...Option) *Store {
	s := &Store{
		client:       client,
		collection:   colEntitlements,
		maxGroupSize: maxWrites,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect creates a client for projectID. The emulator is used when
// FIRESTORE_EMULATOR_HOST is set.
func Connect(ctx context.Context, projectID string, opts []Option, clientOpts ...option.ClientOption) (*Store, error) {
	client, err := firestore.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("entitle/firestore: connect: %w", err)
	}
	return New(client, opts...), nil
}

// Client returns the underlying Firestore client.
func (s *Store) Client() *firestore.Client { return s.client }

// Migrate is a no-op: equality filters on userId, tier and status are served
// by single-field indexes Firestore maintains automatically.
func (s *Store) Migrate(context.Context) error { return nil }

// Ping reads at most one document to check connectivity.
func (s *Store) Ping(ctx context.Context) error {
	iter := s.entitlements().Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("entitle/firestore: ping: %w", classify(err))
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// ==================== Entitlement Store ====================

func (s *Store) entitlements() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *Store) FindByUserID(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	found, err := s.query(ctx, s.entitlements().Where(entitlement.FieldUserID, "==", userID).Limit(1), "find by user")
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil //nolint:nilnil // absence is not an error
	}
	return found[0], nil
}

func (s *Store) FindAllByUserID(ctx context.Context, userID string) ([]*entitlement.Entitlement, error) {
	return s.query(ctx, s.entitlements().Where(entitlement.FieldUserID, "==", userID), "find all by user")
}

func (s *Store) FindByTier(ctx context.Context, tier entitlement.Tier, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	q := s.entitlements().Where(entitlement.FieldTier, "==", string(tier))
	if opts.Status != "" {
		q = q.Where(entitlement.FieldStatus, "==", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	return s.query(ctx, q, "find by tier")
}

func (s *Store) FindAll(ctx context.Context) ([]*entitlement.Entitlement, error) {
	return s.query(ctx, s.entitlements().Query, "find all")
}

func (s *Store) Get(ctx context.Context, id string) (*entitlement.Entitlement, error) {
	snap, err := s.entitlements().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrRecordNotFound
		}
		return nil, fmt.Errorf("entitle/firestore: get: %w", classify(err))
	}
	var d entitlementDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("entitle/firestore: decode %s: %w", id, err)
	}
	return fromEntitlementDoc(snap.Ref.ID, &d), nil
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

// CommitGroup writes the group in one transaction so either every mutation
// lands or none does.
func (s *Store) CommitGroup(ctx context.Context, group []entitlement.Mutation) error {
	if len(group) > s.maxGroupSize {
		return fmt.Errorf("entitle/firestore: group of %d exceeds cap %d", len(group), s.maxGroupSize)
	}
	if err := entitlement.ValidateGroup(group); err != nil {
		return err
	}

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		for _, m := range group {
			if err := s.stage(tx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}

	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("entitle/firestore: commit group: %w: %w", entitlement.ErrRecordNotFound, err)
	case codes.AlreadyExists:
		return fmt.Errorf("entitle/firestore: commit group: %w: %w", entitlement.ErrRecordExists, err)
	}
	return fmt.Errorf("entitle/firestore: commit group: %w", classify(err))
}

func (s *Store) stage(tx *firestore.Transaction, m entitlement.Mutation) error {
	ref := s.entitlements().Doc(m.ID)

	switch m.Op {
	case entitlement.OpCreate:
		d := toEntitlementDoc(m.Record)
		d.CreatedAt = time.Time{}
		return tx.Create(ref, d)
	case entitlement.OpSet:
		return tx.Set(ref, toEntitlementDoc(m.Record))
	case entitlement.OpUpdate:
		return tx.Update(ref, updates(m.Patch))
	case entitlement.OpDelete:
		return tx.Delete(ref)
	}
	return fmt.Errorf("entitle/firestore: unknown op %q", m.Op)
}

// updates converts a patch into field updates in a stable order.
func updates(p entitlement.Patch) []firestore.Update {
	fields := p.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]firestore.Update, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, firestore.Update{Path: k, Value: fields[k]})
	}
	return append(out, firestore.Update{Path: entitlement.FieldUpdatedAt, Value: firestore.ServerTimestamp})
}

func (s *Store) query(ctx context.Context, q firestore.Query, op string) ([]*entitlement.Entitlement, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	result := make([]*entitlement.Entitlement, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("entitle/firestore: %s: %w", op, classify(err))
		}
		var d entitlementDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("entitle/firestore: decode %s: %w", snap.Ref.ID, err)
		}
		result = append(result, fromEntitlementDoc(snap.Ref.ID, &d))
	}
	return result, nil
}

// ==================== Receipt Store ====================

func (s *Store) Record(ctx context.Context, r *receipt.Receipt) error {
	_, err := s.client.Collection(colReceipts).Doc(r.ID.String()).Create(ctx, toReceiptDoc(r))
	if err != nil {
		return fmt.Errorf("entitle/firestore: record receipt: %w", classify(err))
	}
	return nil
}

func (s *Store) ListReceipts(ctx context.Context, userID string) ([]*receipt.Receipt, error) {
	iter := s.client.Collection(colReceipts).Where(entitlement.FieldUserID, "==", userID).Documents(ctx)
	defer iter.Stop()

	result := make([]*receipt.Receipt, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("entitle/firestore: list receipts: %w", classify(err))
		}
		var d receiptDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("entitle/firestore: decode receipt %s: %w", snap.Ref.ID, err)
		}
		r, err := fromReceiptDoc(snap.Ref.ID, &d)
		if err != nil {
			return nil, fmt.Errorf("entitle/firestore: %w", err)
		}
		result = append(result, r)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

// classify marks transient gRPC failures as store unavailability.
func classify(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %w", entitlement.ErrStoreUnavailable, err)
	}
	return err
}

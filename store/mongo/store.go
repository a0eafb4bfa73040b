// Package mongo persists entitlements in MongoDB through the grove mongo
// driver. Write groups are committed inside a session transaction, so the
// deployment must be a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/receipt"
	entitlestore "github.com/xraph/entitle/store"
)

// Collection name constants.
const (
	colEntitlements = "subscriptions"
	colReceipts     = "purchase_receipts"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db           *grove.DB
	mdb          *mongodriver.MongoDB
	maxGroupSize int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxGroupSize overrides the atomic write cap.
func WithMaxGroupSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxGroupSize = n
		}
	}
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB, opts ...Option) *Store {
	s := &Store{
		db:           db,
		mdb:          mongodriver.Unwrap(db),
		maxGroupSize: entitlement.DefaultMaxGroupSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials uri and returns a store over database.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	drv := mongodriver.New()
	if err := drv.Open(ctx, uri, mongodriver.WithDatabase(database)); err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("entitle/mongo: connect: %w", classify(err))
	}
	db, err := grove.Open(drv)
	if err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("entitle/mongo: open: %w", err)
	}
	return New(db, opts...), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Client returns the underlying client for direct access.
func (s *Store) Client() *mongo.Client { return s.mdb.Client() }

// Migrate creates indexes for all entitle collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("entitle/mongo: migrate %s indexes: %w", col, classify(err))
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.Ping(ctx))
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Entitlement Store ====================

func (s *Store) FindByUserID(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	var m entitlementModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"userId": userID}).
		Sort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil //nolint:nilnil // absence is not an error
		}
		return nil, fmt.Errorf("entitle/mongo: find by user: %w", classify(err))
	}
	return fromEntitlementModel(&m), nil
}

func (s *Store) FindAllByUserID(ctx context.Context, userID string) ([]*entitlement.Entitlement, error) {
	return s.find(ctx, bson.M{"userId": userID}, 0, "find all by user")
}

func (s *Store) FindByTier(ctx context.Context, tier entitlement.Tier, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	filter := bson.M{"tier": string(tier)}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	return s.find(ctx, filter, opts.Limit, "find by tier")
}

func (s *Store) FindAll(ctx context.Context) ([]*entitlement.Entitlement, error) {
	return s.find(ctx, bson.M{}, 0, "find all")
}

func (s *Store) Get(ctx context.Context, id string) (*entitlement.Entitlement, error) {
	var m entitlementModel
	err := s.mdb.NewFind(&m).Filter(bson.M{"_id": id}).Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitlement.ErrRecordNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get: %w", classify(err))
	}
	return fromEntitlementModel(&m), nil
}

func (s *Store) Create(ctx context.Context, e *entitlement.Entitlement) error {
	if err := s.apply(ctx, entitlement.CreateOf(e)); err != nil {
		return fmt.Errorf("entitle/mongo: create: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, p entitlement.Patch) error {
	if err := s.apply(ctx, entitlement.UpdateOf(id, p)); err != nil {
		return fmt.Errorf("entitle/mongo: update: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.apply(ctx, entitlement.DeleteOf(id)); err != nil {
		return fmt.Errorf("entitle/mongo: delete: %w", err)
	}
	return nil
}

func (s *Store) MaxGroupSize() int {
	return s.maxGroupSize
}

// CommitGroup applies the group inside one multi-document transaction.
func (s *Store) CommitGroup(ctx context.Context, group []entitlement.Mutation) error {
	if len(group) > s.maxGroupSize {
		return fmt.Errorf("entitle/mongo: group of %d exceeds cap %d", len(group), s.maxGroupSize)
	}
	if err := entitlement.ValidateGroup(group); err != nil {
		return err
	}

	session, err := s.mdb.Client().StartSession()
	if err != nil {
		return fmt.Errorf("entitle/mongo: start session: %w", classify(err))
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		for _, m := range group {
			if err := s.apply(ctx, m); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("entitle/mongo: commit group: %w", err)
	}
	return nil
}

// apply writes one mutation. Inside a transaction ctx carries the session,
// which the grove query builders pass through to the driver.
func (s *Store) apply(ctx context.Context, m entitlement.Mutation) error {
	t := now()

	switch m.Op {
	case entitlement.OpCreate:
		doc := toEntitlementModel(m.Record)
		doc.ID = m.ID
		doc.CreatedAt, doc.UpdatedAt = t, t
		if _, err := s.mdb.NewInsert(doc).Exec(ctx); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("create %q: %w", m.ID, entitlement.ErrRecordExists)
			}
			return classify(err)
		}
	case entitlement.OpSet:
		doc := toEntitlementModel(m.Record)
		doc.ID = m.ID
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = t
		}
		doc.UpdatedAt = t
		_, err := s.mdb.NewUpdate(doc).Filter(bson.M{"_id": m.ID}).Upsert().Exec(ctx)
		if err != nil {
			return classify(err)
		}
	case entitlement.OpUpdate:
		set := bson.M{}
		for k, v := range m.Patch.Fields() {
			set[k] = v
		}
		set[entitlement.FieldUpdatedAt] = t
		res, err := s.mdb.NewUpdate((*entitlementModel)(nil)).
			Filter(bson.M{"_id": m.ID}).
			SetUpdate(bson.M{"$set": set}).
			Exec(ctx)
		if err != nil {
			return classify(err)
		}
		if res.MatchedCount() == 0 {
			return fmt.Errorf("update %q: %w", m.ID, entitlement.ErrRecordNotFound)
		}
	case entitlement.OpDelete:
		if _, err := s.mdb.NewDelete((*entitlementModel)(nil)).Filter(bson.M{"_id": m.ID}).Exec(ctx); err != nil {
			return classify(err)
		}
	default:
		return fmt.Errorf("unknown op %q", m.Op)
	}
	return nil
}

func (s *Store) find(ctx context.Context, filter bson.M, limit int, op string) ([]*entitlement.Entitlement, error) {
	var models []entitlementModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: %s: %w", op, classify(err))
	}

	result := make([]*entitlement.Entitlement, len(models))
	for i := range models {
		result[i] = fromEntitlementModel(&models[i])
	}
	return result, nil
}

// ==================== Receipt Store ====================

func (s *Store) Record(ctx context.Context, r *receipt.Receipt) error {
	m := toReceiptModel(r)
	if m.Timestamp.IsZero() {
		m.Timestamp = now()
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("entitle/mongo: record receipt: %w", classify(err))
	}
	return nil
}

func (s *Store) ListReceipts(ctx context.Context, userID string) ([]*receipt.Receipt, error) {
	var models []receiptModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"userId": userID}).
		Sort(bson.D{{Key: "timestamp", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: list receipts: %w", classify(err))
	}

	result := make([]*receipt.Receipt, 0, len(models))
	for i := range models {
		r, err := fromReceiptModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("entitle/mongo: %w", err)
		}
		result = append(result, r)
	}
	return result, nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// classify marks network and timeout failures as store unavailability.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %w", entitlement.ErrStoreUnavailable, err)
	}
	return err
}

// migrationIndexes returns the index definitions for all entitle collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEntitlements: {
			{Keys: bson.D{{Key: "userId", Value: 1}}},
			{Keys: bson.D{{Key: "tier", Value: 1}, {Key: "status", Value: 1}}},
		},
		colReceipts: {
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "timestamp", Value: 1}}},
			{
				Keys:    bson.D{{Key: "transactionId", Value: 1}},
				Options: options.Index().SetSparse(true),
			},
		},
	}
}

// Package sqlite implements store.Store on an embedded SQLite database via
// the grove sqlite driver.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/receipt"
	entitlestore "github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/sqlstore"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Dialect classifies SQLite driver errors.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	IsUniqueViolation: isUniqueViolation,
	IsTransient:       isBusy,
}

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
	cfg sqlstore.Config
}

// Open opens (creating if needed) the database file at path.
func Open(ctx context.Context, path string, opts ...sqlstore.Option) (*Store, error) {
	path = filepath.Clean(path)
	if strings.TrimSpace(path) == "" || path == "." {
		return nil, errors.New("entitle/sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("entitle/sqlite: create data dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{"busy_timeout(30000)", "synchronous(NORMAL)"},
	}.Encode()

	drv := sqlitedriver.New()
	// SQLite allows a single writer; one connection serializes write groups.
	if err := drv.Open(ctx, dsn, driver.WithPoolSize(1)); err != nil {
		return nil, fmt.Errorf("entitle/sqlite: open: %w", err)
	}
	db, err := grove.Open(drv)
	if err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("entitle/sqlite: open: %w", err)
	}
	return New(db, opts...), nil
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB, opts ...sqlstore.Option) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
		cfg: sqlstore.NewConfig(opts...),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("entitle/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("entitle/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return Dialect.Errorf("ping", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Entitlement Store ====================

func (s *Store) FindByUserID(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	m := new(sqlstore.EntitlementRow)
	err := s.sdb.NewSelect(m).
		Where("user_id = ?", userID).
		OrderExpr("created_at ASC, id ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if sqlstore.IsNoRows(err) {
			return nil, nil //nolint:nilnil // absence is not an error
		}
		return nil, Dialect.Errorf("find by user", err)
	}
	return sqlstore.FromEntitlementRow(m), nil
}

func (s *Store) FindAllByUserID(ctx context.Context, userID string) ([]*entitlement.Entitlement, error) {
	var models []sqlstore.EntitlementRow
	err := s.sdb.NewSelect(&models).
		Where("user_id = ?", userID).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, Dialect.Errorf("find all by user", err)
	}
	return sqlstore.FromEntitlementRows(models), nil
}

func (s *Store) FindByTier(ctx context.Context, tier entitlement.Tier, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	var models []sqlstore.EntitlementRow
	q := s.sdb.NewSelect(&models).Where("tier = ?", string(tier))
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	q = q.OrderExpr("created_at ASC, id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, Dialect.Errorf("find by tier", err)
	}
	return sqlstore.FromEntitlementRows(models), nil
}

func (s *Store) FindAll(ctx context.Context) ([]*entitlement.Entitlement, error) {
	var models []sqlstore.EntitlementRow
	if err := s.sdb.NewSelect(&models).OrderExpr("created_at ASC, id ASC").Scan(ctx); err != nil {
		return nil, Dialect.Errorf("find all", err)
	}
	return sqlstore.FromEntitlementRows(models), nil
}

func (s *Store) Get(ctx context.Context, id string) (*entitlement.Entitlement, error) {
	m := new(sqlstore.EntitlementRow)
	err := s.sdb.NewSelect(m).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if sqlstore.IsNoRows(err) {
			return nil, entitlement.ErrRecordNotFound
		}
		return nil, Dialect.Errorf("get", err)
	}
	return sqlstore.FromEntitlementRow(m), nil
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
	return s.cfg.MaxGroupSize
}

// CommitGroup applies the group in one transaction.
func (s *Store) CommitGroup(ctx context.Context, group []entitlement.Mutation) error {
	if err := Dialect.CheckGroup(group, s.cfg.MaxGroupSize); err != nil {
		return err
	}

	tx, err := s.sdb.BeginTxQuery(ctx, nil)
	if err != nil {
		return Dialect.Errorf("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, m := range group {
		if err := s.apply(ctx, tx, m); err != nil {
			return Dialect.Errorf("commit group", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Dialect.Errorf("commit group", err)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, tx *sqlitedriver.SqliteTx, m entitlement.Mutation) error {
	t := s.cfg.UTCNow()

	switch m.Op {
	case entitlement.OpCreate:
		row := sqlstore.ToEntitlementRow(m.Record)
		row.ID = m.ID
		row.CreatedAt, row.UpdatedAt = t, t
		if _, err := tx.NewInsert(row).Exec(ctx); err != nil {
			return Dialect.CreateError(m.ID, err)
		}

	case entitlement.OpSet:
		row := sqlstore.ToEntitlementRow(m.Record)
		row.ID = m.ID
		if row.CreatedAt.IsZero() {
			row.CreatedAt = t
		}
		row.UpdatedAt = t
		q := tx.NewInsert(row).OnConflict("(id) DO UPDATE")
		for _, col := range sqlstore.SortedColumns() {
			q = q.Set(col + " = EXCLUDED." + col)
		}
		if _, err := q.Exec(ctx); err != nil {
			return err
		}

	case entitlement.OpUpdate:
		cols, vals := sqlstore.PatchColumns(m.Patch)
		q := tx.NewUpdate((*sqlstore.EntitlementRow)(nil))
		for i, col := range cols {
			q = q.Set(col+" = ?", vals[i])
		}
		res, err := q.Set("updated_at = ?", t).Where("id = ?", m.ID).Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("update %q: %w", m.ID, entitlement.ErrRecordNotFound)
		}

	case entitlement.OpDelete:
		if _, err := tx.NewDelete((*sqlstore.EntitlementRow)(nil)).Where("id = ?", m.ID).Exec(ctx); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown op %q", m.Op)
	}
	return nil
}

// ==================== Receipt Store ====================

func (s *Store) Record(ctx context.Context, r *receipt.Receipt) error {
	m := sqlstore.ToReceiptRow(r)
	if m.Timestamp.IsZero() {
		m.Timestamp = s.cfg.UTCNow()
	}
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		return Dialect.Errorf("record receipt", err)
	}
	return nil
}

func (s *Store) ListReceipts(ctx context.Context, userID string) ([]*receipt.Receipt, error) {
	var models []sqlstore.ReceiptRow
	err := s.sdb.NewSelect(&models).
		Where("user_id = ?", userID).
		OrderExpr("purchased_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, Dialect.Errorf("list receipts", err)
	}
	return sqlstore.FromReceiptRows(models), nil
}

// ==================== Helpers ====================

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

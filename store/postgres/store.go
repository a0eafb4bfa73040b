// Package postgres implements store.Store on PostgreSQL via the grove pgx
// driver.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/receipt"
	entitlestore "github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/sqlstore"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Dialect classifies PostgreSQL driver errors.
var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	IsUniqueViolation: isUniqueViolation,
	IsTransient:       isTransient,
}

// PostgreSQL error codes.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeTooManyConnections   = "53300"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db  *grove.DB
	pg  *pgdriver.PgDB
	cfg sqlstore.Config
}

// Open connects a pool to dsn and returns the store over it.
func Open(ctx context.Context, dsn string, opts ...sqlstore.Option) (*Store, error) {
	drv := pgdriver.New()
	if err := drv.Open(ctx, dsn); err != nil {
		return nil, fmt.Errorf("entitle/postgres: connect: %w", err)
	}
	if err := drv.Ping(ctx); err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("entitle/postgres: ping: %w", err)
	}
	db, err := grove.Open(drv)
	if err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("entitle/postgres: open: %w", err)
	}
	return New(db, opts...), nil
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB, opts ...sqlstore.Option) *Store {
	return &Store{
		db:  db,
		pg:  pgdriver.Unwrap(db),
		cfg: sqlstore.NewConfig(opts...),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("entitle/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("entitle/postgres: migration failed: %w", err)
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

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Entitlement Store ====================

func (s *Store) FindByUserID(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	m := new(sqlstore.EntitlementRow)
	err := s.pg.NewSelect(m).
		Where("user_id = $1", userID).
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
	err := s.pg.NewSelect(&models).
		Where("user_id = $1", userID).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, Dialect.Errorf("find all by user", err)
	}
	return sqlstore.FromEntitlementRows(models), nil
}

func (s *Store) FindByTier(ctx context.Context, tier entitlement.Tier, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	var models []sqlstore.EntitlementRow
	q := s.pg.NewSelect(&models).Where("tier = $1", string(tier))
	if opts.Status != "" {
		q = q.Where("status = $2", string(opts.Status))
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
	if err := s.pg.NewSelect(&models).OrderExpr("created_at ASC, id ASC").Scan(ctx); err != nil {
		return nil, Dialect.Errorf("find all", err)
	}
	return sqlstore.FromEntitlementRows(models), nil
}

func (s *Store) Get(ctx context.Context, id string) (*entitlement.Entitlement, error) {
	m := new(sqlstore.EntitlementRow)
	err := s.pg.NewSelect(m).Where("id = $1", id).Scan(ctx)
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

	tx, err := s.pg.BeginTxQuery(ctx, nil)
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

func (s *Store) apply(ctx context.Context, tx *pgdriver.PgTx, m entitlement.Mutation) error {
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
			q = q.Set(fmt.Sprintf("%s = $%d", col, i+1), vals[i])
		}
		n := len(cols)
		res, err := q.Set(fmt.Sprintf("updated_at = $%d", n+1), t).
			Where(fmt.Sprintf("id = $%d", n+2), m.ID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if rows, err := res.RowsAffected(); err == nil && rows == 0 {
			return fmt.Errorf("update %q: %w", m.ID, entitlement.ErrRecordNotFound)
		}

	case entitlement.OpDelete:
		if _, err := tx.NewDelete((*sqlstore.EntitlementRow)(nil)).Where("id = $1", m.ID).Exec(ctx); err != nil {
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
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		return Dialect.Errorf("record receipt", err)
	}
	return nil
}

func (s *Store) ListReceipts(ctx context.Context, userID string) ([]*receipt.Receipt, error) {
	var models []sqlstore.ReceiptRow
	err := s.pg.NewSelect(&models).
		Where("user_id = $1", userID).
		OrderExpr("purchased_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, Dialect.Errorf("list receipts", err)
	}
	return sqlstore.FromReceiptRows(models), nil
}

// ==================== Helpers ====================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeTooManyConnections,
			codeAdminShutdown, codeCannotConnectNow:
			return true
		}
		return false
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}

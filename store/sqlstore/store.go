// Package sqlstore holds what the grove-backed SQL stores share: the table
// rows, store options, group checks and error classification. The sqlite and
// postgres packages own the driver specific queries. A write group is one SQL
// transaction.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xraph/entitle/entitlement"
)

// Dialect carries the driver specific error classification.
type Dialect struct {
	// Name prefixes errors, e.g. "sqlite" yields "entitle/sqlite: ...".
	Name string
	// IsUniqueViolation reports a primary key conflict.
	IsUniqueViolation func(error) bool
	// IsTransient reports a failure worth retrying.
	IsTransient func(error) bool
}

// Errorf wraps err with the backend prefix, marking transient failures as
// store unavailability.
func (d Dialect) Errorf(op string, err error) error {
	if d.IsTransient != nil && d.IsTransient(err) && !errors.Is(err, entitlement.ErrStoreUnavailable) {
		return fmt.Errorf("entitle/%s: %s: %w: %w", d.Name, op, entitlement.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("entitle/%s: %s: %w", d.Name, op, err)
}

// CreateError maps a failed insert of id to ErrRecordExists on a key
// conflict.
func (d Dialect) CreateError(id string, err error) error {
	if d.IsUniqueViolation != nil && d.IsUniqueViolation(err) {
		return fmt.Errorf("create %q: %w", id, entitlement.ErrRecordExists)
	}
	return err
}

// CheckGroup rejects a group over the cap or with conflicting mutations.
func (d Dialect) CheckGroup(group []entitlement.Mutation, maxGroupSize int) error {
	if len(group) > maxGroupSize {
		return fmt.Errorf("entitle/%s: group of %d exceeds cap %d", d.Name, len(group), maxGroupSize)
	}
	return entitlement.ValidateGroup(group)
}

// Config is the option set shared by the SQL stores.
type Config struct {
	MaxGroupSize int
	Now          func() time.Time
}

// Option configures a SQL store.
type Option func(*Config)

// WithMaxGroupSize overrides the atomic write cap.
func WithMaxGroupSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxGroupSize = n
		}
	}
}

// WithClock sets the time source for createdAt and updatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
	}
}

// NewConfig applies opts over the defaults.
func NewConfig(opts ...Option) Config {
	c := Config{
		MaxGroupSize: entitlement.DefaultMaxGroupSize,
		Now:          time.Now,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// UTCNow returns the configured time in UTC.
func (c Config) UTCNow() time.Time {
	return c.Now().UTC()
}

// PatchColumns returns the patch as column/value pairs in column order.
func PatchColumns(p entitlement.Patch) (cols []string, vals []any) {
	fields := p.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cols = append(cols, Columns[k])
		vals = append(vals, fields[k])
	}
	return cols, vals
}

// SortedColumns lists every non-key column in a stable order.
func SortedColumns() []string {
	out := make([]string, 0, len(Columns))
	for _, c := range Columns {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// IsNoRows checks for the standard sql.ErrNoRows sentinel.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Package store defines the composite storage contract an entitle engine is
// built on.
package store

import (
	"context"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/receipt"
)

// Store is the unified storage interface for entitlements and receipts.
type Store interface {
	entitlement.Store
	receipt.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

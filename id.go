package entitle

import "github.com/xraph/entitle/id"

// ID is the TypeID wrapper used for receipts, runs and new entitlement records.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix

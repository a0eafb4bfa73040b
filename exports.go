package entitle

import (
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/types"
)

// Re-export common types for convenience so users don't have to import the
// entitlement and types packages.

// Entitlement is re-exported from the entitlement package.
type Entitlement = entitlement.Entitlement

// Tier is re-exported from the entitlement package.
type Tier = entitlement.Tier

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export tiers
const (
	TierFree      = entitlement.TierFree
	TierPremium   = entitlement.TierPremium
	TierUnlimited = entitlement.TierUnlimited
)

// Re-export Entity constructor
var NewEntity = types.NewEntity

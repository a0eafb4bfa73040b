// Package entitlement defines the per-user entitlement record, the partial
// update and mutation types written against it, and the Store contract every
// backend implements.
package entitlement

import (
	"fmt"
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

// Defaults applied to records created by the factory.
const (
	DefaultBookLimit     = 10
	CurrentSchemaVersion = 1
	freeTermYears        = 100
)

// Tier is the subscription tier of an entitlement.
type Tier string

const (
	TierFree      Tier = "free"
	TierPremium   Tier = "premium"
	TierUnlimited Tier = "unlimited"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPremium, TierUnlimited:
		return true
	}
	return false
}

// ParseTier converts s into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("entitlement: unknown tier %q", s)
	}
	return t, nil
}

// Status is the lifecycle status of an entitlement.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusPending   Status = "pending"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusExpired, StatusCancelled, StatusPending:
		return true
	}
	return false
}

// Entitlement is the stored representation of a user's subscription tier,
// status and usage quota. ID is the store identity and may differ from UserID
// on legacy records.
type Entitlement struct {
	types.Entity `bson:",inline"`

	ID                string     `json:"id" bson:"_id" firestore:"id"`
	UserID            string     `json:"userId" bson:"userId" firestore:"userId"`
	Tier              Tier       `json:"tier" bson:"tier" firestore:"tier"`
	Status            Status     `json:"status" bson:"status" firestore:"status"`
	StartDate         time.Time  `json:"startDate" bson:"startDate" firestore:"startDate"`
	EndDate           time.Time  `json:"endDate" bson:"endDate" firestore:"endDate"`
	AutoRenew         bool       `json:"autoRenew" bson:"autoRenew" firestore:"autoRenew"`
	LastLimitIncrease *time.Time `json:"lastLimitIncrease,omitempty" bson:"lastLimitIncrease,omitempty" firestore:"lastLimitIncrease,omitempty"`
	BookLimit         int        `json:"bookLimit" bson:"bookLimit" firestore:"bookLimit"`
	BooksRead         int        `json:"booksRead" bson:"booksRead" firestore:"booksRead"`
	LastPurchaseID    string     `json:"lastPurchaseId,omitempty" bson:"lastPurchaseId,omitempty" firestore:"lastPurchaseId,omitempty"`
	SchemaVersion     int        `json:"schemaVersion" bson:"schemaVersion" firestore:"schemaVersion"`
}

// NewFree builds a free-tier record for userID under a fresh identifier.
// It does not check for an existing record; callers look one up first.
func NewFree(userID string, now time.Time) *Entitlement {
	return NewFreeWithID(id.NewEntitlementID().String(), userID, now)
}

// NewFreeWithID builds a free-tier record stored under recordID.
func NewFreeWithID(recordID, userID string, now time.Time) *Entitlement {
	now = now.UTC()
	last := now
	return &Entitlement{
		Entity:            types.NewEntity(now),
		ID:                recordID,
		UserID:            userID,
		Tier:              TierFree,
		Status:            StatusActive,
		StartDate:         now,
		EndDate:           now.AddDate(freeTermYears, 0, 0),
		AutoRenew:         true,
		LastLimitIncrease: &last,
		BookLimit:         DefaultBookLimit,
		BooksRead:         0,
		SchemaVersion:     CurrentSchemaVersion,
	}
}

// IsActive reports whether the record grants access at now.
func (e *Entitlement) IsActive(now time.Time) bool {
	return e.Status == StatusActive && now.Before(e.EndDate)
}

// IsCanonical reports whether the record lives at its owner's identity key.
func (e *Entitlement) IsCanonical() bool {
	return e.ID == e.UserID
}

// Owner returns the user the record belongs to, falling back to the record
// identity for legacy documents written without a userId.
func (e *Entitlement) Owner() string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.ID
}

// Clone returns a deep copy of e.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	if e.LastLimitIncrease != nil {
		t := *e.LastLimitIncrease
		c.LastLimitIncrease = &t
	}
	return &c
}

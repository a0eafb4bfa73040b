package entitlement

import "time"

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	UserID            *string
	Tier              *Tier
	Status            *Status
	StartDate         *time.Time
	EndDate           *time.Time
	AutoRenew         *bool
	LastLimitIncrease *time.Time
	BookLimit         *int
	BooksRead         *int
	LastPurchaseID    *string
	SchemaVersion     *int
}

// Persisted field keys.
const (
	FieldUserID            = "userId"
	FieldTier              = "tier"
	FieldStatus            = "status"
	FieldStartDate         = "startDate"
	FieldEndDate           = "endDate"
	FieldAutoRenew         = "autoRenew"
	FieldLastLimitIncrease = "lastLimitIncrease"
	FieldBookLimit         = "bookLimit"
	FieldBooksRead         = "booksRead"
	FieldLastPurchaseID    = "lastPurchaseId"
	FieldSchemaVersion     = "schemaVersion"
	FieldCreatedAt         = "createdAt"
	FieldUpdatedAt         = "updatedAt"
)

// IsEmpty reports whether the patch sets no field.
func (p Patch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// Fields returns the set fields keyed by their persisted name, in a form every
// backend can translate into its own update syntax.
func (p Patch) Fields() map[string]any {
	f := make(map[string]any)
	if p.UserID != nil {
		f[FieldUserID] = *p.UserID
	}
	if p.Tier != nil {
		f[FieldTier] = string(*p.Tier)
	}
	if p.Status != nil {
		f[FieldStatus] = string(*p.Status)
	}
	if p.StartDate != nil {
		f[FieldStartDate] = p.StartDate.UTC()
	}
	if p.EndDate != nil {
		f[FieldEndDate] = p.EndDate.UTC()
	}
	if p.AutoRenew != nil {
		f[FieldAutoRenew] = *p.AutoRenew
	}
	if p.LastLimitIncrease != nil {
		f[FieldLastLimitIncrease] = p.LastLimitIncrease.UTC()
	}
	if p.BookLimit != nil {
		f[FieldBookLimit] = *p.BookLimit
	}
	if p.BooksRead != nil {
		f[FieldBooksRead] = *p.BooksRead
	}
	if p.LastPurchaseID != nil {
		f[FieldLastPurchaseID] = *p.LastPurchaseID
	}
	if p.SchemaVersion != nil {
		f[FieldSchemaVersion] = *p.SchemaVersion
	}
	return f
}

// ApplyTo writes the set fields onto e and stamps UpdatedAt with now.
func (p Patch) ApplyTo(e *Entitlement, now time.Time) {
	if p.UserID != nil {
		e.UserID = *p.UserID
	}
	if p.Tier != nil {
		e.Tier = *p.Tier
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.StartDate != nil {
		e.StartDate = p.StartDate.UTC()
	}
	if p.EndDate != nil {
		e.EndDate = p.EndDate.UTC()
	}
	if p.AutoRenew != nil {
		e.AutoRenew = *p.AutoRenew
	}
	if p.LastLimitIncrease != nil {
		t := p.LastLimitIncrease.UTC()
		e.LastLimitIncrease = &t
	}
	if p.BookLimit != nil {
		e.BookLimit = *p.BookLimit
	}
	if p.BooksRead != nil {
		e.BooksRead = *p.BooksRead
	}
	if p.LastPurchaseID != nil {
		e.LastPurchaseID = *p.LastPurchaseID
	}
	if p.SchemaVersion != nil {
		e.SchemaVersion = *p.SchemaVersion
	}
	e.Touch(now)
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T { return &v }

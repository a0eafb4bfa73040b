package entitle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/entitle/dedup"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/receipt"
)

func (e *Engine) newFree(userID string, now time.Time) *entitlement.Entitlement {
	if e.canonicalIDs {
		return entitlement.NewFreeWithID(userID, userID, now)
	}
	return entitlement.NewFree(userID, now)
}

// lookup returns userID's record, by userId field first and then by legacy
// identity key. A user with no record yields nil, nil.
func (e *Engine) lookup(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	rec, err := e.records.FindByUserID(ctx, userID)
	if err != nil || rec != nil {
		return rec, err
	}
	rec, err = e.records.Get(ctx, userID)
	switch {
	case errors.Is(err, entitlement.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	case rec.Owner() != userID:
		return nil, nil
	}
	return rec, nil
}

// ──────────────────────────────────────────────────
// Creation
// ──────────────────────────────────────────────────

// CreateFreeEntitlement creates the free record for a newly signed-up user.
// When the user already has a record it is returned together with
// ErrAlreadyExists.
func (e *Engine) CreateFreeEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "required"}
	}

	existing, err := e.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		e.logger.Debug("entitlement already exists", "user_id", userID, "entitlement_id", existing.ID)
		return existing, ErrAlreadyExists
	}

	rec := e.newFree(userID, e.clock())
	if err := e.records.Create(ctx, rec); err != nil {
		if errors.Is(err, entitlement.ErrRecordExists) {
			return nil, fmt.Errorf("%w: %w", ErrAlreadyExists, err)
		}
		return nil, err
	}

	e.logger.Info("entitlement created", "user_id", userID, "entitlement_id", rec.ID)
	e.plugins.EmitEntitlementCreated(ctx, rec)
	return rec, nil
}

// ──────────────────────────────────────────────────
// Purchases
// ──────────────────────────────────────────────────

// Purchase is an already validated store purchase.
type Purchase struct {
	UserID        string `json:"userId"`
	TransactionID string `json:"transactionId"`
	Token         string `json:"token"`
	ProductID     string `json:"productId"`
	Platform      string `json:"platform"`
}

// ApplyPurchase upgrades the user's record to an active premium term and then
// records the receipt. A user with no record gets one at their identity key.
func (e *Engine) ApplyPurchase(ctx context.Context, caller Caller, p Purchase) (*entitlement.Entitlement, error) {
	if err := requireAuthenticated(caller); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		p.UserID = caller.UID
	}
	if p.UserID != caller.UID && !caller.IsAdmin {
		return nil, ErrNotAuthorized
	}
	if p.TransactionID == "" && p.Token == "" {
		return nil, ValidationError{Field: "transactionId", Message: "transactionId or token required"}
	}

	now := e.clock()
	rc := &receipt.Receipt{
		ID:            id.NewReceiptID(),
		UserID:        p.UserID,
		TransactionID: p.TransactionID,
		Token:         p.Token,
		ProductID:     p.ProductID,
		Platform:      p.Platform,
		Status:        receipt.StatusValidated,
		Timestamp:     now,
	}

	patch := entitlement.Patch{
		Tier:           entitlement.Ptr(entitlement.TierPremium),
		Status:         entitlement.Ptr(entitlement.StatusActive),
		StartDate:      entitlement.Ptr(now),
		EndDate:        entitlement.Ptr(now.Add(e.premiumTerm)),
		LastPurchaseID: entitlement.Ptr(rc.PurchaseID()),
	}

	existing, err := e.lookup(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	var rec *entitlement.Entitlement
	if existing == nil {
		rec = entitlement.NewFreeWithID(p.UserID, p.UserID, now)
		patch.ApplyTo(rec, now)
		if err := e.records.Create(ctx, rec); err != nil {
			return nil, err
		}
	} else {
		if existing.UserID == "" {
			patch.UserID = entitlement.Ptr(p.UserID)
		}
		if err := e.records.Update(ctx, existing.ID, patch); err != nil {
			return nil, err
		}
		rec = existing
		patch.ApplyTo(rec, now)
	}

	// Recorded after the write; a failed upgrade leaves no receipt.
	if err := e.exec(ctx, func(ctx context.Context) error { return e.store.Record(ctx, rc) }); err != nil {
		return nil, fmt.Errorf("entitle: record receipt: %w", err)
	}

	e.logger.Info("purchase applied",
		"user_id", p.UserID,
		"entitlement_id", rec.ID,
		"purchase_id", rc.PurchaseID(),
	)
	e.plugins.EmitPurchaseApplied(ctx, rec, rc)
	return rec, nil
}

// ──────────────────────────────────────────────────
// Status and reporting
// ──────────────────────────────────────────────────

// Status is the read model of a user's subscription.
type Status struct {
	UserID       string             `json:"userId"`
	Active       bool               `json:"active"`
	Exists       bool               `json:"exists"`
	Tier         entitlement.Tier   `json:"tier,omitempty"`
	State        entitlement.Status `json:"status,omitempty"`
	EndDate      *time.Time         `json:"endDate,omitempty"`
	BookLimit    int                `json:"bookLimit"`
	BooksRead    int                `json:"booksRead"`
	NextIncrease *time.Time         `json:"nextIncrease,omitempty"`
}

// SubscriptionStatus reports whether userID currently holds an active
// subscription. A missing record is inactive, not an error.
func (e *Engine) SubscriptionStatus(ctx context.Context, userID string) (*Status, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "required"}
	}

	rec, err := e.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}

	st := &Status{UserID: userID}
	if rec == nil {
		return st, nil
	}

	end := rec.EndDate
	st.Exists = true
	st.Active = rec.IsActive(e.clock())
	st.Tier = rec.Tier
	st.State = rec.Status
	st.EndDate = &end
	st.BookLimit = rec.BookLimit
	st.BooksRead = rec.BooksRead
	if next, ok := e.policy.NextIncrease(rec); ok {
		st.NextIncrease = &next
	}
	return st, nil
}

// ReportLine is one free-tier record in a status report.
type ReportLine struct {
	ID                string             `json:"id"`
	UserID            string             `json:"userId"`
	Status            entitlement.Status `json:"status"`
	BookLimit         int                `json:"bookLimit"`
	BooksRead         int                `json:"booksRead"`
	LastLimitIncrease *time.Time         `json:"lastLimitIncrease,omitempty"`
	NextIncrease      *time.Time         `json:"nextIncrease,omitempty"`
	Due               bool               `json:"due"`
	NeedsBackfill     bool               `json:"needsBackfill"`
}

// Report lists every free-tier record with its growth schedule.
func (e *Engine) Report(ctx context.Context) ([]ReportLine, error) {
	records, err := e.records.FindByTier(ctx, entitlement.TierFree, entitlement.ListOpts{})
	if err != nil {
		return nil, err
	}

	now := e.clock()
	lines := make([]ReportLine, 0, len(records))
	for _, r := range records {
		line := ReportLine{
			ID:                r.ID,
			UserID:            r.UserID,
			Status:            r.Status,
			BookLimit:         r.BookLimit,
			BooksRead:         r.BooksRead,
			LastLimitIncrease: r.LastLimitIncrease,
			Due:               e.policy.ShouldGrow(r, now),
			NeedsBackfill:     e.policy.NeedsBackfill(r),
		}
		if next, ok := e.policy.NextIncrease(r); ok {
			line.NextIncrease = &next
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// ──────────────────────────────────────────────────
// Administration
// ──────────────────────────────────────────────────

// CorrectUsage sets a user's booksRead and restarts the growth clock. The
// limit is raised to leave one book of headroom but never lowered.
func (e *Engine) CorrectUsage(ctx context.Context, caller Caller, userID string, booksRead int) (*entitlement.Entitlement, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	if booksRead < 0 {
		return nil, ValidationError{Field: "booksRead", Message: "must not be negative"}
	}

	rec, err := e.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("entitle: user %q: %w", userID, ErrRecordNotFound)
	}

	now := e.clock()
	patch := entitlement.Patch{
		BooksRead:         entitlement.Ptr(booksRead),
		BookLimit:         entitlement.Ptr(max(rec.BookLimit, booksRead+1)),
		LastLimitIncrease: entitlement.Ptr(now),
	}
	if err := e.records.Update(ctx, rec.ID, patch); err != nil {
		return nil, err
	}
	patch.ApplyTo(rec, now)

	e.logger.Info("usage corrected",
		"user_id", userID,
		"entitlement_id", rec.ID,
		"books_read", rec.BooksRead,
		"book_limit", rec.BookLimit,
	)
	e.plugins.EmitUsageCorrected(ctx, userID, rec.BooksRead, rec.BookLimit)
	return rec, nil
}

// ChangeTier sets the tier of the record stored at entitlementID.
func (e *Engine) ChangeTier(ctx context.Context, caller Caller, entitlementID string, tier entitlement.Tier) (*entitlement.Entitlement, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	if !tier.Valid() {
		return nil, ValidationError{Field: "tier", Message: fmt.Sprintf("unknown tier %q", tier)}
	}

	rec, err := e.records.Get(ctx, entitlementID)
	if err != nil {
		return nil, err
	}

	from := rec.Tier
	patch := entitlement.Patch{Tier: entitlement.Ptr(tier)}
	if err := e.records.Update(ctx, entitlementID, patch); err != nil {
		return nil, err
	}
	patch.ApplyTo(rec, e.clock())

	e.logger.Info("tier changed", "entitlement_id", entitlementID, "from", string(from), "to", string(tier))
	e.plugins.EmitTierChanged(ctx, entitlementID, from, tier)
	return rec, nil
}

// ResolveDuplicates collapses one user's records onto their identity key.
func (e *Engine) ResolveDuplicates(ctx context.Context, caller Caller, userID string) (dedup.Resolution, error) {
	if err := requireAdmin(caller); err != nil {
		return dedup.Resolution{}, err
	}
	if userID == "" {
		return dedup.Resolution{}, ValidationError{Field: "userId", Message: "required"}
	}

	res, err := e.resolver.Resolve(ctx, userID)
	if err != nil {
		return res, classify(err)
	}
	if !res.NoOp() {
		e.plugins.EmitDuplicatesResolved(ctx, userID, len(res.DeletedIDs), res.Relocated)
	}
	return res, nil
}

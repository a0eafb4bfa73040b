// Package dedup collapses multiple entitlement records for one user into a
// single canonical record stored at the user's identity key.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/xraph/entitle/batch"
	"github.com/xraph/entitle/entitlement"
)

// Resolution describes how one user's records converge.
type Resolution struct {
	UserID string `json:"userId"`
	// Kept is the surviving record as it will be stored, at identity UserID.
	Kept *entitlement.Entitlement `json:"kept,omitempty"`
	// KeptFrom is the store identity the survivor was chosen from.
	KeptFrom   string   `json:"keptFrom,omitempty"`
	DeletedIDs []string `json:"deletedIds"`
	Relocated  bool     `json:"relocated"`

	Mutations []entitlement.Mutation `json:"-"`
}

// NoOp reports whether the user's records are already canonical.
func (r Resolution) NoOp() bool {
	return len(r.Mutations) == 0
}

// SweepResult summarises a full-collection sweep.
type SweepResult struct {
	Scanned  int          `json:"scanned"`
	Owners   int          `json:"owners"`
	Resolved []Resolution `json:"resolved"`
	// Conflicts lists owners skipped because their identity key is held by a
	// record belonging to another user.
	Conflicts []string     `json:"conflicts,omitempty"`
	Groups    batch.Result `json:"groups"`
}

// Resolver plans and applies deduplication.
type Resolver struct {
	store     entitlement.Store
	logger    *slog.Logger
	batchOpts []batch.Option
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithBatchOptions forwards options to the Coordinator used for commits.
func WithBatchOptions(opts ...batch.Option) Option {
	return func(r *Resolver) {
		r.batchOpts = append(r.batchOpts, opts...)
	}
}

// NewResolver returns a Resolver over store.
func NewResolver(store entitlement.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plan picks the canonical record among candidates and returns the mutations
// that converge the user onto it. It does not touch the store.
//
// The canonical record has the highest booksRead. On a tie a record already
// stored at userID wins, otherwise the first one in candidate order.
func (r *Resolver) Plan(userID string, candidates []*entitlement.Entitlement) Resolution {
	return plan(userID, candidates)
}

func plan(userID string, candidates []*entitlement.Entitlement) Resolution {
	res := Resolution{UserID: userID, DeletedIDs: []string{}}

	uniq := make([]*entitlement.Entitlement, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if c == nil || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		uniq = append(uniq, c)
	}
	if len(uniq) == 0 {
		return res
	}

	best := uniq[0]
	for _, c := range uniq[1:] {
		switch {
		case c.BooksRead > best.BooksRead:
			best = c
		case c.BooksRead == best.BooksRead && c.ID == userID && best.ID != userID:
			best = c
		}
	}
	res.KeptFrom = best.ID

	kept := best.Clone()
	kept.ID = userID
	kept.UserID = userID
	res.Kept = kept

	switch {
	case best.ID != userID:
		res.Relocated = true
		res.Mutations = append(res.Mutations, entitlement.SetOf(userID, kept))
	case best.UserID != userID:
		res.Mutations = append(res.Mutations,
			entitlement.UpdateOf(userID, entitlement.Patch{UserID: entitlement.Ptr(userID)}))
	}

	for _, c := range uniq {
		if c == best || c.ID == userID {
			// A loser at userID is overwritten by the relocation set.
			continue
		}
		res.DeletedIDs = append(res.DeletedIDs, c.ID)
		res.Mutations = append(res.Mutations, entitlement.DeleteOf(c.ID))
	}
	if res.Relocated {
		res.DeletedIDs = append(res.DeletedIDs, best.ID)
		res.Mutations = append(res.Mutations, entitlement.DeleteOf(best.ID))
	}

	return res
}

// split orders a resolution's mutations for commit. The identity write
// travels with as many loser deletes as fit beside it in one group; the other
// loser deletes may land in any group. The delete of a relocation source is
// held back until the identity write is known to have landed.
func split(res Resolution, capacity int) (unit, rest []entitlement.Mutation, source *entitlement.Mutation) {
	ms := res.Mutations
	if res.Relocated {
		last := ms[len(ms)-1]
		source = &last
		ms = ms[:len(ms)-1]
	}
	if len(ms) > 0 && ms[0].Op != entitlement.OpDelete {
		n := min(len(ms), capacity)
		return ms[:n], ms[n:], source
	}
	return nil, ms, source
}

// commit applies resolutions in two passes. The second pass deletes the
// source of each relocation whose identity record is confirmed in the store.
func (r *Resolver) commit(ctx context.Context, resolutions []Resolution) (batch.Result, error) {
	c := batch.NewCoordinator(r.store, append([]batch.Option{batch.WithLogger(r.logger)}, r.batchOpts...)...)

	var pending []Resolution
	for _, res := range resolutions {
		unit, rest, source := split(res, c.Capacity())
		if err := c.AddUnit(unit...); err != nil {
			return batch.Result{}, err
		}
		for _, m := range rest {
			c.Add(m)
		}
		if source != nil {
			pending = append(pending, res)
		}
	}

	var errs []error
	total, err := c.CommitAll(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if len(pending) == 0 || ctx.Err() != nil {
		return total, errors.Join(errs...)
	}

	for _, res := range pending {
		ok, err := r.landed(ctx, res)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			r.logger.Warn("identity record not written; keeping relocation source",
				"user_id", res.UserID,
				"source", res.KeptFrom,
			)
			continue
		}
		c.Add(entitlement.DeleteOf(res.KeptFrom))
	}

	if c.Pending() > 0 {
		second, err := c.CommitAll(ctx)
		total.Add(second)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// landed reports whether the identity record holds the kept state.
func (r *Resolver) landed(ctx context.Context, res Resolution) (bool, error) {
	got, err := r.store.Get(ctx, res.UserID)
	switch {
	case errors.Is(err, entitlement.ErrRecordNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("dedup: verify %q: %w", res.UserID, err)
	}
	return got.UserID == res.UserID && got.BooksRead >= res.Kept.BooksRead, nil
}

// Candidates loads every record that belongs to userID, by field match or by
// legacy identity match, in store order.
func (r *Resolver) Candidates(ctx context.Context, userID string) ([]*entitlement.Entitlement, error) {
	byField, err := r.store.FindAllByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("dedup: find by user %q: %w", userID, err)
	}

	byID, err := r.store.Get(ctx, userID)
	switch {
	case errors.Is(err, entitlement.ErrRecordNotFound):
		return byField, nil
	case err != nil:
		return nil, fmt.Errorf("dedup: get %q: %w", userID, err)
	}

	for _, c := range byField {
		if c.ID == byID.ID {
			return byField, nil
		}
	}
	return append(byField, byID), nil
}

// Resolve converges userID's records and commits the result. Running it on
// an already canonical user writes nothing.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Resolution, error) {
	if userID == "" {
		return Resolution{}, errors.New("dedup: empty user id")
	}

	candidates, err := r.Candidates(ctx, userID)
	if err != nil {
		return Resolution{UserID: userID}, err
	}

	res := plan(userID, candidates)
	if res.NoOp() {
		return res, nil
	}

	if _, err := r.commit(ctx, []Resolution{res}); err != nil {
		return res, fmt.Errorf("dedup: resolve %q: %w", userID, err)
	}

	r.logger.Info("duplicates resolved",
		"user_id", userID,
		"kept_from", res.KeptFrom,
		"deleted", len(res.DeletedIDs),
		"relocated", res.Relocated,
	)
	return res, nil
}

// Sweep partitions the whole collection by owner and converges every owner
// that has more than one record or a record stored away from its identity
// key. All owners' mutations share one Coordinator.
func (r *Resolver) Sweep(ctx context.Context) (SweepResult, error) {
	all, err := r.store.FindAll(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("dedup: scan: %w", err)
	}

	byOwner := make(map[string][]*entitlement.Entitlement)
	byID := make(map[string]*entitlement.Entitlement, len(all))
	for _, e := range all {
		byOwner[e.Owner()] = append(byOwner[e.Owner()], e)
		byID[e.ID] = e
	}

	owners := make([]string, 0, len(byOwner))
	for o := range byOwner {
		owners = append(owners, o)
	}
	sort.Strings(owners)

	out := SweepResult{Scanned: len(all), Owners: len(owners), Resolved: []Resolution{}}

	for _, owner := range owners {
		if holder, ok := byID[owner]; ok && holder.Owner() != owner {
			r.logger.Warn("identity key held by another user",
				"user_id", owner,
				"holder_user_id", holder.Owner(),
			)
			out.Conflicts = append(out.Conflicts, owner)
			continue
		}

		res := plan(owner, byOwner[owner])
		if res.NoOp() {
			continue
		}
		out.Resolved = append(out.Resolved, res)
	}

	groups, err := r.commit(ctx, out.Resolved)
	out.Groups = groups
	if err != nil {
		return out, fmt.Errorf("dedup: sweep: %w", err)
	}

	r.logger.Info("duplicate sweep finished",
		"scanned", out.Scanned,
		"resolved", len(out.Resolved),
		"conflicts", len(out.Conflicts),
		"groups", groups.CommittedGroups,
	)
	return out, nil
}

package entitle

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/xraph/entitle/batch"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plugin"
)

// RunKind names an orchestrator run.
type RunKind string

const (
	RunReconcile      RunKind = "reconcile"
	RunBackfillLimits RunKind = "backfill-limits"
	RunBackfillUsers  RunKind = "backfill-users"
	RunDedupSweep     RunKind = "dedup-sweep"
)

// RunResult is the structured outcome of an orchestrator run.
type RunResult struct {
	RunID          string       `json:"runId"`
	Kind           RunKind      `json:"kind"`
	ProcessedCount int          `json:"processedCount"`
	UpdatedCount   int          `json:"updatedCount"`
	Groups         batch.Result `json:"groups"`
	StartedAt      time.Time    `json:"startedAt"`
	FinishedAt     time.Time    `json:"finishedAt"`
}

// Duration returns how long the run took.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *RunResult) summary() plugin.RunSummary {
	return plugin.RunSummary{
		RunID:           r.RunID,
		Kind:            string(r.Kind),
		Processed:       r.ProcessedCount,
		Updated:         r.UpdatedCount,
		CommittedGroups: r.Groups.CommittedGroups,
		FailedGroups:    r.Groups.FailedGroups,
		SkippedGroups:   r.Groups.SkippedGroups,
		Elapsed:         r.Duration(),
	}
}

// run drives Start → body → Done | Failed under the run timeout.
func (e *Engine) run(ctx context.Context, kind RunKind, body func(ctx context.Context, res *RunResult) (Phase, error)) (*RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()

	res := &RunResult{
		RunID:     id.NewRunID().String(),
		Kind:      kind,
		StartedAt: e.clock(),
	}
	log := e.logger.With("run", res.RunID, "kind", string(kind))
	log.Info("run started")

	phase, err := body(ctx, res)
	res.FinishedAt = e.clock()

	if err != nil {
		err = &RunError{Kind: kind, Phase: phase, Result: res, Err: classify(err)}
		log.Error("run failed",
			"phase", string(phase),
			"processed", res.ProcessedCount,
			"updated", res.UpdatedCount,
			"groups", res.Groups.CommittedGroups,
			"failed_groups", res.Groups.FailedGroups,
			"skipped_groups", res.Groups.SkippedGroups,
			"error", err,
		)
		e.plugins.EmitRunFailed(context.WithoutCancel(ctx), res.summary(), err)
		return res, err
	}

	log.Info("run finished",
		"processed", res.ProcessedCount,
		"updated", res.UpdatedCount,
		"groups", res.Groups.CommittedGroups,
		"elapsed", res.Duration(),
	)
	e.plugins.EmitRunCompleted(context.WithoutCancel(ctx), res.summary())
	return res, nil
}

// commit flushes c into res and reports the commit phase on failure.
func (e *Engine) commit(ctx context.Context, c *batch.Coordinator, res *RunResult) (Phase, error) {
	groups, err := c.CommitAll(ctx)
	res.Groups.Add(groups)
	res.UpdatedCount += groups.CommittedMutations
	if err != nil {
		return PhaseCommit, err
	}
	return "", nil
}

// ReconcileQuotas grows the book limit of every active free record whose
// growth interval has elapsed. Re-running inside the same window changes
// nothing.
func (e *Engine) ReconcileQuotas(ctx context.Context) (*RunResult, error) {
	return e.run(ctx, RunReconcile, func(ctx context.Context, res *RunResult) (Phase, error) {
		records, err := e.records.FindByTier(ctx, entitlement.TierFree, entitlement.ListOpts{Status: entitlement.StatusActive})
		if err != nil {
			return PhaseScan, err
		}
		res.ProcessedCount = len(records)

		now := e.clock()
		c := e.coordinator()
		for _, r := range records {
			if e.policy.ShouldGrow(r, now) {
				c.Add(entitlement.UpdateOf(r.ID, e.policy.Apply(r, now)))
			}
		}

		phase, err := e.commit(ctx, c, res)
		if res.UpdatedCount > 0 {
			e.plugins.EmitQuotaGrown(context.WithoutCancel(ctx), res.UpdatedCount)
		}
		return phase, err
	})
}

// BackfillLimits starts the growth clock on legacy free records and stamps
// them with the current schema version. Records already initialized are left
// alone, so the run is safe to repeat.
func (e *Engine) BackfillLimits(ctx context.Context) (*RunResult, error) {
	return e.run(ctx, RunBackfillLimits, func(ctx context.Context, res *RunResult) (Phase, error) {
		records, err := e.records.FindByTier(ctx, entitlement.TierFree, entitlement.ListOpts{})
		if err != nil {
			return PhaseScan, err
		}
		res.ProcessedCount = len(records)

		now := e.clock()
		c := e.coordinator()
		for _, r := range records {
			if e.policy.NeedsBackfill(r) {
				c.Add(entitlement.UpdateOf(r.ID, e.policy.Backfill(r, now)))
			}
		}
		return e.commit(ctx, c, res)
	})
}

// BackfillUsers creates free records for every listed user that has none.
// Only admins may run it.
func (e *Engine) BackfillUsers(ctx context.Context, caller Caller, userIDs []string) (*RunResult, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}

	uids := slices.Compact(slices.Sorted(slices.Values(userIDs)))
	uids = slices.DeleteFunc(uids, func(s string) bool { return s == "" })

	return e.run(ctx, RunBackfillUsers, func(ctx context.Context, res *RunResult) (Phase, error) {
		now := e.clock()
		c := e.coordinator()
		var created []*entitlement.Entitlement

		for _, uid := range uids {
			existing, err := e.lookup(ctx, uid)
			if err != nil {
				return PhaseScan, err
			}
			res.ProcessedCount++
			if existing != nil {
				continue
			}
			rec := e.newFree(uid, now)
			c.Add(entitlement.CreateOf(rec))
			created = append(created, rec)
		}

		phase, err := e.commit(ctx, c, res)
		if err == nil {
			for _, rec := range created {
				e.plugins.EmitEntitlementCreated(ctx, rec)
			}
		}
		return phase, err
	})
}

// SweepDuplicates collapses every user's records onto one canonical record.
func (e *Engine) SweepDuplicates(ctx context.Context) (*RunResult, error) {
	return e.run(ctx, RunDedupSweep, func(ctx context.Context, res *RunResult) (Phase, error) {
		out, err := e.resolver.Sweep(ctx)
		res.ProcessedCount = out.Scanned
		res.Groups = out.Groups
		if err != nil {
			var ce *batch.CommitError
			if errors.As(err, &ce) {
				res.UpdatedCount = out.Groups.CommittedMutations
				return PhaseCommit, err
			}
			return PhaseScan, err
		}

		res.UpdatedCount = len(out.Resolved)
		for _, r := range out.Resolved {
			e.plugins.EmitDuplicatesResolved(ctx, r.UserID, len(r.DeletedIDs), r.Relocated)
		}
		return "", nil
	})
}

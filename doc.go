// Package entitle reconciles subscription entitlements for a reading app.
//
// Every user owns one entitlement record keyed by their identity. The engine
// keeps those records consistent as signups, purchases and scheduled jobs
// touch them:
//
//   - Free records grow their book limit by one each week the user stays
//     active, at most once per window however often the job runs
//   - Legacy records are backfilled with the fields the growth clock needs
//   - Users missing a record get a free one
//   - Duplicate records for one user are collapsed onto the identity key
//
// Bulk runs split their writes into groups no larger than the store's atomic
// write cap and commit them in parallel. A failed group never undoes another
// group, so a run reports exactly what was committed through RunResult and
// RunError.
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/entitle"
//	    "github.com/xraph/entitle/store/memory"
//	)
//
//	e := entitle.New(memory.New())
//	if err := e.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Stop(ctx)
//
//	rec, err := e.CreateFreeEntitlement(ctx, "user-123")
//
//	res, err := e.ReconcileQuotas(ctx)
//	var runErr *entitle.RunError
//	if errors.As(err, &runErr) && entitle.IsRetryable(err) {
//	    // some groups committed; re-running is safe
//	}
//
// # Stores
//
// Backends live under store/: memory for tests, firestore and mongo for
// document databases, postgres and sqlite for SQL. Each commits a write
// group atomically.
//
// # Plugins
//
// Plugins observe lifecycle events by implementing the hook interfaces in
// package plugin. See observability for metrics and audit_hook for an audit
// trail.
package entitle

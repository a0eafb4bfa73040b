package audithook

// Action constants for audit events.
const (
	// Entitlement actions
	ActionEntitlementCreated = "entitlement.created"
	ActionPurchaseApplied    = "purchase.applied"
	ActionTierChanged        = "tier.changed"
	ActionUsageCorrected     = "usage.corrected"

	// Reconciliation actions
	ActionQuotaGrown         = "quota.grown"
	ActionDuplicatesResolved = "duplicates.resolved"
	ActionRunCompleted       = "run.completed"
	ActionRunFailed          = "run.failed"
)

// Resource constants for audit events.
const (
	ResourceEntitlement = "entitlement"
	ResourceReceipt     = "receipt"
	ResourceRun         = "run"
)

// Category constants for audit events.
const (
	CategoryEntitlement    = "entitlement"
	CategoryPayment        = "payment"
	CategoryAdmin          = "admin"
	CategoryReconciliation = "reconciliation"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

package store

import (
	"context"
	"time"

	"github.com/execguard/broker/internal/canon"
)

// EnvelopeFilter scopes EnvelopeStore.List (spec.md §4.2).
type EnvelopeFilter struct {
	PrincipalID    string
	OrganizationID string
	Status         EnvelopeStatus
	Limit          int
}

// EnvelopeStore persists ActionEnvelopes.
type EnvelopeStore interface {
	Create(ctx context.Context, e Envelope) (Envelope, error)
	Get(ctx context.Context, id string) (Envelope, error)
	// Update writes e back, verifying e.Version against the stored
	// version and bumping it; mirrors the optimistic-version discipline
	// used for approvals, kept uniform across the store layer.
	Update(ctx context.Context, e Envelope) (Envelope, error)
	List(ctx context.Context, f EnvelopeFilter) ([]Envelope, error)
}

// PolicyFilter scopes PolicyStore.List: nil CartridgeID/OrganizationID
// mean "global" per spec.md's cartridgeId=null / organizationId=null
// semantics, so the filter itself only narrows by org+cartridge, never
// excludes globally-scoped policies.
type PolicyFilter struct {
	CartridgeID    string
	OrganizationID string
}

// PolicyStore persists governance policies, returned ascending by
// priority (ties broken by id) as spec.md §3 requires.
type PolicyStore interface {
	Create(ctx context.Context, p Policy) (Policy, error)
	Get(ctx context.Context, id string) (Policy, error)
	Update(ctx context.Context, p Policy) (Policy, error)
	Delete(ctx context.Context, id string) error
	// List returns policies applicable to the given cartridge/org: those
	// with a nil CartridgeID or CartridgeID==f.CartridgeID, intersected
	// the same way on OrganizationID, sorted ascending by (priority, id).
	List(ctx context.Context, f PolicyFilter) ([]Policy, error)
}

// IdentityStore persists IdentitySpecs and RoleOverlays.
type IdentityStore interface {
	GetSpec(ctx context.Context, principalID string) (IdentitySpec, error)
	PutSpec(ctx context.Context, spec IdentitySpec) (IdentitySpec, error)
	GetSpecByID(ctx context.Context, specID string) (IdentitySpec, error)
	ActiveOverlays(ctx context.Context, principalID string) ([]RoleOverlay, error)
	PutOverlay(ctx context.Context, principalID string, overlay RoleOverlay) (RoleOverlay, error)
}

// PrincipalStore persists Principal records.
type PrincipalStore interface {
	Get(ctx context.Context, id string) (Principal, error)
	Put(ctx context.Context, p Principal) (Principal, error)
}

// DelegationStore persists DelegationRules, queried either by grantor
// (who a principal has delegated to) or by grantee (the reverse index
// approval.ResolveDelegationChain's backward BFS walks from a
// responder up toward an actual approver).
type DelegationStore interface {
	RulesByGrantor(ctx context.Context, grantorID string) ([]DelegationRule, error)
	RulesByGrantee(ctx context.Context, granteeID string) ([]DelegationRule, error)
	Put(ctx context.Context, rule DelegationRule) error
}

// ApprovalStore persists ApprovalRequest/ApprovalState pairs.
type ApprovalStore interface {
	Create(ctx context.Context, a Approval) (Approval, error)
	Get(ctx context.Context, id string) (Approval, error)
	// UpdateState writes newState back after verifying newState.Version
	// equals the stored version, bumping the stored version by one on
	// success; a mismatch returns errs.KindStaleVersion.
	UpdateState(ctx context.Context, id string, newState ApprovalState) (Approval, error)
	ListPending(ctx context.Context, organizationID string) ([]Approval, error)
}

// CompetenceStore persists CompetenceRecords keyed by
// (principalID, actionType).
type CompetenceStore interface {
	Get(ctx context.Context, principalID, actionType string) (CompetenceRecord, bool, error)
	Put(ctx context.Context, rec CompetenceRecord) error
}

// Cartridge is the interface the core consumes from a pluggable
// integration (spec.md §6). Optional capabilities (resolveEntity,
// searchCampaigns, captureSnapshot) are split into their own
// capability interfaces below rather than probed via reflection, per
// design note §9.
type Cartridge interface {
	Manifest() CartridgeManifest
	Initialize(ctx context.Context) error
	EnrichContext(ctx context.Context, actionType string, params canon.Value, rctx RequestContext) (canon.Value, error)
	Execute(ctx context.Context, actionType string, params canon.Value, rctx RequestContext) (ExecutionResult, error)
	GetRiskInput(ctx context.Context, actionType string, params canon.Value, rctx RequestContext) (RiskInput, error)
	GetGuardrails(ctx context.Context) (Guardrails, error)
	HealthCheck(ctx context.Context) (HealthStatus, error)
}

// EntityResolver is the optional capability for cartridges that can
// resolve a caller-supplied reference to a concrete entity.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, inputRef, entityType string) (ResolveOutcome, error)
}

// SnapshotCapturer is the optional capability for cartridges that can
// capture a point-in-time snapshot of entity state for the audit
// trail.
type SnapshotCapturer interface {
	CaptureSnapshot(ctx context.Context, entityType, entityID string) (map[string]interface{}, error)
}

// ResolveOutcome is what ResolveEntity returns: either a unique match,
// zero matches, or several ambiguous candidates.
type ResolveOutcome struct {
	Found        bool
	Entity       ResolvedEntity
	Alternatives []ResolvedEntity
}

// RequestContext is the enrichment/execution context threaded through
// cartridge calls: principal/org identity, trace id, and anything
// EnrichContext added.
type RequestContext struct {
	PrincipalID    string
	OrganizationID string
	TraceID        string
	Enriched       map[string]interface{}
}

// RiskInput is what a cartridge reports for risk scoring (spec.md
// §4.5/§6).
type RiskInput struct {
	BaseRisk      string
	DollarsAtRisk float64
	BlastRadius   int
	Reversibility string // full | partial | none
	EntityVolatile      bool
	LearningPhase       bool
	RecentlyModified    bool
}

// Guardrails is what a cartridge reports it wants enforced (spec.md
// §6).
type Guardrails struct {
	RateLimits       []RateLimitSpec
	Cooldowns        []CooldownSpec
	ProtectedEntities []string
}

// RateLimitSpec names a scope and its window/limit.
type RateLimitSpec struct {
	Scope     string
	Max       int
	WindowMs  int64
}

// CooldownSpec names an entity scope and its cooldown duration.
type CooldownSpec struct {
	EntityKey string
	CooldownMs int64
}

// HealthStatus is a cartridge's self-reported connectivity.
type HealthStatus struct {
	Status       string // connected | degraded | disconnected
	LatencyMs    int64
	Error        string
	Capabilities []string
}

// CartridgeRegistry is the process-wide name→instance map (spec.md
// §4.2/§5). Mutated only at bootstrap or via explicit admin
// register/unregister; readers take snapshots.
type CartridgeRegistry interface {
	Register(c Cartridge) error
	Unregister(id string) error
	Get(id string) (Cartridge, bool)
	Snapshot() []Cartridge
	// OnChange registers a callback invoked after any
	// Register/Unregister, used to invalidate the policy cache.
	OnChange(fn func())
}

// now is an overridable clock variable. The in-memory stores in
// memory.go do not read it: they call time.Now directly, so overriding
// it does not change the timestamps they assign.
var now = time.Now

// Package store defines the broker's persistence contracts (spec.md
// C2) and a complete in-memory implementation suitable for tests and
// single-node deployments. Entities are plain Go structs; dynamic
// shapes (proposal parameters) use canon.Value rather than
// interface{} so canonicalization stays deterministic end to end.
package store

import (
	"time"

	"github.com/execguard/broker/internal/canon"
)

// EnvelopeStatus is the closed set of ActionEnvelope lifecycle states.
type EnvelopeStatus string

const (
	EnvelopeProposed        EnvelopeStatus = "proposed"
	EnvelopePendingApproval EnvelopeStatus = "pending_approval"
	EnvelopeApproved        EnvelopeStatus = "approved"
	EnvelopeExecuting       EnvelopeStatus = "executing"
	EnvelopeExecuted        EnvelopeStatus = "executed"
	EnvelopeDenied          EnvelopeStatus = "denied"
	EnvelopeExpired         EnvelopeStatus = "expired"
	EnvelopeFailed          EnvelopeStatus = "failed"
	EnvelopeRolledBack      EnvelopeStatus = "rolled_back"
)

// Valid reports whether s is one of the closed set of statuses above.
func (s EnvelopeStatus) Valid() bool {
	switch s {
	case EnvelopeProposed, EnvelopePendingApproval, EnvelopeApproved, EnvelopeExecuting,
		EnvelopeExecuted, EnvelopeDenied, EnvelopeExpired, EnvelopeFailed, EnvelopeRolledBack:
		return true
	}
	return false
}

// terminal reports whether s is one of the terminal statuses that must
// each produce exactly one matching audit entry (spec.md invariant 1).
func (s EnvelopeStatus) terminal() bool {
	switch s {
	case EnvelopeExecuted, EnvelopeDenied, EnvelopeExpired, EnvelopeFailed, EnvelopeRolledBack:
		return true
	}
	return false
}

// Terminal is the exported form of terminal, for callers deciding
// whether a transition must be paired with an audit append.
func (s EnvelopeStatus) Terminal() bool { return s.terminal() }

// Proposal is one caller-submitted candidate action within an
// envelope's lifecycle.
type Proposal struct {
	ID         string       `json:"id"`
	ActionType string       `json:"actionType"`
	Parameters canon.Value  `json:"parameters"`
	Evidence   []string     `json:"evidence,omitempty"`
	Confidence float64      `json:"confidence"`
}

// ResolvedEntity records what an entityRef resolved to, for display
// and for re-verification before execute.
type ResolvedEntity struct {
	InputRef   string  `json:"inputRef"`
	EntityType string  `json:"entityType"`
	EntityID   string  `json:"entityId"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ExecutionResult mirrors the cartridge contract's ExecuteResult
// (spec.md §4.7/§6), persisted on the envelope once execute returns.
type ExecutionResult struct {
	Success           bool       `json:"success"`
	Summary           string     `json:"summary"`
	ExternalRefs      []string   `json:"externalRefs,omitempty"`
	RollbackAvailable bool       `json:"rollbackAvailable"`
	PartialFailures   []string   `json:"partialFailures,omitempty"`
	DurationMs        int64      `json:"durationMs"`
	UndoRecipe        *UndoRecipe `json:"undoRecipe,omitempty"`
}

// UndoRecipe describes how to synthesize the reverse of an executed,
// reversible action (spec.md §4.7).
type UndoRecipe struct {
	OriginalActionID      string    `json:"originalActionId"`
	OriginalEnvelopeID    string    `json:"originalEnvelopeId"`
	ReverseActionType     string    `json:"reverseActionType"`
	ReverseParameters     canon.Value `json:"reverseParameters"`
	UndoExpiresAt         time.Time `json:"undoExpiresAt"`
	UndoRiskCategory      string    `json:"undoRiskCategory"`
	UndoApprovalRequired  string    `json:"undoApprovalRequired"`
}

// Envelope is the full lifecycle record of a proposed action
// (spec.md §3 ActionEnvelope).
type Envelope struct {
	ID                string           `json:"id"`
	Version           int              `json:"version"`
	PrincipalID       string           `json:"principalId"`
	OrganizationID    string           `json:"organizationId"`
	CartridgeID       string           `json:"cartridgeId"`
	Proposals         []Proposal       `json:"proposals"`
	ResolvedEntities  []ResolvedEntity `json:"resolvedEntities,omitempty"`
	DecisionTrace     *DecisionTrace   `json:"decisionTrace,omitempty"`
	ApprovalRequestID string           `json:"approvalRequestId,omitempty"`
	ExecutionResult   *ExecutionResult `json:"executionResult,omitempty"`
	AuditEntryIDs     []string         `json:"auditEntryIds,omitempty"`
	Status            EnvelopeStatus   `json:"status"`
	ParentEnvelopeID  string           `json:"parentEnvelopeId,omitempty"`
	TraceID           string           `json:"traceId,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// DecisionTrace is the ordered, human-readable record of every check
// that contributed to a policy decision (spec.md §4.4/glossary).
type DecisionTrace struct {
	Checks           []CheckResult `json:"checks"`
	RiskScore        float64       `json:"riskScore"`
	RiskCategory     string        `json:"riskCategory"`
	Decision         string        `json:"decision"` // allow | deny | require_approval
	ApprovalRequired string        `json:"approvalRequired"`
	Explanation      string        `json:"explanation"`
	EvaluatedAt      time.Time     `json:"evaluatedAt"`
}

// CheckResult is one policy-rule-tree leaf evaluation or one
// of the independent checks (forbidden behaviors, rate limit,
// cooldown, protected entity).
type CheckResult struct {
	Code        string `json:"code"`
	Matched     bool   `json:"matched"`
	Effect      string `json:"effect,omitempty"`
	HumanDetail string `json:"humanDetail"`
}

// Condition is a policy rule tree leaf or composite node.
type Condition struct {
	// Leaf fields.
	Field    string      `json:"field,omitempty"`
	Operator string      `json:"operator,omitempty"`
	Value    canon.Value `json:"value,omitempty"`

	// Composite fields.
	Composition string      `json:"composition,omitempty"` // AND | OR | NOT
	Children    []Condition `json:"children,omitempty"`
}

// IsComposite reports whether this node is AND/OR/NOT rather than a
// leaf condition.
func (c Condition) IsComposite() bool { return c.Composition != "" }

// PolicyEffect is the closed set of effects a matching policy applies.
type PolicyEffect string

const (
	EffectAllow            PolicyEffect = "allow"
	EffectDeny             PolicyEffect = "deny"
	EffectRequireApproval  PolicyEffect = "require_approval"
	EffectTransform        PolicyEffect = "transform"
)

// Policy is a single priority-ordered governance rule (spec.md §3).
type Policy struct {
	ID                 string       `json:"id"`
	Priority           int          `json:"priority"`
	Active             bool         `json:"active"`
	CartridgeID         *string     `json:"cartridgeId"` // nil = applies to all cartridges
	OrganizationID      *string     `json:"organizationId"` // nil = applies to all orgs
	Rule               Condition    `json:"rule"`
	Effect             PolicyEffect `json:"effect"`
	ApprovalRequirement string       `json:"approvalRequirement,omitempty"`
	// Transform holds the field overrides applied to the evaluation
	// parameters when Effect == EffectTransform; keys are top-level
	// parameter names (e.g. "amount"), and a dotted key is set as a
	// literal top-level key, not as a nested path. They are applied
	// before evaluation continues to the next policy.
	Transform map[string]canon.Value `json:"transform,omitempty"`
}

// ApprovalLevel is the closed, ordered set of approval floors.
type ApprovalLevel string

const (
	ApprovalNone      ApprovalLevel = "none"
	ApprovalStandard  ApprovalLevel = "standard"
	ApprovalElevated  ApprovalLevel = "elevated"
	ApprovalMandatory ApprovalLevel = "mandatory"
)

var approvalLevelRank = map[ApprovalLevel]int{
	ApprovalNone:      0,
	ApprovalStandard:  1,
	ApprovalElevated:  2,
	ApprovalMandatory: 3,
}

// Stricter reports whether a is a strictly higher approval floor
// than b.
func (a ApprovalLevel) Stricter(b ApprovalLevel) bool {
	return approvalLevelRank[a] > approvalLevelRank[b]
}

// Max returns whichever of a, b is the stricter level.
func (a ApprovalLevel) Max(b ApprovalLevel) ApprovalLevel {
	if a.Stricter(b) {
		return a
	}
	return b
}

// Min returns whichever of a, b is the more permissive level.
func (a ApprovalLevel) Min(b ApprovalLevel) ApprovalLevel {
	if a.Stricter(b) {
		return b
	}
	return a
}

// GovernanceProfile is a preset bundle of risk-tolerance/spend-limit
// defaults (glossary).
type GovernanceProfile string

const (
	ProfileObserve GovernanceProfile = "observe"
	ProfileGuarded GovernanceProfile = "guarded"
	ProfileStrict  GovernanceProfile = "strict"
	ProfileLocked  GovernanceProfile = "locked"
)

// SpendLimits caps total and per-cartridge spend; nil means unbounded.
type SpendLimits struct {
	Global     *float64           `json:"global,omitempty"`
	PerCartridge map[string]float64 `json:"perCartridge,omitempty"`
}

// IdentitySpec is the stored, per-principal/org governance
// configuration (spec.md §3).
type IdentitySpec struct {
	ID                 string                   `json:"id"`
	PrincipalID        string                   `json:"principalId"`
	OrganizationID      string                   `json:"organizationId"`
	RiskTolerance      map[string]ApprovalLevel `json:"riskTolerance"`
	GlobalSpendLimits  SpendLimits              `json:"globalSpendLimits"`
	CartridgeSpendLimits map[string]SpendLimits `json:"cartridgeSpendLimits,omitempty"`
	ForbiddenBehaviors []string                 `json:"forbiddenBehaviors,omitempty"`
	TrustBehaviors     []string                 `json:"trustBehaviors,omitempty"`
	GovernanceProfile  GovernanceProfile        `json:"governanceProfile,omitempty"`
	DelegatedApprovers []string                 `json:"delegatedApprovers,omitempty"`
}

// OverlayMode determines how an overlay's fields combine with the base.
type OverlayMode string

const (
	OverlayRestrict OverlayMode = "restrict"
	OverlayExtend   OverlayMode = "extend"
)

// OverlayConditions gates when a RoleOverlay is active.
type OverlayConditions struct {
	CartridgeIDs  []string `json:"cartridgeIds,omitempty"`
	RiskCategories []string `json:"riskCategories,omitempty"`
	// TimeWindows, each a day-of-week set plus an hour range, evaluated
	// in Timezone.
	TimeWindows []TimeWindow `json:"timeWindows,omitempty"`
	Timezone    string       `json:"timezone,omitempty"`
}

// TimeWindow is a day-of-week + hour-of-day range condition.
type TimeWindow struct {
	Days      []time.Weekday `json:"days"`
	StartHour int            `json:"startHour"`
	EndHour   int            `json:"endHour"` // exclusive
}

// RoleOverlay is a conditional modifier applied on top of an identity
// spec (spec.md §3).
type RoleOverlay struct {
	ID         string            `json:"id"`
	Mode       OverlayMode       `json:"mode"`
	Priority   int               `json:"priority"`
	Active     bool              `json:"active"`
	Conditions OverlayConditions `json:"conditions"`
	Overrides  IdentitySpec      `json:"overrides"`
}

// PrincipalType is the closed set of principal kinds.
type PrincipalType string

const (
	PrincipalUser   PrincipalType = "user"
	PrincipalAgent  PrincipalType = "agent"
	PrincipalSystem PrincipalType = "system"
)

// Principal is a caller identity (spec.md §3).
type Principal struct {
	ID             string        `json:"id"`
	Type           PrincipalType `json:"type"`
	OrganizationID string        `json:"organizationId"`
	Roles          []string      `json:"roles,omitempty"`
}

// DelegationRule grants grantee the right to act on grantor's behalf
// within scope, for delegation-chain resolution (spec.md §4.6).
type DelegationRule struct {
	Grantor      string     `json:"grantor"`
	Grantee      string     `json:"grantee"`
	Scope        string     `json:"scope"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	MaxChainDepth int       `json:"maxChainDepth"`
}

// ApprovalStatus is the closed set of approval-request states.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
	ApprovalPatched  ApprovalStatus = "patched"
)

// QuorumEntry is one approver's contribution under quorum mode.
type QuorumEntry struct {
	ApproverID string    `json:"approverId"`
	Hash       string    `json:"hash"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// Quorum configures N-of-M approval and tracks contributed entries.
type Quorum struct {
	Required int           `json:"required"`
	Entries  []QuorumEntry `json:"entries"`
}

// ApprovalRequest is the immutable part of an approval (spec.md §3).
type ApprovalRequest struct {
	ID               string         `json:"id"`
	ActionID         string         `json:"actionId"`
	EnvelopeID       string         `json:"envelopeId"`
	Summary          string         `json:"summary"`
	RiskCategory     string         `json:"riskCategory"`
	BindingHash      string         `json:"bindingHash"`
	Approvers        []string       `json:"approvers"`
	FallbackApprover string         `json:"fallbackApprover,omitempty"`
	ExpiresAt        time.Time      `json:"expiresAt"`
	ExpiredBehavior  string         `json:"expiredBehavior"` // always "deny"
	QuorumRequired   int            `json:"quorumRequired,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// ApprovalState is the mutable half of an approval (spec.md §3).
type ApprovalState struct {
	ID           string         `json:"id"`
	Status       ApprovalStatus `json:"status"`
	RespondedBy  string         `json:"respondedBy,omitempty"`
	RespondedAt  *time.Time     `json:"respondedAt,omitempty"`
	PatchValue   canon.Value    `json:"patchValue,omitempty"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	Quorum       *Quorum        `json:"quorum,omitempty"`
	Version      int            `json:"version"`
}

// IsExpired implements the spec's lazily-computed expiry predicate.
func (s ApprovalState) IsExpired(now time.Time) bool {
	return s.Status == ApprovalPending && now.After(s.ExpiresAt)
}

// Approval bundles a request with its current state for storage and
// transport convenience.
type Approval struct {
	Request ApprovalRequest `json:"request"`
	State   ApprovalState   `json:"state"`
}

// CompetenceEvent is one entry in a CompetenceRecord's history.
type CompetenceEvent struct {
	Kind      string    `json:"kind"` // success | failure | rollback | promote | demote
	At        time.Time `json:"at"`
	ScoreAfter float64  `json:"scoreAfter"`
}

// CompetenceRecord tracks a principal's reliability for one action
// type (spec.md §3/§4.11).
type CompetenceRecord struct {
	PrincipalID          string            `json:"principalId"`
	ActionType           string            `json:"actionType"`
	SuccessCount         int               `json:"successCount"`
	FailureCount         int               `json:"failureCount"`
	RollbackCount        int               `json:"rollbackCount"`
	ConsecutiveSuccesses int               `json:"consecutiveSuccesses"`
	Score                float64           `json:"score"`
	LastActivityAt       time.Time         `json:"lastActivityAt"`
	LastDecayAppliedAt   time.Time         `json:"lastDecayAppliedAt"`
	History              []CompetenceEvent `json:"history,omitempty"`
}

// CartridgeManifestAction describes one action a cartridge exposes.
type CartridgeManifestAction struct {
	ActionType        string `json:"actionType"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	ParametersSchema  canon.Value `json:"parametersSchema,omitempty"`
	BaseRiskCategory  string `json:"baseRiskCategory"`
	Reversible        bool   `json:"reversible"`
}

// CartridgeManifest is a cartridge's static self-description
// (spec.md §6).
type CartridgeManifest struct {
	ID                  string                    `json:"id"`
	Name                string                    `json:"name"`
	Version             string                    `json:"version"`
	Actions             []CartridgeManifestAction `json:"actions"`
	RequiredConnections []string                  `json:"requiredConnections,omitempty"`
}

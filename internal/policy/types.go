// Package policy implements the broker's condition-tree governance
// engine (spec.md C4): priority-ordered rule evaluation over a flat
// context, independent forbidden/rate-limit/cooldown/protected-entity
// checks, and a per-leaf DecisionTrace — generalized from the
// teacher's policy engine (package layout, a TTL cache, zap logging;
// the teacher's canary/dry-run mode is not carried over), with its
// OPA/rego evaluator core
// replaced: rego cannot expose a per-leaf decision trace or model the
// continuing (require_approval/transform) control flow this engine
// needs, so the rule tree is walked natively instead.
package policy

import (
	"time"

	"github.com/execguard/broker/internal/identity"
	"github.com/execguard/broker/internal/risk"
	"github.com/execguard/broker/internal/store"
)

// Input bundles everything Evaluate needs (spec.md §4.4). Risk is
// computed upstream by C5 (the orchestrator calls the risk scorer
// before policy evaluation, per spec.md §4.8 step 5-6) and passed in
// rather than recomputed here.
type Input struct {
	ActionType     string
	Parameters     map[string]interface{}
	Identity       identity.ResolvedIdentity
	CartridgeID    string
	OrganizationID string
	Metadata       map[string]interface{}
	Context        map[string]interface{}
	Now            time.Time
	Risk           risk.Output
	Guardrails     store.Guardrails
	// EntityIDs are the resolved entity ids this action touches, used
	// for the protected-entity check and to key cooldown scopes.
	EntityIDs []string
}

// Decision is Evaluate's full result, including the trace.
type Decision struct {
	Effect           store.PolicyEffect // allow | deny | require_approval
	ApprovalRequired store.ApprovalLevel
	Parameters       map[string]interface{} // possibly transformed
	Trace            store.DecisionTrace
}

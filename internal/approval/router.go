// Package approval implements the broker's approval router and state
// machine (spec.md C6): binding-hash computation, routing to
// approvers, single-approver and quorum transitions, and backward
// delegation-chain resolution.
package approval

import (
	"github.com/execguard/broker/internal/canon"
	"github.com/execguard/broker/internal/identity"
	"github.com/execguard/broker/internal/store"
)

// BindingInput is the set of fields the binding hash covers (spec.md
// §4.6): SHA-256(canonicalJSON({actionType, parameters, principalId,
// cartridgeId})).
type BindingInput struct {
	ActionType  string
	Parameters  map[string]interface{}
	PrincipalID string
	CartridgeID string
}

// ComputeBindingHash hashes b with the broker's canonical-JSON
// encoder, the same primitive internal/audit uses for the ledger's
// hash chain.
func ComputeBindingHash(b BindingInput) (string, error) {
	return canon.HashOf(map[string]interface{}{
		"actionType":  b.ActionType,
		"parameters":  b.Parameters,
		"principalId": b.PrincipalID,
		"cartridgeId": b.CartridgeID,
	})
}

// RouteInput bundles what Route needs to pick an approval level and
// approver list.
type RouteInput struct {
	RiskCategory      string
	Identity          identity.ResolvedIdentity
	RoutingDefaults   []string // routing-config default approvers
	FallbackApprover  string
}

// RouteResult is what Route decides.
type RouteResult struct {
	ApprovalRequired store.ApprovalLevel
	Approvers        []string
	// Escalated is set when the safety rule (spec.md §4.6) fires:
	// approval is required but no approver could be resolved, so the
	// level was escalated to mandatory with an empty approver list,
	// which the orchestrator must treat as an automatic deny.
	Escalated bool
}

// Route computes the approval floor and resolves the approver list
// per spec.md §4.6: identity's delegatedApprovers first, then
// routing-config defaults, then fallbackApprover. If approval is
// required but no approver and no fallback exist, escalate to
// mandatory with an empty approver list so the orchestrator denies.
func Route(in RouteInput) RouteResult {
	level := in.Identity.RiskTolerance[in.RiskCategory]
	if level == "" {
		level = store.ApprovalNone
	}

	if level == store.ApprovalNone {
		return RouteResult{ApprovalRequired: store.ApprovalNone}
	}

	approvers := resolveApprovers(in)
	if len(approvers) == 0 {
		return RouteResult{ApprovalRequired: store.ApprovalMandatory, Approvers: nil, Escalated: true}
	}
	return RouteResult{ApprovalRequired: level, Approvers: approvers}
}

func resolveApprovers(in RouteInput) []string {
	if len(in.Identity.DelegatedApprovers) > 0 {
		return in.Identity.DelegatedApprovers
	}
	if len(in.RoutingDefaults) > 0 {
		return in.RoutingDefaults
	}
	if in.FallbackApprover != "" {
		return []string{in.FallbackApprover}
	}
	return nil
}

// ExpiryFor returns the approval request's time-to-live for a given
// level; mandatory expires soonest, standard latest (spec.md §4.6:
// "mandatory < elevated < standard, hours-scale").
func ExpiryFor(level store.ApprovalLevel, cfg ExpiryConfig) (hours float64) {
	switch level {
	case store.ApprovalMandatory:
		return cfg.MandatoryHours
	case store.ApprovalElevated:
		return cfg.ElevatedHours
	default:
		return cfg.StandardHours
	}
}

// ExpiryConfig holds the per-level expiry windows (spec.md §6).
type ExpiryConfig struct {
	MandatoryHours float64
	ElevatedHours  float64
	StandardHours  float64
}

func DefaultExpiryConfig() ExpiryConfig {
	return ExpiryConfig{MandatoryHours: 4, ElevatedHours: 12, StandardHours: 24}
}

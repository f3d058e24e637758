// Package identity implements the governance identity resolver
// (spec.md C3): composing a base IdentitySpec, a governance-profile
// preset, and a principal's active RoleOverlays into one
// ResolvedIdentity used by the policy engine and approval router.
package identity

import (
	"time"

	"github.com/execguard/broker/internal/store"
)

// Context carries the request-scoped facts overlay activation checks
// against (spec.md §4.3).
type Context struct {
	CartridgeID  string
	RiskCategory string
	Now          time.Time
}

// ResolvedIdentity is the output of Resolve: the effective governance
// configuration after applying the profile preset and all active
// overlays, in priority order.
type ResolvedIdentity struct {
	RiskTolerance        map[string]store.ApprovalLevel
	SpendLimits          store.SpendLimits
	CartridgeSpendLimits map[string]store.SpendLimits
	ForbiddenBehaviors   []string
	TrustBehaviors       []string
	DelegatedApprovers   []string
	ActiveOverlays       []store.RoleOverlay
}

// profilePresets seeds a ResolvedIdentity before the base spec and
// overlays are applied, per spec.md §4.3 "governance-profile preset
// as base". Categories are the risk categories the scorer emits:
// low, medium, high, critical.
var profilePresets = map[store.GovernanceProfile]map[string]store.ApprovalLevel{
	store.ProfileObserve: {
		"low": store.ApprovalNone, "medium": store.ApprovalNone,
		"high": store.ApprovalNone, "critical": store.ApprovalNone,
	},
	store.ProfileGuarded: {
		"low": store.ApprovalNone, "medium": store.ApprovalStandard,
		"high": store.ApprovalElevated, "critical": store.ApprovalMandatory,
	},
	store.ProfileStrict: {
		"low": store.ApprovalStandard, "medium": store.ApprovalElevated,
		"high": store.ApprovalMandatory, "critical": store.ApprovalMandatory,
	},
	store.ProfileLocked: {
		"low": store.ApprovalMandatory, "medium": store.ApprovalMandatory,
		"high": store.ApprovalMandatory, "critical": store.ApprovalMandatory,
	},
}

// Resolve composes spec + overlays + ctx into a ResolvedIdentity
// (spec.md §4.3).
func Resolve(spec store.IdentitySpec, overlays []store.RoleOverlay, ctx Context) ResolvedIdentity {
	out := ResolvedIdentity{
		RiskTolerance:        map[string]store.ApprovalLevel{},
		CartridgeSpendLimits: map[string]store.SpendLimits{},
	}

	if preset, ok := profilePresets[spec.GovernanceProfile]; ok {
		for k, v := range preset {
			out.RiskTolerance[k] = v
		}
	}
	for k, v := range spec.RiskTolerance {
		out.RiskTolerance[k] = v
	}
	out.SpendLimits = spec.GlobalSpendLimits
	for k, v := range spec.CartridgeSpendLimits {
		out.CartridgeSpendLimits[k] = v
	}
	out.ForbiddenBehaviors = append([]string(nil), spec.ForbiddenBehaviors...)
	out.TrustBehaviors = append([]string(nil), spec.TrustBehaviors...)
	out.DelegatedApprovers = append([]string(nil), spec.DelegatedApprovers...)

	active := activeOverlays(overlays, ctx)
	for _, ov := range active {
		out = applyOverlay(out, ov)
	}
	out.ActiveOverlays = active
	return out
}

// activeOverlays filters to overlays whose conditions all hold,
// preserving ascending-priority order (spec.md §3/§4.3).
func activeOverlays(overlays []store.RoleOverlay, ctx Context) []store.RoleOverlay {
	var out []store.RoleOverlay
	for _, ov := range overlays {
		if !ov.Active {
			continue
		}
		if conditionsHold(ov.Conditions, ctx) {
			out = append(out, ov)
		}
	}
	return out
}

func conditionsHold(c store.OverlayConditions, ctx Context) bool {
	if len(c.CartridgeIDs) > 0 && !contains(c.CartridgeIDs, ctx.CartridgeID) {
		return false
	}
	if len(c.RiskCategories) > 0 && !contains(c.RiskCategories, ctx.RiskCategory) {
		return false
	}
	if len(c.TimeWindows) > 0 && !anyWindowMatches(c.TimeWindows, c.Timezone, ctx.Now) {
		return false
	}
	return true
}

func anyWindowMatches(windows []store.TimeWindow, tz string, now time.Time) bool {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	for _, w := range windows {
		if windowMatches(w, local) {
			return true
		}
	}
	return false
}

func windowMatches(w store.TimeWindow, local time.Time) bool {
	if len(w.Days) > 0 && !containsWeekday(w.Days, local.Weekday()) {
		return false
	}
	hour := local.Hour()
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	// Wrap-around window (e.g. 22:00-06:00).
	return hour >= w.StartHour || hour < w.EndHour
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsWeekday(list []time.Weekday, v time.Weekday) bool {
	for _, d := range list {
		if d == v {
			return true
		}
	}
	return false
}

// applyOverlay merges one overlay into identity, per the restrict/
// extend rules in spec.md §4.3.
func applyOverlay(identity ResolvedIdentity, ov store.RoleOverlay) ResolvedIdentity {
	switch ov.Mode {
	case store.OverlayRestrict:
		for k, v := range ov.Overrides.RiskTolerance {
			identity.RiskTolerance[k] = currentOrNone(identity.RiskTolerance, k).Max(v)
		}
		identity.SpendLimits = mergeSpendLimits(identity.SpendLimits, ov.Overrides.GlobalSpendLimits, minFloat)
		identity.ForbiddenBehaviors = unionStrings(identity.ForbiddenBehaviors, ov.Overrides.ForbiddenBehaviors)
	case store.OverlayExtend:
		for k, v := range ov.Overrides.RiskTolerance {
			identity.RiskTolerance[k] = currentOrNone(identity.RiskTolerance, k).Min(v)
		}
		identity.SpendLimits = mergeSpendLimits(identity.SpendLimits, ov.Overrides.GlobalSpendLimits, maxFloat)
		identity.TrustBehaviors = removeStrings(identity.TrustBehaviors, ov.Overrides.TrustBehaviors)
	}
	return identity
}

func currentOrNone(m map[string]store.ApprovalLevel, k string) store.ApprovalLevel {
	if v, ok := m[k]; ok {
		return v
	}
	return store.ApprovalNone
}

func mergeSpendLimits(base, overlay store.SpendLimits, pick func(a, b float64) float64) store.SpendLimits {
	out := base
	if overlay.Global != nil {
		if out.Global == nil {
			out.Global = overlay.Global
		} else {
			v := pick(*out.Global, *overlay.Global)
			out.Global = &v
		}
	}
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			out = append(out, s)
			seen[s] = struct{}{}
		}
	}
	return out
}

func removeStrings(a, remove []string) []string {
	if len(remove) == 0 {
		return a
	}
	drop := make(map[string]struct{}, len(remove))
	for _, s := range remove {
		drop[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := drop[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// CompetenceAdjustment is one per-action-type trust signal coming out
// of the competence tracker (spec.md §4.3).
type CompetenceAdjustment struct {
	ActionType  string
	ShouldTrust bool
}

// ApplyCompetenceAdjustments adds a trusted action to TrustBehaviors
// only if it is not forbidden and not already trusted (spec.md §4.3).
func ApplyCompetenceAdjustments(identity ResolvedIdentity, adjustments []CompetenceAdjustment) ResolvedIdentity {
	for _, adj := range adjustments {
		if !adj.ShouldTrust {
			continue
		}
		if contains(identity.ForbiddenBehaviors, adj.ActionType) {
			continue
		}
		if contains(identity.TrustBehaviors, adj.ActionType) {
			continue
		}
		identity.TrustBehaviors = append(identity.TrustBehaviors, adj.ActionType)
	}
	return identity
}

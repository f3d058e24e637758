package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/execguard/broker/internal/store"
)

func baseSpec() store.IdentitySpec {
	return store.IdentitySpec{
		PrincipalID: "p1",
		RiskTolerance: map[string]store.ApprovalLevel{
			"low": store.ApprovalNone, "medium": store.ApprovalStandard,
			"high": store.ApprovalElevated, "critical": store.ApprovalMandatory,
		},
	}
}

func TestResolveAppliesProfilePresetBeforeSpec(t *testing.T) {
	spec := store.IdentitySpec{PrincipalID: "p1", GovernanceProfile: store.ProfileLocked}
	resolved := Resolve(spec, nil, Context{Now: time.Now()})
	require.Equal(t, store.ApprovalMandatory, resolved.RiskTolerance["low"])
}

func TestResolveRestrictOnlyNeverLessStrict(t *testing.T) {
	spec := baseSpec()
	limit := 100.0
	spec.GlobalSpendLimits.Global = &limit
	overlay := store.RoleOverlay{
		Mode:   store.OverlayRestrict,
		Active: true,
		Overrides: store.IdentitySpec{
			RiskTolerance: map[string]store.ApprovalLevel{"low": store.ApprovalStandard},
		},
	}
	resolved := Resolve(spec, []store.RoleOverlay{overlay}, Context{Now: time.Now()})

	for category, baseLevel := range spec.RiskTolerance {
		require.True(t, resolved.RiskTolerance[category] == baseLevel || resolved.RiskTolerance[category].Stricter(baseLevel),
			"restrict-only must never relax %s", category)
	}
}

func TestResolveExtendOnlyNeverStricter(t *testing.T) {
	spec := baseSpec()
	overlay := store.RoleOverlay{
		Mode:   store.OverlayExtend,
		Active: true,
		Overrides: store.IdentitySpec{
			RiskTolerance: map[string]store.ApprovalLevel{"high": store.ApprovalStandard},
		},
	}
	resolved := Resolve(spec, []store.RoleOverlay{overlay}, Context{Now: time.Now()})

	for category, baseLevel := range spec.RiskTolerance {
		require.True(t, resolved.RiskTolerance[category] == baseLevel || baseLevel.Stricter(resolved.RiskTolerance[category]))
	}
}

func TestResolveOverlayInactiveIsIgnored(t *testing.T) {
	spec := baseSpec()
	overlay := store.RoleOverlay{
		Mode:   store.OverlayRestrict,
		Active: false,
		Overrides: store.IdentitySpec{
			RiskTolerance: map[string]store.ApprovalLevel{"low": store.ApprovalMandatory},
		},
	}
	resolved := Resolve(spec, []store.RoleOverlay{overlay}, Context{Now: time.Now()})
	require.Equal(t, store.ApprovalNone, resolved.RiskTolerance["low"])
}

func TestResolveOverlayTimeWindowGating(t *testing.T) {
	spec := baseSpec()
	overlay := store.RoleOverlay{
		Mode:   store.OverlayRestrict,
		Active: true,
		Conditions: store.OverlayConditions{
			TimeWindows: []store.TimeWindow{{StartHour: 9, EndHour: 17}},
			Timezone:    "UTC",
		},
		Overrides: store.IdentitySpec{
			RiskTolerance: map[string]store.ApprovalLevel{"low": store.ApprovalMandatory},
		},
	}
	outsideWindow := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	resolved := Resolve(spec, []store.RoleOverlay{overlay}, Context{Now: outsideWindow})
	require.Equal(t, store.ApprovalNone, resolved.RiskTolerance["low"])

	insideWindow := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	resolved = Resolve(spec, []store.RoleOverlay{overlay}, Context{Now: insideWindow})
	require.Equal(t, store.ApprovalMandatory, resolved.RiskTolerance["low"])
}

func TestApplyCompetenceAdjustmentsSkipsForbidden(t *testing.T) {
	identity := ResolvedIdentity{ForbiddenBehaviors: []string{"ads.campaign.delete"}}
	out := ApplyCompetenceAdjustments(identity, []CompetenceAdjustment{
		{ActionType: "ads.campaign.delete", ShouldTrust: true},
		{ActionType: "ads.campaign.pause", ShouldTrust: true},
	})
	require.NotContains(t, out.TrustBehaviors, "ads.campaign.delete")
	require.Contains(t, out.TrustBehaviors, "ads.campaign.pause")
}

func TestApplyCompetenceAdjustmentsNoDuplicates(t *testing.T) {
	identity := ResolvedIdentity{TrustBehaviors: []string{"ads.campaign.pause"}}
	out := ApplyCompetenceAdjustments(identity, []CompetenceAdjustment{
		{ActionType: "ads.campaign.pause", ShouldTrust: true},
	})
	require.Len(t, out.TrustBehaviors, 1)
}

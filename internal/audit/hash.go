package audit

import "github.com/execguard/broker/internal/canon"

// ComputeEntryHash is the exported form of computeHash, for backing
// stores outside this package (internal/store/pg) that assemble an
// Entry themselves and need to stamp its hash before persisting it.
func ComputeEntryHash(e Entry) string {
	return computeHash(e)
}

// computeHash returns the canonical-JSON SHA-256 of entry with
// EntryHash cleared, matching spec.md's
// "entryHash = SHA-256(canonicalJSON(entry_without_entryHash))".
// previousEntryHash is part of the hash input (it is a field of the
// entry like any other), only entryHash itself is excluded.
func computeHash(e Entry) string {
	e.EntryHash = ""
	v, err := canon.New(entryToMap(e))
	if err != nil {
		// entryToMap only emits JSON-safe primitives; this cannot fail
		// in practice, but fail loudly rather than silently hash "null".
		panic("audit: entry not canonicalizable: " + err.Error())
	}
	return canon.Hash(v)
}

func entryToMap(e Entry) map[string]interface{} {
	m := map[string]interface{}{
		"id":                e.ID,
		"eventType":         string(e.EventType),
		"timestamp":         e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		"actorType":         string(e.ActorType),
		"actorId":           e.ActorID,
		"entityType":        e.EntityType,
		"entityId":          e.EntityID,
		"visibilityLevel":   string(e.VisibilityLevel),
		"summary":           e.Summary,
		"redactionApplied":  e.RedactionApplied,
		"chainHashVersion":  float64(e.ChainHashVersion),
		"schemaVersion":     float64(e.SchemaVersion),
		"previousEntryHash": e.PreviousEntryHash,
	}
	if e.RiskCategory != "" {
		m["riskCategory"] = e.RiskCategory
	}
	if e.Snapshot != nil {
		m["snapshot"] = e.Snapshot
	}
	if len(e.EvidencePointers) > 0 {
		ptrs := make([]interface{}, len(e.EvidencePointers))
		for i, p := range e.EvidencePointers {
			ptrs[i] = p
		}
		m["evidencePointers"] = ptrs
	}
	if len(e.RedactedFields) > 0 {
		fields := make([]interface{}, len(e.RedactedFields))
		for i, f := range e.RedactedFields {
			fields[i] = f
		}
		m["redactedFields"] = fields
	}
	if e.EnvelopeID != "" {
		m["envelopeId"] = e.EnvelopeID
	}
	if e.OrganizationID != "" {
		m["organizationId"] = e.OrganizationID
	}
	if e.TraceID != "" {
		m["traceId"] = e.TraceID
	}
	return m
}

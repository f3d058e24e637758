package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func mkEntry(eventType EventType, envelopeID string) Entry {
	return Entry{
		EventType:       eventType,
		ActorType:       ActorSystem,
		ActorID:         "orchestrator",
		EntityType:      "envelope",
		EntityID:        envelopeID,
		VisibilityLevel: VisibilityInternal,
		Summary:         "test entry",
		Snapshot:        map[string]interface{}{"ok": true},
		EnvelopeID:      envelopeID,
	}
}

func TestAppendAndVerifyChain(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil, nil)

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, mkEntry(EventActionProposed, "env-1"))
		require.NoError(t, err)
	}

	entries, err := l.Since(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	res := l.VerifyChain(entries)
	require.True(t, res.Valid)
	require.Equal(t, -1, res.BrokenAt)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil, nil)

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, mkEntry(EventActionExecuted, "env-1"))
		require.NoError(t, err)
	}
	entries, err := l.Since(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Flip a byte in the middle entry's snapshot after the fact.
	entries[1].Snapshot["ok"] = false

	res := VerifyChain(entries)
	require.False(t, res.Valid)
	require.Equal(t, 1, res.BrokenAt)
}

func TestConcurrentAppendAtomicProducesUnbrokenChain(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, mkEntry(EventActionExecuted, "env-concurrent"))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := l.Since(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 50)
	res := l.VerifyChain(entries)
	require.True(t, res.Valid)
}

func TestAppendRedactsSnapshot(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil, nil)

	e := mkEntry(EventActionExecuted, "env-2")
	e.Snapshot = map[string]interface{}{
		"password": "hunter2",
		"note":     "contact me at a@b.com",
	}
	stored, err := l.Append(ctx, e)
	require.NoError(t, err)
	require.True(t, stored.RedactionApplied)
	require.Equal(t, "[REDACTED]", stored.Snapshot["password"])
	require.Contains(t, stored.Snapshot["note"], "[REDACTED]")
}

func TestHashExcludesEntryHashField(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil, nil)
	stored, err := l.Append(ctx, mkEntry(EventActionExecuted, "env-3"))
	require.NoError(t, err)

	recomputed := computeHash(stored)
	require.Equal(t, stored.EntryHash, recomputed, "recomputed hash must equal stored hash")
}

func TestSinceCheckpoint(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil, nil)

	first, err := l.Append(ctx, mkEntry(EventActionProposed, "env-4"))
	require.NoError(t, err)
	_, err = l.Append(ctx, mkEntry(EventActionExecuted, "env-4"))
	require.NoError(t, err)

	rest, err := l.Since(ctx, first.ID, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, EventActionExecuted, rest[0].EventType)
}

package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/execguard/broker/internal/errs"
)

// BuildFunc constructs the next entry given the previous entry's hash.
// It is the caller's responsibility to leave EntryHash/PreviousEntryHash
// unset; appendAtomic fixes both.
type BuildFunc func(previousHash string) (Entry, error)

// Ledger is the append-only, hash-chained audit log (spec.md §4.1).
type Ledger interface {
	// Append computes and stores entry's hash chain fields, deriving
	// PreviousEntryHash from the current tail under the same lock
	// AppendAtomic uses.
	Append(ctx context.Context, entry Entry) (Entry, error)
	// AppendAtomic acquires the ledger's serialization lock, reads the
	// current tail hash, and calls build to obtain the entry to store.
	AppendAtomic(ctx context.Context, build BuildFunc) (Entry, error)
	// VerifyChain recomputes hashes over a contiguous ordered slice of
	// entries and checks the previous-hash links.
	VerifyChain(entries []Entry) VerifyResult
	// Since returns entries appended after the given checkpoint ID
	// (exclusive), in insertion order, for the chain-verify job.
	Since(ctx context.Context, checkpointID string, limit int) ([]Entry, error)
	// Filter lists entries matching the query for audit/read surfaces.
	Filter(ctx context.Context, q Query) ([]Entry, error)
	// Stats returns simple aggregate counts for operators.
	Stats(ctx context.Context) (Stats, error)
	// Tail returns the most recently appended entry, if any.
	Tail(ctx context.Context) (Entry, bool, error)
}

// Query filters Filter() results. Zero-valued fields are wildcards.
type Query struct {
	EnvelopeID     string
	OrganizationID string
	EventType      EventType
	Since          time.Time
	Limit          int
}

// Stats is a coarse aggregate snapshot over the whole ledger.
type Stats struct {
	Total          int
	ByEventType    map[EventType]int
	DeniedCount    int
	ExecutedCount  int
}

// MemoryLedger is an in-process, mutex-serialized Ledger. It plays the
// role spec.md assigns to "single-process backings serialize via a
// mutex" — the advisory-lock story for a shared external store lives
// in internal/store/pg.PGLedger.
type MemoryLedger struct {
	mu        sync.Mutex
	entries   []Entry
	redactor  *Redactor
	logger    *zap.Logger
}

// NewMemoryLedger constructs a ledger with the given redactor (nil uses
// the built-in default patterns).
func NewMemoryLedger(redactor *Redactor, logger *zap.Logger) *MemoryLedger {
	if redactor == nil {
		redactor = NewRedactor(nil, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLedger{redactor: redactor, logger: logger}
}

func (l *MemoryLedger) Append(ctx context.Context, entry Entry) (Entry, error) {
	return l.AppendAtomic(ctx, func(previousHash string) (Entry, error) {
		entry.PreviousEntryHash = previousHash
		return entry, nil
	})
}

func (l *MemoryLedger) AppendAtomic(ctx context.Context, build BuildFunc) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := ""
	if n := len(l.entries); n > 0 {
		prevHash = l.entries[n-1].EntryHash
	}

	entry, err := build(prevHash)
	if err != nil {
		return Entry{}, errs.Wrap(errs.KindStorageError, "audit: build entry", err)
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.ChainHashVersion = ChainHashVersion
	entry.SchemaVersion = SchemaVersion
	entry.PreviousEntryHash = prevHash

	if entry.Snapshot != nil {
		redacted, fields := l.redactor.Redact(entry.Snapshot)
		entry.Snapshot = redacted
		if len(fields) > 0 {
			entry.RedactionApplied = true
			entry.RedactedFields = fields
		}
	}

	entry.EntryHash = computeHash(entry)
	l.entries = append(l.entries, entry)

	l.logger.Debug("audit entry appended",
		zap.String("id", entry.ID),
		zap.String("event_type", string(entry.EventType)),
		zap.String("entry_hash", entry.EntryHash),
	)
	return entry, nil
}

func (l *MemoryLedger) VerifyChain(entries []Entry) VerifyResult {
	return VerifyChain(entries)
}

// VerifyChain is the free-function form, usable without a Ledger
// instance (e.g. by the chain-verify job against a fetched slice).
func VerifyChain(entries []Entry) VerifyResult {
	var prevHash string
	for i, e := range entries {
		recomputed := computeHash(e)
		if recomputed != e.EntryHash {
			return VerifyResult{Valid: false, BrokenAt: i}
		}
		if i > 0 && e.PreviousEntryHash != prevHash {
			return VerifyResult{Valid: false, BrokenAt: i}
		}
		prevHash = e.EntryHash
	}
	return VerifyResult{Valid: true, BrokenAt: -1}
}

func (l *MemoryLedger) Since(ctx context.Context, checkpointID string, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if checkpointID != "" {
		for i, e := range l.entries {
			if e.ID == checkpointID {
				start = i + 1
				break
			}
		}
	}
	end := len(l.entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start >= end {
		return nil, nil
	}
	out := make([]Entry, end-start)
	copy(out, l.entries[start:end])
	return out, nil
}

func (l *MemoryLedger) Filter(ctx context.Context, q Query) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if q.EnvelopeID != "" && e.EnvelopeID != q.EnvelopeID {
			continue
		}
		if q.OrganizationID != "" && e.OrganizationID != q.OrganizationID {
			continue
		}
		if q.EventType != "" && e.EventType != q.EventType {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLedger) Stats(ctx context.Context) (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{ByEventType: make(map[EventType]int)}
	for _, e := range l.entries {
		stats.Total++
		stats.ByEventType[e.EventType]++
		switch e.EventType {
		case EventActionDenied:
			stats.DeniedCount++
		case EventActionExecuted:
			stats.ExecutedCount++
		}
	}
	return stats, nil
}

func (l *MemoryLedger) Tail(ctx context.Context) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return Entry{}, false, nil
	}
	return l.entries[len(l.entries)-1], true, nil
}

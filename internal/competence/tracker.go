// Package competence implements the broker's per-(principal,
// action-type) reliability tracker (spec.md C11): recordSuccess/
// recordFailure/recordRollback mutate a stored CompetenceRecord, and
// lazy decay is applied only at read time, never persisted.
package competence

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/execguard/broker/internal/audit"
	"github.com/execguard/broker/internal/store"
)

// Config tunes the scoring curve; mirrors the teacher's threshold-
// style config fields (internal/budget/manager.go's WarningThreshold/
// BackpressureThreshold).
type Config struct {
	Floor   float64
	Ceiling float64

	SuccessPoints   float64
	ConsecutiveBonusPerStep float64
	ConsecutiveBonusCap     float64

	FailurePoints  float64
	RollbackPoints float64

	PromotionScore         float64
	PromotionMinSuccesses  int
	DemotionScore          float64

	DecayPerDay float64

	InitialScore float64
}

func DefaultConfig() Config {
	return Config{
		Floor:                   0,
		Ceiling:                 100,
		SuccessPoints:           2,
		ConsecutiveBonusPerStep: 0.5,
		ConsecutiveBonusCap:     5,
		FailurePoints:           8,
		RollbackPoints:          12,
		PromotionScore:          80,
		PromotionMinSuccesses:   10,
		DemotionScore:           40,
		DecayPerDay:             2, // spec.md §6 COMPETENCE_DECAY_PER_DAY
		InitialScore:            50,
	}
}

// Tracker mutates and reads CompetenceRecords, emitting promote/demote
// audit events on threshold crossings.
type Tracker struct {
	store  store.CompetenceStore
	ledger audit.Ledger
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewTracker(s store.CompetenceStore, ledger audit.Ledger, cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: s, ledger: ledger, cfg: cfg, logger: logger, now: time.Now}
}

func (t *Tracker) loadOrCreate(ctx context.Context, principalID, actionType string) (store.CompetenceRecord, error) {
	rec, found, err := t.store.Get(ctx, principalID, actionType)
	if err != nil {
		return store.CompetenceRecord{}, err
	}
	if !found {
		now := t.now()
		rec = store.CompetenceRecord{
			PrincipalID:        principalID,
			ActionType:         actionType,
			Score:              t.cfg.InitialScore,
			LastActivityAt:     now,
			LastDecayAppliedAt: now,
		}
	}
	return rec, nil
}

// RecordSuccess applies spec.md §4.11's success transition.
func (t *Tracker) RecordSuccess(ctx context.Context, principalID, actionType string) (store.CompetenceRecord, error) {
	rec, err := t.loadOrCreate(ctx, principalID, actionType)
	if err != nil {
		return store.CompetenceRecord{}, err
	}
	rec = t.applyDecay(rec)

	rec.SuccessCount++
	rec.ConsecutiveSuccesses++
	bonus := math.Min(float64(rec.ConsecutiveSuccesses)*t.cfg.ConsecutiveBonusPerStep, t.cfg.ConsecutiveBonusCap)
	rec.Score = math.Min(t.cfg.Ceiling, rec.Score+t.cfg.SuccessPoints+bonus)
	rec.LastActivityAt = t.now()
	rec.History = append(rec.History, store.CompetenceEvent{Kind: "success", At: rec.LastActivityAt, ScoreAfter: rec.Score})

	return t.finalize(ctx, rec)
}

// RecordFailure applies spec.md §4.11's failure transition.
func (t *Tracker) RecordFailure(ctx context.Context, principalID, actionType string) (store.CompetenceRecord, error) {
	rec, err := t.loadOrCreate(ctx, principalID, actionType)
	if err != nil {
		return store.CompetenceRecord{}, err
	}
	rec = t.applyDecay(rec)

	rec.ConsecutiveSuccesses = 0
	rec.FailureCount++
	rec.Score = math.Max(t.cfg.Floor, rec.Score-t.cfg.FailurePoints)
	rec.LastActivityAt = t.now()
	rec.History = append(rec.History, store.CompetenceEvent{Kind: "failure", At: rec.LastActivityAt, ScoreAfter: rec.Score})

	return t.finalize(ctx, rec)
}

// RecordRollback applies spec.md §4.11's rollback transition (same
// shape as failure, distinct point cost and counter).
func (t *Tracker) RecordRollback(ctx context.Context, principalID, actionType string) (store.CompetenceRecord, error) {
	rec, err := t.loadOrCreate(ctx, principalID, actionType)
	if err != nil {
		return store.CompetenceRecord{}, err
	}
	rec = t.applyDecay(rec)

	rec.ConsecutiveSuccesses = 0
	rec.RollbackCount++
	rec.Score = math.Max(t.cfg.Floor, rec.Score-t.cfg.RollbackPoints)
	rec.LastActivityAt = t.now()
	rec.History = append(rec.History, store.CompetenceEvent{Kind: "rollback", At: rec.LastActivityAt, ScoreAfter: rec.Score})

	return t.finalize(ctx, rec)
}

// finalize persists rec, emits a promote/demote audit event on a
// threshold crossing, and returns the stored record.
func (t *Tracker) finalize(ctx context.Context, rec store.CompetenceRecord) (store.CompetenceRecord, error) {
	promoted := rec.Score >= t.cfg.PromotionScore && rec.SuccessCount >= t.cfg.PromotionMinSuccesses
	demoted := rec.Score < t.cfg.DemotionScore

	if err := t.store.Put(ctx, rec); err != nil {
		return store.CompetenceRecord{}, err
	}

	if promoted {
		t.emitThresholdEvent(ctx, rec, audit.EventCompetencePromoted, "promote")
	} else if demoted {
		t.emitThresholdEvent(ctx, rec, audit.EventCompetenceDemoted, "demote")
	}
	return rec, nil
}

func (t *Tracker) emitThresholdEvent(ctx context.Context, rec store.CompetenceRecord, eventType audit.EventType, kind string) {
	rec.History = append(rec.History, store.CompetenceEvent{Kind: kind, At: rec.LastActivityAt, ScoreAfter: rec.Score})
	if err := t.store.Put(ctx, rec); err != nil {
		t.logger.Warn("failed to persist competence threshold history", zap.Error(err))
	}

	_, err := t.ledger.AppendAtomic(ctx, func(previousHash string) (audit.Entry, error) {
		return audit.Entry{
			ID:                "aud_" + rec.PrincipalID + "_" + rec.ActionType + "_" + kind,
			EventType:         eventType,
			Timestamp:         rec.LastActivityAt,
			ActorType:         audit.ActorSystem,
			ActorID:           "competence-tracker",
			EntityType:        "competence",
			EntityID:          rec.PrincipalID + ":" + rec.ActionType,
			VisibilityLevel:   audit.VisibilityOperator,
			Summary:           kind + " threshold crossed for " + rec.PrincipalID + " on " + rec.ActionType,
			ChainHashVersion:  audit.ChainHashVersion,
			SchemaVersion:     audit.SchemaVersion,
			PreviousEntryHash: previousHash,
		}, nil
	})
	if err != nil {
		t.logger.Warn("failed to audit competence threshold event", zap.Error(err))
	}
}

// GetAdjustment applies spec.md §4.11's lazy decay at read time
// without persisting the decayed value, returning the record as the
// caller should treat it "now".
func (t *Tracker) GetAdjustment(ctx context.Context, principalID, actionType string) (store.CompetenceRecord, error) {
	rec, found, err := t.store.Get(ctx, principalID, actionType)
	if err != nil {
		return store.CompetenceRecord{}, err
	}
	if !found {
		return store.CompetenceRecord{PrincipalID: principalID, ActionType: actionType, Score: t.cfg.InitialScore}, nil
	}
	return t.applyDecay(rec), nil
}

func (t *Tracker) applyDecay(rec store.CompetenceRecord) store.CompetenceRecord {
	if rec.LastDecayAppliedAt.IsZero() {
		rec.LastDecayAppliedAt = t.now()
		return rec
	}
	days := t.now().Sub(rec.LastDecayAppliedAt).Hours() / 24
	if days <= 0 {
		return rec
	}
	rec.Score = math.Max(t.cfg.Floor, rec.Score-days*t.cfg.DecayPerDay)
	rec.LastDecayAppliedAt = t.now()
	return rec
}

// ShouldTrust reports whether rec's score clears the promotion bar,
// the signal used to decide whether an actionType should be added to
// a principal's effective trust behaviors via
// identity.ApplyCompetenceAdjustments.
func (t *Tracker) ShouldTrust(rec store.CompetenceRecord) bool {
	return rec.Score >= t.cfg.PromotionScore && rec.SuccessCount >= t.cfg.PromotionMinSuccesses
}

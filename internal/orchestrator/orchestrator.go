// Package orchestrator implements the broker's lifecycle orchestrator
// (spec.md C8): the only component that drives an ActionEnvelope
// through propose → decide → approve/deny → execute → audit, and the
// only caller that mints/binds execution tokens against a
// GuardedCartridge.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/execguard/broker/internal/approval"
	"github.com/execguard/broker/internal/audit"
	"github.com/execguard/broker/internal/cartridge"
	"github.com/execguard/broker/internal/competence"
	"github.com/execguard/broker/internal/guardrail"
	"github.com/execguard/broker/internal/idempotency"
	"github.com/execguard/broker/internal/policy"
	"github.com/execguard/broker/internal/queue"
	"github.com/execguard/broker/internal/risk"
	"github.com/execguard/broker/internal/store"
	"github.com/execguard/broker/internal/telemetry"
)

// ExecutionMode selects whether executeApproved runs inline on the
// calling goroutine or is handed to the execution queue worker.
type ExecutionMode string

const (
	ExecutionInline ExecutionMode = "inline"
	ExecutionQueue  ExecutionMode = "queue"
)

// Config tunes the orchestrator's non-functional knobs (spec.md §6).
type Config struct {
	ExecutionMode        ExecutionMode
	DenyWhenNoApprovers  bool
	RoutingDefaults      []string
	FallbackApprover     string
	ExpiryConfig         approval.ExpiryConfig
	IdempotencyWindow    time.Duration
	TransientPatterns    []string
	MaxParentChainDepth  int
}

func DefaultConfig() Config {
	return Config{
		ExecutionMode:       ExecutionInline,
		DenyWhenNoApprovers: true,
		ExpiryConfig:        approval.DefaultExpiryConfig(),
		IdempotencyWindow:   idempotency.DefaultWindow,
		TransientPatterns:   []string{"ETIMEDOUT", "ECONNREFUSED", "rate limit"},
		MaxParentChainDepth: 5,
	}
}

// Notification is the opaque payload handed to the injected Notifier
// (spec.md §6).
type Notification struct {
	ApprovalID   string
	EnvelopeID   string
	Summary      string
	RiskCategory string
	BindingHash  string
	ExpiresAt    time.Time
	Approvers    []string
}

// Notifier delivers approval notifications best-effort; a failure never
// blocks the proposal path.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier discards notifications, the default when none is wired.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, n Notification) error { return nil }

// Orchestrator wires every governance component into the public
// operations spec.md §4.8 names. All dependencies are interfaces or
// concrete, already-synchronized types; the orchestrator holds no
// mutable state of its own beyond what it's handed.
type Orchestrator struct {
	envelopes   store.EnvelopeStore
	identities  store.IdentityStore
	delegations store.DelegationStore
	approvals   store.ApprovalStore
	registry    store.CartridgeRegistry

	policies   *policy.Engine
	scorer     *risk.Scorer
	competence *competence.Tracker
	ledger     audit.Ledger
	tokens     *cartridge.TokenSet
	guardrails guardrail.Store

	interceptors []cartridge.Interceptor

	notifier    Notifier
	idempotency idempotency.Store
	queueWorker queue.Worker

	recorder *telemetry.Recorder
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

// Deps bundles every collaborator the orchestrator needs; passed as a
// single struct so New's signature doesn't grow with every new
// component.
type Deps struct {
	Envelopes    store.EnvelopeStore
	Identities   store.IdentityStore
	Delegations  store.DelegationStore
	Approvals    store.ApprovalStore
	Registry     store.CartridgeRegistry
	Policies     *policy.Engine
	Scorer       *risk.Scorer
	Competence   *competence.Tracker
	Ledger       audit.Ledger
	Tokens       *cartridge.TokenSet
	Guardrails   guardrail.Store
	Interceptors []cartridge.Interceptor
	Notifier     Notifier
	Idempotency  idempotency.Store
	QueueWorker  queue.Worker
	Recorder     *telemetry.Recorder
	Logger       *zap.Logger
}

func New(d Deps, cfg Config) *Orchestrator {
	if d.Notifier == nil {
		d.Notifier = NopNotifier{}
	}
	if d.Idempotency == nil {
		d.Idempotency = idempotency.NewInProcessStore()
	}
	if d.Recorder == nil {
		d.Recorder = telemetry.NewNop()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Tokens == nil {
		d.Tokens = cartridge.NewTokenSet()
	}
	if d.Guardrails == nil {
		d.Guardrails = guardrail.NewInProcessStore()
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = idempotency.DefaultWindow
	}
	if cfg.MaxParentChainDepth <= 0 {
		cfg.MaxParentChainDepth = 5
	}
	if cfg.ExecutionMode == "" {
		cfg.ExecutionMode = ExecutionInline
	}
	return &Orchestrator{
		envelopes:    d.Envelopes,
		identities:   d.Identities,
		delegations:  d.Delegations,
		approvals:    d.Approvals,
		registry:     d.Registry,
		policies:     d.Policies,
		scorer:       d.Scorer,
		competence:   d.Competence,
		ledger:       d.Ledger,
		tokens:       d.Tokens,
		guardrails:   d.Guardrails,
		interceptors: d.Interceptors,
		notifier:     d.Notifier,
		idempotency:  d.Idempotency,
		queueWorker:  d.QueueWorker,
		recorder:     d.Recorder,
		logger:       d.Logger,
		cfg:          cfg,
		now:          time.Now,
	}
}

// guard wraps a raw cartridge with this orchestrator's shared token set
// and interceptor chain, per spec.md §4.7.
func (o *Orchestrator) guard(c store.Cartridge) *cartridge.GuardedCartridge {
	return cartridge.NewGuardedCartridge(c, o.tokens, o.interceptors...)
}

// appendAudit wraps ledger.AppendAtomic, bumping the telemetry counter
// on success, used by every step that must pair a status transition
// with exactly one audit entry (spec.md invariant 1).
func (o *Orchestrator) appendAudit(ctx context.Context, build audit.BuildFunc) (audit.Entry, error) {
	entry, err := o.ledger.AppendAtomic(ctx, build)
	if err != nil {
		o.logger.Error("audit append failed", zap.Error(err))
		return audit.Entry{}, err
	}
	o.recorder.AuditAppended()
	return entry, nil
}

// isTransient reports whether err's message matches one of the
// configured transient-failure patterns (spec.md §4.8 step 5).
func (o *Orchestrator) isTransient(msg string) bool {
	lower := strings.ToLower(msg)
	for _, pat := range o.cfg.TransientPatterns {
		if strings.Contains(lower, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/execguard/broker/internal/errs"
)

// MemoryEnvelopeStore is the default, single-node EnvelopeStore.
type MemoryEnvelopeStore struct {
	mu   sync.RWMutex
	byID map[string]Envelope
}

func NewMemoryEnvelopeStore() *MemoryEnvelopeStore {
	return &MemoryEnvelopeStore{byID: make(map[string]Envelope)}
}

func (s *MemoryEnvelopeStore) Create(ctx context.Context, e Envelope) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Version = 1
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	if !e.Status.Valid() {
		e.Status = EnvelopeProposed
	}
	s.byID[e.ID] = e
	return e, nil
}

func (s *MemoryEnvelopeStore) Get(ctx context.Context, id string) (Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return Envelope{}, errs.New(errs.KindNotFound, "envelope not found: "+id)
	}
	return e, nil
}

func (s *MemoryEnvelopeStore) Update(ctx context.Context, e Envelope) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[e.ID]
	if !ok {
		return Envelope{}, errs.New(errs.KindNotFound, "envelope not found: "+e.ID)
	}
	if e.Version != cur.Version {
		return Envelope{}, errs.New(errs.KindStaleVersion, "envelope version conflict: "+e.ID)
	}
	e.Version = cur.Version + 1
	e.CreatedAt = cur.CreatedAt
	e.UpdatedAt = time.Now().UTC()
	s.byID[e.ID] = e
	return e, nil
}

func (s *MemoryEnvelopeStore) List(ctx context.Context, f EnvelopeFilter) ([]Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Envelope
	for _, e := range s.byID {
		if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
			continue
		}
		if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryPolicyStore is the default PolicyStore.
type MemoryPolicyStore struct {
	mu   sync.RWMutex
	byID map[string]Policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{byID: make(map[string]Policy)}
}

func (s *MemoryPolicyStore) Create(ctx context.Context, p Policy) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.byID[p.ID] = p
	return p, nil
}

func (s *MemoryPolicyStore) Get(ctx context.Context, id string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return Policy{}, errs.New(errs.KindNotFound, "policy not found: "+id)
	}
	return p, nil
}

func (s *MemoryPolicyStore) Update(ctx context.Context, p Policy) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; !ok {
		return Policy{}, errs.New(errs.KindNotFound, "policy not found: "+p.ID)
	}
	s.byID[p.ID] = p
	return p, nil
}

func (s *MemoryPolicyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

func (s *MemoryPolicyStore) List(ctx context.Context, f PolicyFilter) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Policy
	for _, p := range s.byID {
		if !p.Active {
			continue
		}
		if p.CartridgeID != nil && *p.CartridgeID != f.CartridgeID {
			continue
		}
		if p.OrganizationID != nil && *p.OrganizationID != f.OrganizationID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MemoryIdentityStore is the default IdentityStore.
type MemoryIdentityStore struct {
	mu        sync.RWMutex
	byPrincipal map[string]IdentitySpec
	bySpecID  map[string]IdentitySpec
	overlays  map[string][]RoleOverlay // keyed by principalID
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{
		byPrincipal: make(map[string]IdentitySpec),
		bySpecID:    make(map[string]IdentitySpec),
		overlays:    make(map[string][]RoleOverlay),
	}
}

func (s *MemoryIdentityStore) GetSpec(ctx context.Context, principalID string) (IdentitySpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.byPrincipal[principalID]
	if !ok {
		return IdentitySpec{}, errs.New(errs.KindNotFound, "identity spec not found for principal: "+principalID)
	}
	return spec, nil
}

func (s *MemoryIdentityStore) PutSpec(ctx context.Context, spec IdentitySpec) (IdentitySpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	s.byPrincipal[spec.PrincipalID] = spec
	s.bySpecID[spec.ID] = spec
	return spec, nil
}

func (s *MemoryIdentityStore) GetSpecByID(ctx context.Context, specID string) (IdentitySpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.bySpecID[specID]
	if !ok {
		return IdentitySpec{}, errs.New(errs.KindNotFound, "identity spec not found: "+specID)
	}
	return spec, nil
}

func (s *MemoryIdentityStore) ActiveOverlays(ctx context.Context, principalID string) ([]RoleOverlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RoleOverlay
	for _, o := range s.overlays[principalID] {
		if o.Active {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (s *MemoryIdentityStore) PutOverlay(ctx context.Context, principalID string, overlay RoleOverlay) (RoleOverlay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if overlay.ID == "" {
		overlay.ID = uuid.NewString()
	}
	list := s.overlays[principalID]
	replaced := false
	for i, o := range list {
		if o.ID == overlay.ID {
			list[i] = overlay
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, overlay)
	}
	s.overlays[principalID] = list
	return overlay, nil
}

// MemoryPrincipalStore is the default PrincipalStore.
type MemoryPrincipalStore struct {
	mu   sync.RWMutex
	byID map[string]Principal
}

func NewMemoryPrincipalStore() *MemoryPrincipalStore {
	return &MemoryPrincipalStore{byID: make(map[string]Principal)}
}

func (s *MemoryPrincipalStore) Get(ctx context.Context, id string) (Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return Principal{}, errs.New(errs.KindNotFound, "principal not found: "+id)
	}
	return p, nil
}

func (s *MemoryPrincipalStore) Put(ctx context.Context, p Principal) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = p
	return p, nil
}

// MemoryDelegationStore is the default DelegationStore. It keeps both
// a grantor- and a grantee-indexed copy of each rule so lookups in
// either walking direction avoid a full scan.
type MemoryDelegationStore struct {
	mu        sync.RWMutex
	byGrantor map[string][]DelegationRule
	byGrantee map[string][]DelegationRule
}

func NewMemoryDelegationStore() *MemoryDelegationStore {
	return &MemoryDelegationStore{
		byGrantor: make(map[string][]DelegationRule),
		byGrantee: make(map[string][]DelegationRule),
	}
}

func (s *MemoryDelegationStore) RulesByGrantor(ctx context.Context, grantorID string) ([]DelegationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DelegationRule, len(s.byGrantor[grantorID]))
	copy(out, s.byGrantor[grantorID])
	return out, nil
}

func (s *MemoryDelegationStore) RulesByGrantee(ctx context.Context, granteeID string) ([]DelegationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DelegationRule, len(s.byGrantee[granteeID]))
	copy(out, s.byGrantee[granteeID])
	return out, nil
}

func (s *MemoryDelegationStore) Put(ctx context.Context, rule DelegationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byGrantor[rule.Grantor] = append(s.byGrantor[rule.Grantor], rule)
	s.byGrantee[rule.Grantee] = append(s.byGrantee[rule.Grantee], rule)
	return nil
}

// MemoryApprovalStore is the default ApprovalStore.
type MemoryApprovalStore struct {
	mu   sync.Mutex
	byID map[string]Approval
}

func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{byID: make(map[string]Approval)}
}

func (s *MemoryApprovalStore) Create(ctx context.Context, a Approval) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Request.ID == "" {
		a.Request.ID = uuid.NewString()
	}
	a.State.ID = a.Request.ID
	if a.State.Version == 0 {
		a.State.Version = 1
	}
	a.Request.CreatedAt = time.Now().UTC()
	s.byID[a.Request.ID] = a
	return a, nil
}

func (s *MemoryApprovalStore) Get(ctx context.Context, id string) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return Approval{}, errs.New(errs.KindNotFound, "approval not found: "+id)
	}
	return a, nil
}

func (s *MemoryApprovalStore) UpdateState(ctx context.Context, id string, newState ApprovalState) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return Approval{}, errs.New(errs.KindNotFound, "approval not found: "+id)
	}
	if newState.Version != a.State.Version {
		return Approval{}, errs.New(errs.KindStaleVersion, "approval version conflict: "+id)
	}
	newState.Version = a.State.Version + 1
	a.State = newState
	s.byID[id] = a
	return a, nil
}

func (s *MemoryApprovalStore) ListPending(ctx context.Context, organizationID string) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Approval
	for _, a := range s.byID {
		if a.State.Status != ApprovalPending {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Request.CreatedAt.Before(out[j].Request.CreatedAt) })
	return out, nil
}

// MemoryCompetenceStore is the default CompetenceStore.
type MemoryCompetenceStore struct {
	mu   sync.Mutex
	byKey map[string]CompetenceRecord
}

func NewMemoryCompetenceStore() *MemoryCompetenceStore {
	return &MemoryCompetenceStore{byKey: make(map[string]CompetenceRecord)}
}

func competenceKey(principalID, actionType string) string { return principalID + "\x00" + actionType }

func (s *MemoryCompetenceStore) Get(ctx context.Context, principalID, actionType string) (CompetenceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[competenceKey(principalID, actionType)]
	return rec, ok, nil
}

func (s *MemoryCompetenceStore) Put(ctx context.Context, rec CompetenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[competenceKey(rec.PrincipalID, rec.ActionType)] = rec
	return nil
}

// MemoryCartridgeRegistry is the process-wide cartridge registry
// (spec.md §4.2/§5), enforcing the semver-monotonic upgrade check
// (pre-release < release) and firing onChange callbacks on any
// register/unregister so the policy cache can invalidate.
type MemoryCartridgeRegistry struct {
	mu        sync.RWMutex
	instances map[string]Cartridge
	listeners []func()
}

func NewMemoryCartridgeRegistry() *MemoryCartridgeRegistry {
	return &MemoryCartridgeRegistry{instances: make(map[string]Cartridge)}
}

func (r *MemoryCartridgeRegistry) Register(c Cartridge) error {
	r.mu.Lock()
	m := c.Manifest()
	newVer, err := semver.NewVersion(m.Version)
	if err != nil {
		r.mu.Unlock()
		return errs.Wrap(errs.KindValidation, "cartridge manifest version is not semver: "+m.Version, err)
	}
	if existing, ok := r.instances[m.ID]; ok {
		oldVer, err := semver.NewVersion(existing.Manifest().Version)
		if err == nil && newVer.LessThan(oldVer) {
			r.mu.Unlock()
			return errs.New(errs.KindValidation, "cartridge downgrade rejected: "+m.ID)
		}
	}
	r.instances[m.ID] = c
	r.mu.Unlock()
	r.fireOnChange()
	return nil
}

func (r *MemoryCartridgeRegistry) Unregister(id string) error {
	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()
	r.fireOnChange()
	return nil
}

func (r *MemoryCartridgeRegistry) Get(id string) (Cartridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.instances[id]
	return c, ok
}

func (r *MemoryCartridgeRegistry) Snapshot() []Cartridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Cartridge, 0, len(r.instances))
	for _, c := range r.instances {
		out = append(out, c)
	}
	return out
}

func (r *MemoryCartridgeRegistry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *MemoryCartridgeRegistry) fireOnChange() {
	r.mu.RLock()
	listeners := make([]func(), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

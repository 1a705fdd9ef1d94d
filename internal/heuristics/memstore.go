package heuristics

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and by deployments that do
// not need durability. A single mutex serializes transactions, which gives
// the same lost-update protection the SQLite store gets from its
// transactions.
type MemoryStore struct {
	mu         sync.Mutex
	heuristics map[string]*Heuristic
	domains    map[string]*DomainMetadata
	updates    []*ConfidenceUpdateRecord
	merges     []*MergeRecord
	events     []*ExpansionEvent
	decisions  []*DecisionRequest
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		heuristics: make(map[string]*Heuristic),
		domains:    make(map[string]*DomainMetadata),
	}
}

// memTx is a transactional view over a MemoryStore. Mutations land in
// staging maps and are applied on commit, so a failed transaction leaves the
// store untouched.
type memTx struct {
	store *MemoryStore

	stagedHeuristics map[string]*Heuristic
	stagedDomains    map[string]*DomainMetadata
	stagedUpdates    []*ConfidenceUpdateRecord
	stagedMerges     []*MergeRecord
	stagedEvents     []*ExpansionEvent
	stagedDecisions  []*DecisionRequest
}

// WithinTx runs fn under the store mutex with rollback-on-error semantics.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:            s,
		stagedHeuristics: make(map[string]*Heuristic),
		stagedDomains:    make(map[string]*DomainMetadata),
	}

	if err := fn(tx); err != nil {
		return err
	}

	// Commit staged state.
	for id, h := range tx.stagedHeuristics {
		s.heuristics[id] = h
	}
	for name, d := range tx.stagedDomains {
		s.domains[name] = d
	}
	s.updates = append(s.updates, tx.stagedUpdates...)
	s.merges = append(s.merges, tx.stagedMerges...)
	s.events = append(s.events, tx.stagedEvents...)
	s.decisions = append(s.decisions, tx.stagedDecisions...)
	return nil
}

func (tx *memTx) GetHeuristic(id string) (*Heuristic, error) {
	if h, ok := tx.stagedHeuristics[id]; ok {
		cp := *h
		return &cp, nil
	}
	h, ok := tx.store.heuristics[id]
	if !ok {
		return nil, ErrHeuristicNotFound
	}
	cp := *h
	return &cp, nil
}

func (tx *memTx) PutHeuristic(h *Heuristic) error {
	cp := *h
	tx.stagedHeuristics[h.ID] = &cp
	return nil
}

func (tx *memTx) GetDomain(name string) (*DomainMetadata, error) {
	if d, ok := tx.stagedDomains[name]; ok {
		cp := *d
		return &cp, nil
	}
	d, ok := tx.store.domains[name]
	if !ok {
		return nil, ErrDomainNotFound
	}
	cp := *d
	return &cp, nil
}

func (tx *memTx) PutDomain(d *DomainMetadata) error {
	cp := *d
	tx.stagedDomains[d.Name] = &cp
	return nil
}

// visible merges committed and staged heuristics, staged winning.
func (tx *memTx) visible() map[string]*Heuristic {
	out := make(map[string]*Heuristic, len(tx.store.heuristics)+len(tx.stagedHeuristics))
	for id, h := range tx.store.heuristics {
		out[id] = h
	}
	for id, h := range tx.stagedHeuristics {
		out[id] = h
	}
	return out
}

func (tx *memTx) ListByDomain(domain string, status Status) ([]*Heuristic, error) {
	var out []*Heuristic
	for _, h := range tx.visible() {
		if h.Domain == domain && h.Status == status {
			cp := *h
			out = append(out, &cp)
		}
	}
	sortHeuristics(out)
	return out, nil
}

func (tx *memTx) CountByStatus(domain string) (map[Status]int, error) {
	counts := make(map[Status]int)
	for _, h := range tx.visible() {
		if h.Domain == domain {
			counts[h.Status]++
		}
	}
	return counts, nil
}

func (tx *memTx) AppendUpdate(rec *ConfidenceUpdateRecord) error {
	cp := *rec
	tx.stagedUpdates = append(tx.stagedUpdates, &cp)
	return nil
}

func (tx *memTx) AppendMerge(rec *MergeRecord) error {
	cp := *rec
	tx.stagedMerges = append(tx.stagedMerges, &cp)
	return nil
}

func (tx *memTx) AppendExpansionEvent(ev *ExpansionEvent) error {
	cp := *ev
	tx.stagedEvents = append(tx.stagedEvents, &cp)
	return nil
}

func (tx *memTx) EnqueueDecision(req *DecisionRequest) error {
	cp := *req
	tx.stagedDecisions = append(tx.stagedDecisions, &cp)
	return nil
}

// Read-only snapshot methods.

func (s *MemoryStore) GetHeuristic(ctx context.Context, id string) (*Heuristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.heuristics[id]
	if !ok {
		return nil, ErrHeuristicNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) GetDomain(ctx context.Context, name string) (*DomainMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[name]
	if !ok {
		return nil, ErrDomainNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDomains(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.domains))
	for name := range s.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) ListByDomain(ctx context.Context, domain string, status Status) ([]*Heuristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Heuristic
	for _, h := range s.heuristics {
		if h.Domain == domain && h.Status == status {
			cp := *h
			out = append(out, &cp)
		}
	}
	sortHeuristics(out)
	return out, nil
}

func (s *MemoryStore) ListDecisions(ctx context.Context, domain string) ([]*DecisionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DecisionRequest
	for _, d := range s.decisions {
		if domain == "" || d.Domain == domain {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Updates returns a copy of the audit trail. Test helper.
func (s *MemoryStore) Updates() []*ConfidenceUpdateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ConfidenceUpdateRecord, len(s.updates))
	copy(out, s.updates)
	return out
}

// Merges returns a copy of the merge audit trail. Test helper.
func (s *MemoryStore) Merges() []*MergeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MergeRecord, len(s.merges))
	copy(out, s.merges)
	return out
}

// Events returns a copy of the expansion audit trail. Test helper.
func (s *MemoryStore) Events() []*ExpansionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ExpansionEvent, len(s.events))
	copy(out, s.events)
	return out
}

// sortHeuristics orders by creation time then id for stable iteration.
func sortHeuristics(hs []*Heuristic) {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].CreatedAt.Equal(hs[j].CreatedAt) {
			return hs[i].ID < hs[j].ID
		}
		return hs[i].CreatedAt.Before(hs[j].CreatedAt)
	})
}

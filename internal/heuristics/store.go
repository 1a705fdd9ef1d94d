package heuristics

import "context"

// Tx is the transactional view the engine works against.
//
// Every mutation the engine performs (confidence write, counter bump, audit
// row) happens through one Tx so two racing evidence events for the same
// heuristic cannot produce a lost update. Rate-limiter counters are read and
// written inside the same Tx as the confidence change, closing the
// check-then-act race.
type Tx interface {
	// GetHeuristic loads one heuristic for update.
	// Returns ErrHeuristicNotFound if the id is unknown.
	GetHeuristic(id string) (*Heuristic, error)

	// PutHeuristic inserts or overwrites a heuristic row.
	PutHeuristic(h *Heuristic) error

	// GetDomain loads domain metadata for update.
	// Returns ErrDomainNotFound if the domain is unknown.
	GetDomain(name string) (*DomainMetadata, error)

	// PutDomain inserts or overwrites domain metadata.
	PutDomain(d *DomainMetadata) error

	// ListByDomain returns all heuristics in a domain with the given status.
	ListByDomain(domain string, status Status) ([]*Heuristic, error)

	// CountByStatus recomputes per-status counts from the heuristics table.
	// This is the ground truth the cached DomainMetadata counts must match.
	CountByStatus(domain string) (map[Status]int, error)

	// AppendUpdate writes a confidence audit row. Append-only.
	AppendUpdate(rec *ConfidenceUpdateRecord) error

	// AppendMerge writes a merge audit row. Append-only.
	AppendMerge(rec *MergeRecord) error

	// AppendExpansionEvent writes a capacity audit row. Append-only.
	AppendExpansionEvent(ev *ExpansionEvent) error

	// EnqueueDecision parks a hard-limit escalation for an operator.
	EnqueueDecision(req *DecisionRequest) error
}

// Store is the persistence boundary for the maintenance engine.
//
// WithinTx runs fn atomically: read-current-state, compute, write-new-state,
// write-audit-row, commit. A returned error rolls the transaction back
// entirely; partial application is never surfaced. Implementations against a
// single-file relational store are expected to retry busy transactions with
// backoff rather than relying on external file locks.
//
// The read-only methods serve snapshots and never block writers; callers
// tolerate slightly stale results.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetHeuristic(ctx context.Context, id string) (*Heuristic, error)
	GetDomain(ctx context.Context, name string) (*DomainMetadata, error)
	ListDomains(ctx context.Context) ([]string, error)
	ListByDomain(ctx context.Context, domain string, status Status) ([]*Heuristic, error)
	ListDecisions(ctx context.Context, domain string) ([]*DecisionRequest, error)
}

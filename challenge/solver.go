// Package challenge defines the pluggable Solver interface driving ACME
// domain-control validation, and a priority-ordered Registry used by the
// order orchestrator to pick a solver for each authorization.
//
// Grounded on the teacher's shell/commands/challSrv ChallengeServer
// interface (Add/Delete per challenge type) and the certmagic httpSolver /
// tlsALPNSolver pattern retrieved from the example pack (shared listener
// reference counting, idempotent Setup/Cleanup), generalized into a single
// capability interface usable by any challenge type.
package challenge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cpu/acmed/acme/resources"
)

// Solver publishes and removes evidence of domain control for one challenge
// type. Implementations must make Setup and Cleanup idempotent: the
// orchestrator may call either more than once for the same challenge (e.g.
// on a retried validation or overlapping solver priorities).
type Solver interface {
	// Supports reports whether this solver can attempt challType for
	// identifier (e.g. a DNS-01 solver supports wildcard identifiers; an
	// HTTP-01 solver does not).
	Supports(challType, identifier string) bool
	// Setup publishes the evidence (file, DNS record, TLS certificate) that
	// proves control of identifier, derived from keyAuth.
	Setup(ctx context.Context, identifier string, chall *resources.Challenge, keyAuth string) error
	// PollSelfReady performs a local readiness check (e.g. DNS propagation)
	// before the caller notifies the CA. The default behavior for solvers
	// with no meaningful local check is to return true immediately.
	PollSelfReady(ctx context.Context, identifier string, chall *resources.Challenge, keyAuth string) (bool, error)
	// Cleanup removes the published evidence. Must be safe to call even if
	// Setup was never called or failed.
	Cleanup(ctx context.Context, identifier string, chall *resources.Challenge) error
}

// entry pairs a Solver with its registration priority. Higher priority wins
// ties when more than one registered solver supports a (type, identifier).
type entry struct {
	solver   Solver
	priority int
}

// Registry holds the solvers available to the order orchestrator, queried by
// (challenge type, identifier).
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds solver with the given priority. Solvers are kept in
// descending priority order; among equal priorities the one registered
// first comes first.
func (r *Registry) Register(solver Solver, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{solver: solver, priority: priority})
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].priority > r.entries[j].priority
	})
}

// Lookup returns the highest-priority solver supporting challType for
// identifier, or ErrNoSolver if none is registered.
func (r *Registry) Lookup(challType, identifier string) (Solver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.solver.Supports(challType, identifier) {
			return e.solver, nil
		}
	}
	return nil, fmt.Errorf("%w: no solver registered for %s/%s", ErrNoSolver, challType, identifier)
}

// ErrNoSolver is wrapped by Lookup's error when no registered solver
// supports the requested (challenge type, identifier) pair.
var ErrNoSolver = fmt.Errorf("challenge: no solver available")

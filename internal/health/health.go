// Package health provides a registry of named subsystem health checkers
// plus the agent's standard checkers: game API reachability, order-board
// persistence, and character staleness.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// -----------------------------------------------------------------------------
// Standard checkers
// -----------------------------------------------------------------------------

// GameAPI reports whether the upstream game server answers. ping is
// typically a cheap read like fetching server details.
func GameAPI(ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: "game-api", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "game-api", Healthy: true}
	}
}

// OrderBoard reports whether the order board can reach its store.
func OrderBoard(flush func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := flush(ctx); err != nil {
			return Status{Name: "order-board", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "order-board", Healthy: true}
	}
}

// StaleReporter is the character-context surface the staleness checker
// reads.
type StaleReporter interface {
	Name() string
	Stale() (bool, string)
}

// Characters reports unhealthy when any character context is marked
// stale, naming the characters and their last errors.
func Characters(chars []StaleReporter) Checker {
	return func(context.Context) Status {
		var details []string
		for _, ch := range chars {
			if stale, reason := ch.Stale(); stale {
				details = append(details, fmt.Sprintf("%s: %s", ch.Name(), reason))
			}
		}
		if len(details) > 0 {
			return Status{Name: "characters", Healthy: false, Detail: strings.Join(details, "; ")}
		}
		return Status{Name: "characters", Healthy: true}
	}
}

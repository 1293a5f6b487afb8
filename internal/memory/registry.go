package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// StoreFactory builds the Store for one agent.
type StoreFactory func(agentName string) (Store, error)

// Registry hands out one Manager per agent, creating them on first use.
type Registry struct {
	factory StoreFactory
	cfg     Config
	events  EventPublisher

	mu       sync.Mutex
	managers map[string]*Manager
	allowed  map[string]bool
}

// NewRegistry creates a Registry. events may be nil.
func NewRegistry(factory StoreFactory, cfg Config, events EventPublisher) *Registry {
	return &Registry{
		factory:  factory,
		cfg:      cfg,
		events:   events,
		managers: make(map[string]*Manager),
	}
}

// Restrict limits the registry to the given agents. Manager then rejects any
// other name with ErrUnknownAgent instead of building a store for it.
// Without a restriction every valid name is served.
func (r *Registry) Restrict(agents ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.allowed = make(map[string]bool, len(agents))
	for _, a := range agents {
		if name := SanitizeAgentName(a); name != "" {
			r.allowed[name] = true
		}
	}
}

// Manager returns the Manager for agentName, building it if needed.
// Names are sanitized, so "CSV Agent" and "csv_agent" share one Manager.
func (r *Registry) Manager(agentName string) (*Manager, error) {
	name := SanitizeAgentName(agentName)
	if name == "" {
		return nil, validationErrorf("agent_name", "%q contains no usable characters", agentName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[name]; ok {
		return m, nil
	}
	if r.allowed != nil && !r.allowed[name] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	store, err := r.factory(name)
	if err != nil {
		return nil, fmt.Errorf("creating store for agent %s: %w", name, err)
	}
	m := NewManager(store, r.cfg, r.events)
	r.managers[name] = m
	return m, nil
}

// Agents lists the agents with a live Manager, sorted.
func (r *Registry) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.managers))
	for name := range r.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every Manager and forgets them.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result *multierror.Error
	for name, m := range r.managers {
		if err := m.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	r.managers = make(map[string]*Manager)
	return result.ErrorOrNil()
}

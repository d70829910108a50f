// Package orchestrator implements the job graph scheduler. A leader
// decomposes a root job into a DAG of subjobs, assigns each to an expert
// and runs the graph with bounded parallelism, consulting evaluator
// verdicts to retry, propagate lessons upstream, or re-decompose.
package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/reasoner"
	"github.com/jkaninda/chorus/internal/workflow"
)

var (
	ErrUnknownExpert      = errors.New("unknown expert")
	ErrDuplicateExpert    = errors.New("duplicate expert")
	ErrEmptyDecomposition = errors.New("decomposition produced no subtasks")
	ErrDispatchBudget     = errors.New("dispatch budget exhausted")
	ErrCycle              = errors.New("job graph contains a cycle")
	ErrSelfLoop           = errors.New("job cannot depend on itself")
	ErrUnknownJob         = errors.New("unknown job")
	ErrDuplicateJob       = errors.New("duplicate job id")
	ErrNotFound           = domain.ErrNotFound
)

// Expert is a reusable agent: a workflow plus the reasoner that drives it.
type Expert struct {
	ID          string
	Name        string
	Description string
	Workflow    *workflow.Workflow
	Reasoner    reasoner.Reasoner
}

// ExpertRegistry resolves experts assigned by decomposition.
type ExpertRegistry interface {
	GetByName(name string) (*Expert, error)
	GetByID(id string) (*Expert, error)
	List() []*Expert
}

// MemoryRegistry is an in-memory ExpertRegistry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	byID   map[string]*Expert
	byName map[string]*Expert
}

// NewMemoryRegistry creates a registry holding experts.
func NewMemoryRegistry(experts ...*Expert) (*MemoryRegistry, error) {
	r := &MemoryRegistry{
		byID:   make(map[string]*Expert),
		byName: make(map[string]*Expert),
	}
	for _, e := range experts {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds e. The id defaults to the name.
func (r *MemoryRegistry) Register(e *Expert) error {
	if e.ID == "" {
		e.ID = e.Name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[e.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateExpert, e.Name)
	}
	if _, ok := r.byID[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateExpert, e.ID)
	}
	r.byID[e.ID] = e
	r.byName[e.Name] = e
	return nil
}

func (r *MemoryRegistry) GetByName(name string) (*Expert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExpert, name)
	}
	return e, nil
}

func (r *MemoryRegistry) GetByID(id string) (*Expert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %q", ErrUnknownExpert, id)
	}
	return e, nil
}

// List returns experts sorted by name.
func (r *MemoryRegistry) List() []*Expert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Expert, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Config bounds the scheduler.
type Config struct {
	MaxParallel int // Concurrently running subjobs. Default: 8.
	RetryCap    int // Retries per subjob for execution and input errors.
	LifeCap     int // Re-decomposition depth granted to first-level subjobs.
}

// DefaultConfig returns the default scheduler bounds.
func DefaultConfig() Config {
	return Config{MaxParallel: 8, RetryCap: 3, LifeCap: domain.DefaultLife}
}

func (c Config) maxParallel() int {
	if c.MaxParallel > 0 {
		return c.MaxParallel
	}
	return 8
}

func (c Config) retryCap() int { return max(c.RetryCap, 0) }

func (c Config) lifeCap() int { return max(c.LifeCap, 0) }

// dispatchBudget is the most times one subjob may be dispatched.
func (c Config) dispatchBudget() int { return c.retryCap() + 1 + c.lifeCap() }

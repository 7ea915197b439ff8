// Package correlation implements correlation ID generation and the
// flow-step trace that lets a single user-visible operation be
// reconstructed across dozens of internal events.
package correlation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Context is a node in the correlation tree. Root and Parent are
// immutable once created; a root context has Parent == "" and
// Root == its own Id.
type Context struct {
	Id        string
	Parent    string
	Root      string
	System    string
	Operation string
	CreatedAt time.Time
}

// FlowStep is a single traced stage within a correlation.
type FlowStep struct {
	Step      string
	System    string
	Stage     string
	Status    string
	StartedAt time.Time
	EndedAt   time.Time
	Success   bool
	Error     string
	open      bool
}

// Tracker owns the correlation-context registry and per-correlation flow
// logs. The façade's mutating, verifying and session-starting entry points register
// a context here so a single operation's trace can be reconstructed later.
type Tracker struct {
	mu       sync.Mutex
	contexts map[string]*Context
	steps    map[string][]*FlowStep
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		contexts: make(map[string]*Context),
		steps:    make(map[string][]*FlowStep),
	}
}

// NewRoot creates a new top-level correlation context.
func (t *Tracker) NewRoot(system, operation string, now time.Time) *Context {
	return t.NewRootWithId(uuid.NewString(), system, operation, now)
}

// NewRootWithId creates a top-level correlation context using a
// caller-supplied id instead of minting a fresh one — used when a caller
// (e.g. start_session) passes its own correlationId that downstream
// events must echo back verbatim.
func (t *Tracker) NewRootWithId(id, system, operation string, now time.Time) *Context {
	ctx := &Context{
		Id:        id,
		Root:      id,
		System:    system,
		Operation: operation,
		CreatedAt: now,
	}
	t.mu.Lock()
	t.contexts[id] = ctx
	t.mu.Unlock()
	return ctx
}

// NewChild creates a correlation context whose parent and root are
// derived from an existing one.
func (t *Tracker) NewChild(parent *Context, system, operation string, now time.Time) *Context {
	id := uuid.NewString()
	root := parent.Root
	if root == "" {
		root = parent.Id
	}
	ctx := &Context{
		Id:        id,
		Parent:    parent.Id,
		Root:      root,
		System:    system,
		Operation: operation,
		CreatedAt: now,
	}
	t.mu.Lock()
	t.contexts[id] = ctx
	t.mu.Unlock()
	return ctx
}

// Get returns the context for id, if known.
func (t *Tracker) Get(id string) (*Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, ok := t.contexts[id]
	return ctx, ok
}

// TrackFlowStep appends a new, open flow step to the correlation's trace.
func (t *Tracker) TrackFlowStep(cid, step, system, stage string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps[cid] = append(t.steps[cid], &FlowStep{
		Step:      step,
		System:    system,
		Stage:     stage,
		Status:    "started",
		StartedAt: now,
		open:      true,
	})
}

// CompleteFlowStep closes the most recently opened step for cid.
func (t *Tracker) CompleteFlowStep(cid string, success bool, errMsg string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	steps := t.steps[cid]
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].open {
			steps[i].open = false
			steps[i].EndedAt = now
			steps[i].Success = success
			steps[i].Error = errMsg
			if success {
				steps[i].Status = "completed"
			} else {
				steps[i].Status = "failed"
			}
			return
		}
	}
}

// RecordFailure appends a single closed, failed flow step directly — the
// shape a façade's advisory compensation entry takes when a step fails
// before ever opening its own tracked span.
func (t *Tracker) RecordFailure(cid, step string, err error, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps[cid] = append(t.steps[cid], &FlowStep{
		Step:      step,
		Stage:     "compensation",
		Status:    "failed",
		StartedAt: now,
		EndedAt:   now,
		Success:   false,
		Error:     err.Error(),
	})
}

// Prune removes contexts created before cutoff together with their flow
// traces. Returns the number of contexts removed. Intended to run from
// the owning service's retention tick.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, ctx := range t.contexts {
		if ctx.CreatedAt.Before(cutoff) {
			delete(t.contexts, id)
			delete(t.steps, id)
			removed++
		}
	}
	return removed
}

// Steps returns a defensive copy of cid's flow-step trace, in call order.
func (t *Tracker) Steps(cid string) []FlowStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	steps := t.steps[cid]
	out := make([]FlowStep, len(steps))
	for i, s := range steps {
		out[i] = *s
	}
	return out
}

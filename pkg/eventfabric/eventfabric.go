// Package eventfabric carries identity and security events to
// subscribers over four bounded priority queues, with a single
// scheduler-loop drain policy and at-least-once delivery via a
// backoff-driven retry queue. Redis and Slack adapters plug into the
// in-process subscriber registry.
package eventfabric

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wisbric/triad/pkg/correlation"
	"github.com/wisbric/triad/pkg/triad"
)

// MaxQueueSize is the default per-priority queue cap.
const MaxQueueSize = 10000

// MaxRetries is the default redelivery cap before an event is dropped.
const MaxRetries = 3

// DefaultBatchSize is the per-cycle dequeue budget for the high queue;
// the normal and low budgets derive from it as half and a quarter.
const DefaultBatchSize = 50

// Priority is one of the four fabric lanes, highest first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	priorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// EventType tags an envelope. The vocabulary is open: this core's own
// events are named constants below, but domain events it merely routes
// (wallet/escrow/governance) pass through as arbitrary strings.
type EventType string

const (
	EventIdentityCreated       EventType = "IdentityCreated"
	EventIdentityDisabled      EventType = "IdentityDisabled"
	EventDeviceAdded           EventType = "DeviceAdded"
	EventDeviceRevoked         EventType = "DeviceRevoked"
	EventDeviceKeyRotated      EventType = "DeviceKeyRotated"
	EventRoleGranted           EventType = "RoleGranted"
	EventRoleRevoked           EventType = "RoleRevoked"
	EventWalletLinked          EventType = "WalletLinked"
	EventSessionIssued         EventType = "SessionIssued"
	EventSessionRevoked        EventType = "SessionRevoked"
	EventSecurityIncident      EventType = "SecurityIncident"
	EventVerificationFailed    EventType = "VerificationFailed"
	EventVerificationSucceeded EventType = "VerificationSucceeded"
)

// Envelope is the wire shape delivered to subscribers.
type Envelope struct {
	Id                uint64
	Type              EventType
	Payload           any
	Priority          Priority
	Correlation       correlation.Context
	OriginatingSystem string
	RetryCount        int
	Tags              []string
	Metadata          map[string]string
}

// Filter matches an envelope for delivery to one subscriber.
type Filter struct {
	EventTypes map[EventType]struct{}
	Sources    map[string]struct{}
	Principals map[string]struct{}
	Priorities map[Priority]struct{}
	From, To   time.Time
}

// Match reports whether e passes every non-empty dimension of f. principal
// is the caller-supplied principal tag for e, since Envelope itself does
// not carry one directly (it rides in Metadata["principal"] when present).
func (f Filter) Match(e Envelope, principal string) bool {
	if len(f.EventTypes) > 0 {
		if _, ok := f.EventTypes[e.Type]; !ok {
			return false
		}
	}
	if len(f.Sources) > 0 {
		if _, ok := f.Sources[e.OriginatingSystem]; !ok {
			return false
		}
	}
	if len(f.Principals) > 0 {
		if _, ok := f.Principals[principal]; !ok {
			return false
		}
	}
	if len(f.Priorities) > 0 {
		if _, ok := f.Priorities[e.Priority]; !ok {
			return false
		}
	}
	if !f.From.IsZero() && e.Correlation.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Correlation.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// Handler processes a delivered envelope. A returned error marks this
// subscriber's delivery as failed for that envelope without affecting
// other subscribers.
type Handler func(Envelope) error

// Subscriber is a registered (id, filter, handler) triple.
type Subscriber struct {
	Id      string
	Filter  Filter
	Handler Handler
}

// Metrics are the fabric's running counters.
type Metrics struct {
	Total       uint64
	ByPriority  [priorityCount]uint64
	Processed   uint64
	Failed      uint64
	QueueSizes  [priorityCount]int
	LastUpdated time.Time
}

// ErrorRate returns failed / (processed+failed), or 0 if nothing has run.
func (m Metrics) ErrorRate() float64 {
	denom := m.Processed + m.Failed
	if denom == 0 {
		return 0
	}
	return float64(m.Failed) / float64(denom)
}

type retryItem struct {
	envelope    Envelope
	nextAttempt time.Time
}

// historyItem is a processed envelope retained for audit readback until
// retention pruning removes it.
type historyItem struct {
	envelope    Envelope
	processedAt time.Time
}

// Fabric is the four-priority queue set plus retry queue and subscriber
// registry.
type Fabric struct {
	mu          sync.Mutex
	queues      [priorityCount][]Envelope
	maxQueue    int
	retry       []*retryItem
	maxRetries  int
	history     []historyItem
	subscribers []*Subscriber
	nextId      uint64
	metrics     Metrics
	logger      *slog.Logger
}

// New creates a Fabric. A non-positive maxQueueSize or maxRetries falls
// back to the package defaults.
func New(maxQueueSize, maxRetries int, logger *slog.Logger) *Fabric {
	if maxQueueSize <= 0 {
		maxQueueSize = MaxQueueSize
	}
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fabric{
		maxQueue:   maxQueueSize,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Emit enqueues event onto its priority's queue. Overflow returns
// queue_full rather than blocking, so emitters can shed load.
func (f *Fabric) Emit(e Envelope) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.queues[e.Priority]) >= f.maxQueue {
		return 0, triad.NewError("emit", triad.CodeQueueFull)
	}

	e.Id = atomic.AddUint64(&f.nextId, 1)
	f.queues[e.Priority] = append(f.queues[e.Priority], e)

	f.metrics.Total++
	f.metrics.ByPriority[e.Priority]++
	f.metrics.QueueSizes[e.Priority] = len(f.queues[e.Priority])
	f.metrics.LastUpdated = time.Now()

	return e.Id, nil
}

// Subscribe registers a new subscriber under id and returns it.
func (f *Fabric) Subscribe(id string, filter Filter, handler Handler) *Subscriber {
	sub := &Subscriber{Id: id, Filter: filter, Handler: handler}
	f.mu.Lock()
	f.subscribers = append(f.subscribers, sub)
	f.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber by id.
func (f *Fabric) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sub := range f.subscribers {
		if sub.Id == id {
			f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
			return
		}
	}
}

// Metrics returns a copy of the current counters.
func (f *Fabric) Metrics() Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}

// deliver fans e out to every matching subscriber. The event is
// considered delivered if at least one matching subscriber succeeds, or
// if there are zero matches.
func (f *Fabric) deliver(e Envelope) bool {
	f.mu.Lock()
	subs := append([]*Subscriber(nil), f.subscribers...)
	f.mu.Unlock()

	principal := e.Metadata["principal"]
	matched := false
	delivered := false
	for _, sub := range subs {
		if !sub.Filter.Match(e, principal) {
			continue
		}
		matched = true
		if err := sub.Handler(e); err != nil {
			f.logger.Warn("subscriber delivery failed", "subscriber", sub.Id, "event_id", e.Id, "error", err)
			continue
		}
		delivered = true
	}
	return !matched || delivered
}

// RunCycle drains the fabric once: critical to empty, then up to
// batchHigh/batchHigh/2/batchHigh/4 from high/normal/low, then processes
// any retry items whose backoff has elapsed. A non-positive batchHigh
// falls back to DefaultBatchSize.
func (f *Fabric) RunCycle(now time.Time, batchHigh int) {
	if batchHigh <= 0 {
		batchHigh = DefaultBatchSize
	}

	f.drainAll(PriorityCritical, -1, now)
	f.drainAll(PriorityHigh, batchHigh, now)
	f.drainAll(PriorityNormal, batchHigh/2, now)
	f.drainAll(PriorityLow, batchHigh/4, now)

	f.processRetries(now)

	f.mu.Lock()
	for p := Priority(0); p < priorityCount; p++ {
		f.metrics.QueueSizes[p] = len(f.queues[p])
	}
	f.metrics.LastUpdated = now
	f.mu.Unlock()
}

// drainAll dequeues up to limit envelopes (or all, if limit < 0) from
// priority p and delivers each.
func (f *Fabric) drainAll(p Priority, limit int, now time.Time) {
	for {
		f.mu.Lock()
		if len(f.queues[p]) == 0 || (limit == 0) {
			f.mu.Unlock()
			return
		}
		e := f.queues[p][0]
		f.queues[p] = f.queues[p][1:]
		f.mu.Unlock()

		f.process(e, now)
		if limit > 0 {
			limit--
		}
	}
}

func (f *Fabric) process(e Envelope, now time.Time) {
	if f.deliver(e) {
		f.mu.Lock()
		f.metrics.Processed++
		f.history = append(f.history, historyItem{envelope: e, processedAt: now})
		f.mu.Unlock()
		return
	}
	f.scheduleRetry(e)
}

func (f *Fabric) scheduleRetry(e Envelope) {
	e.RetryCount++
	if e.RetryCount > f.maxRetries {
		f.mu.Lock()
		f.metrics.Failed++
		f.mu.Unlock()
		f.logger.Error("event dropped after exhausting retries", "event_id", e.Id, "type", e.Type)
		return
	}

	// A fresh policy advanced RetryCount times yields a delay that grows
	// with each redelivery attempt for this envelope.
	b := backoff.NewExponentialBackOff()
	var delay time.Duration
	for i := 0; i < e.RetryCount; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 {
		delay = time.Second
	}

	f.mu.Lock()
	f.retry = append(f.retry, &retryItem{envelope: e, nextAttempt: time.Now().Add(delay)})
	f.mu.Unlock()
}

func (f *Fabric) processRetries(now time.Time) {
	f.mu.Lock()
	due := make([]*retryItem, 0, len(f.retry))
	remaining := f.retry[:0]
	for _, item := range f.retry {
		if now.After(item.nextAttempt) || now.Equal(item.nextAttempt) {
			due = append(due, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	f.retry = remaining
	f.mu.Unlock()

	for _, item := range due {
		f.process(item.envelope, now)
	}
}

// History returns a copy of the retained, already-processed envelopes in
// insertion order.
func (f *Fabric) History() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, len(f.history))
	for i, h := range f.history {
		out[i] = h.envelope
	}
	return out
}

// PruneHistory removes retained envelopes processed before cutoff, in
// insertion order. When preserveCritical is set, critical-priority
// envelopes survive pruning regardless of age. Returns the number of
// entries removed.
func (f *Fabric) PruneHistory(cutoff time.Time, preserveCritical bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.history[:0]
	removed := 0
	for _, h := range f.history {
		if h.processedAt.Before(cutoff) && !(preserveCritical && h.envelope.Priority == PriorityCritical) {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	f.history = kept
	return removed
}

// Package flood propagates accepted store updates to peer sessions.
//
// The engine subscribes to the store and pushes every accepted merge to the
// synced sessions selected by the flood policy, excluding the session the
// update arrived from. Outbound traffic is gated by a token bucket; while
// the bucket is exhausted updates queue, with updates to the same key
// coalesced so only the latest wins.
package flood

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridianrt/meridian/pkg/log"
	"github.com/meridianrt/meridian/server/kvstore"
)

// Sender is a peer session a delta can be flooded to. Implemented by
// sync.Session.
type Sender interface {
	// PeerID is the node ID of the remote peer.
	PeerID() string

	// Synced returns whether the session has completed its full sync.
	Synced() bool

	// InArea returns whether the area is shared with the peer.
	InArea(areaID string) bool

	// SendFlood pushes a batch of entries to the peer.
	SendFlood(areaID string, kvs []kvstore.KeyValue) error
}

type pendingKey struct {
	area string
	key  string
}

type pendingEntry struct {
	event    kvstore.Event
	queuedAt time.Time
}

// Engine floods accepted merge outcomes to peer sessions.
type Engine struct {
	store *kvstore.Store

	conf Config

	limiter *rate.Limiter

	policy Policy

	// mu protects the fields below.
	mu      sync.Mutex
	senders map[Sender]struct{}
	pending map[pendingKey]*pendingEntry
	// order tracks pending keys oldest first.
	order []pendingKey

	wake chan struct{}

	metrics *Metrics

	logger log.Logger
}

func NewEngine(
	store *kvstore.Store,
	conf Config,
	logger log.Logger,
) *Engine {
	engine := &Engine{
		store:   store,
		conf:    conf,
		limiter: rate.NewLimiter(rate.Limit(conf.RateMsgsPerSec), conf.RateBurstSize),
		senders: make(map[Sender]struct{}),
		pending: make(map[pendingKey]*pendingEntry),
		wake:    make(chan struct{}, 1),
		metrics: newMetrics(),
		logger:  logger.WithSubsystem("flood"),
	}

	engine.policy = NewFullPolicy()
	if conf.EnableTreeReduction {
		// Full flooding remains the correctness baseline: the tree policy
		// falls back to it whenever the tree doesn't cover the local node.
		engine.policy = NewTreePolicy(store.NodeID(), engine.policy)
	}

	return engine
}

// Register adds a peer session as a flood target.
func (e *Engine) Register(sender Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.senders[sender] = struct{}{}
	e.metrics.Senders.Set(float64(len(e.senders)))
}

// Unregister removes a peer session.
func (e *Engine) Unregister(sender Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.senders, sender)
	e.metrics.Senders.Set(float64(len(e.senders)))
}

// UpdateTopology installs the peer adjacency graph used by the
// spanning-tree flood reduction. A no-op when tree reduction is disabled.
func (e *Engine) UpdateTopology(edges []Edge) {
	if policy, ok := e.policy.(*TreePolicy); ok {
		policy.UpdateTopology(edges)
	}
}

// Run subscribes to the store and floods accepted updates until the context
// is cancelled.
func (e *Engine) Run(ctx context.Context) {
	sub := e.store.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			event, ok := sub.Next(ctx)
			if !ok {
				return
			}
			e.enqueue(event)
		}
	}()

	for {
		select {
		case <-e.wake:
		case <-ctx.Done():
			return
		}

		for {
			entry, ok := e.pop()
			if !ok {
				break
			}
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			e.dispatch(entry)
		}
	}
}

// Metrics returns the flood metrics.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// QueueLen returns the number of pending coalesced updates.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

func (e *Engine) enqueue(event kvstore.Event) {
	key := pendingKey{area: event.Area, key: event.Key}

	e.mu.Lock()
	if existing, ok := e.pending[key]; ok {
		// Coalesce: only the latest update per key is transmitted.
		if event.Value.Compare(&existing.event.Value) >= 0 {
			existing.event = event
			existing.queuedAt = time.Now()
		}
		e.metrics.CoalescedTotal.Inc()
	} else {
		if e.conf.MaxQueueSize != 0 && len(e.order) >= e.conf.MaxQueueSize {
			// The queue is full of distinct keys: degrade by dropping the
			// oldest pending key rather than failing. The digest exchange
			// repairs anything lost here.
			oldest := e.order[0]
			e.order = e.order[1:]
			delete(e.pending, oldest)
			e.metrics.OverflowTotal.Inc()
			e.logger.Warn(
				"flood queue full; dropping oldest pending update",
				zap.String("area", oldest.area),
				zap.String("key", oldest.key),
			)
		}
		e.pending[key] = &pendingEntry{
			event:    event,
			queuedAt: time.Now(),
		}
		e.order = append(e.order, key)
	}
	e.metrics.QueueSize.Set(float64(len(e.order)))
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) pop() (pendingEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.order) == 0 {
		return pendingEntry{}, false
	}
	key := e.order[0]
	e.order = e.order[1:]
	entry := e.pending[key]
	delete(e.pending, key)
	e.metrics.QueueSize.Set(float64(len(e.order)))
	return *entry, true
}

func (e *Engine) dispatch(entry pendingEntry) {
	event := entry.event

	// Refresh the transmitted TTL from the replica: time spent queued has
	// already consumed part of the lifetime.
	if current, ok := e.store.Get(event.Area, event.Key); ok {
		if current.Compare(&event.Value) >= 0 {
			event.Value.TTL = current.TTL
		}
	}

	value := event.Value
	if event.Outcome == kvstore.OutcomeTTLRefreshed {
		// Refreshes are relayed with the payload stripped; the content hash
		// still identifies the payload the refresh applies to.
		value.Payload = nil
	}

	targets := e.targets(event.Area, event.Source)
	for _, target := range targets {
		if err := target.SendFlood(event.Area, []kvstore.KeyValue{{
			Key:   event.Key,
			Value: value,
		}}); err != nil {
			// The session tears itself down on transport errors; flooding
			// continues to the remaining targets.
			e.logger.Warn(
				"failed to flood to peer",
				zap.String("peer-id", target.PeerID()),
				zap.String("key", event.Key),
				zap.Error(err),
			)
			continue
		}
		e.metrics.SentTotal.Inc()
	}
}

func (e *Engine) targets(areaID, source string) []Sender {
	e.mu.Lock()
	senders := make([]Sender, 0, len(e.senders))
	for sender := range e.senders {
		senders = append(senders, sender)
	}
	e.mu.Unlock()

	return e.policy.Targets(areaID, source, senders)
}

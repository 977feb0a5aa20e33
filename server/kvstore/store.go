package kvstore

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrRejectedStale is returned for a local write that loses the merge race
// against the entry already in the replica.
var ErrRejectedStale = fmt.Errorf("rejected stale write")

type entry struct {
	value Value

	// expiry is the time the remaining TTL reaches zero.
	expiry time.Time

	// expiredAt is set when the sweep first observes the entry expired. The
	// entry is purged once a grace period has elapsed with no refresh.
	expiredAt time.Time
}

func (e *entry) remaining(now time.Time) int64 {
	ms := e.expiry.Sub(now).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// area holds the replica for a single area. Merges within an area are
// serialized by the area mutex; areas are independent.
type area struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Store owns the authoritative local replica of all keys, partitioned by
// area.
//
// The replica is only mutated through the merge path (Put, Merge and the TTL
// bookkeeping), which applies the merge rule: prefer the higher version, then
// the higher TTL version, then the lexicographically higher originator.
// Merging is idempotent and order independent, so duplicate and reordered
// delivery from peers is harmless.
type Store struct {
	nodeID string

	conf Config

	clock clock.Clock

	// mu protects the areas map. Entries within an area are guarded by the
	// area mutex.
	mu    sync.RWMutex
	areas map[string]*area

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}

	metrics *Metrics
}

func NewStore(nodeID string, conf Config, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		nodeID:  nodeID,
		conf:    conf,
		clock:   clk,
		areas:   make(map[string]*area),
		subs:    make(map[*Subscription]struct{}),
		metrics: newMetrics(),
	}
}

// NodeID returns the ID of the local node, used as the originator for local
// writes.
func (s *Store) NodeID() string {
	return s.nodeID
}

// Publish is a local write of an opaque payload with the given version. The
// value is originated by the local node with the configured default TTL.
func (s *Store) Publish(areaID, key string, payload []byte, version int64) (Event, error) {
	value := Value{
		Originator: s.nodeID,
		Version:    version,
		Payload:    payload,
		TTL:        s.conf.DefaultTTL.Milliseconds(),
		TTLVersion: 1,
	}
	value.Hash = value.Sum()
	return s.Put(areaID, key, value)
}

// Put merges a local write into the replica. Fails with ErrRejectedStale if
// the supplied value does not win over the existing entry, protecting a stale
// local caller from clobbering a newer remote update.
func (s *Store) Put(areaID, key string, value Value) (Event, error) {
	event := s.merge(areaID, key, value, "", true)
	if event.Outcome == OutcomeRejectedStale {
		return event, ErrRejectedStale
	}
	return event, nil
}

// Merge merges a value received from a peer into the replica. It never fails:
// losses and ties are absorbed and reported as a no-op so the flood loop can
// avoid re-propagating unchanged state.
func (s *Store) Merge(areaID, key string, value Value, source string) Event {
	return s.merge(areaID, key, value, source, false)
}

// Get returns the winning value for the key, or false if the key is unknown
// or expired. The returned TTL is the remaining lifetime.
func (s *Store) Get(areaID, key string) (Value, bool) {
	a := s.area(areaID, false)
	if a == nil {
		return Value{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[key]
	if !ok {
		return Value{}, false
	}

	now := s.clock.Now()
	remaining := e.remaining(now)
	if remaining == 0 || e.value.Tombstone() {
		return Value{}, false
	}

	value := e.value
	value.TTL = remaining
	return value, true
}

// Dump returns every live entry in the area whose key has the given prefix,
// sorted by key. Used by full-sync and introspection.
func (s *Store) Dump(areaID, prefix string) []KeyValue {
	a := s.area(areaID, false)
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := s.clock.Now()

	var kvs []KeyValue
	for key, e := range a.entries {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		remaining := e.remaining(now)
		if remaining == 0 {
			continue
		}

		value := e.value
		value.TTL = remaining
		kvs = append(kvs, KeyValue{Key: key, Value: value})
	}

	sort.Slice(kvs, func(i, j int) bool {
		return kvs[i].Key < kvs[j].Key
	})
	return kvs
}

// Areas returns the IDs of the areas with at least one entry.
func (s *Store) Areas() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.areas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Digest returns an aggregate hash of the live entries in the area. Two
// converged replicas produce the same digest regardless of merge order.
func (s *Store) Digest(areaID string) uint64 {
	a := s.area(areaID, false)
	if a == nil {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := s.clock.Now()

	var digest uint64
	for key, e := range a.entries {
		if e.remaining(now) == 0 {
			continue
		}
		// XOR-fold per-entry hashes so the digest is order independent.
		digest ^= entryDigest(key, &e.value)
	}
	return digest
}

// RefreshLocal advances the TTL version of every locally originated entry
// whose remaining TTL is below the threshold, resetting the TTL to the
// default. Returns the accepted refresh events, which must be flooded.
func (s *Store) RefreshLocal(threshold time.Duration) []Event {
	now := s.clock.Now()

	var events []Event
	for _, areaID := range s.Areas() {
		a := s.area(areaID, false)

		a.mu.Lock()
		for key, e := range a.entries {
			if e.value.Originator != s.nodeID {
				continue
			}
			remaining := e.remaining(now)
			if remaining == 0 || remaining >= threshold.Milliseconds() {
				continue
			}

			e.value.TTLVersion++
			e.value.TTL = s.conf.DefaultTTL.Milliseconds()
			e.expiry = now.Add(s.conf.DefaultTTL)
			e.expiredAt = time.Time{}

			s.metrics.RefreshesTotal.Inc()

			event := Event{
				Area:    areaID,
				Key:     key,
				Value:   e.value,
				Outcome: OutcomeTTLRefreshed,
			}
			s.publish(event)
			events = append(events, event)
		}
		a.mu.Unlock()
	}

	return events
}

// SweepExpired marks entries whose TTL has reached zero as expired, and
// purges entries that have been expired for longer than the grace period.
//
// Purging emits a synthetic update with an empty payload and an advanced TTL
// version so peers converge on the removal. The tombstone itself is not kept:
// absence of a key is never authoritative, every node expires its own record.
func (s *Store) SweepExpired(grace time.Duration) []Event {
	now := s.clock.Now()

	var events []Event
	for _, areaID := range s.Areas() {
		a := s.area(areaID, false)

		a.mu.Lock()
		for key, e := range a.entries {
			if e.expiredAt.IsZero() {
				if e.remaining(now) == 0 {
					e.expiredAt = now
					s.metrics.ExpiredTotal.Inc()
				}
				continue
			}

			if now.Sub(e.expiredAt) < grace {
				continue
			}

			delete(a.entries, key)
			s.metrics.Entries.WithLabelValues(areaID).Dec()

			if e.value.Tombstone() {
				// The removal was already propagated by whichever node
				// purged the live entry first. Re-flooding it would churn
				// the TTL version forever.
				continue
			}

			tombstone := e.value
			tombstone.Payload = nil
			tombstone.TTL = 0
			tombstone.TTLVersion++
			tombstone.Hash = tombstone.Sum()

			event := Event{
				Area:    areaID,
				Key:     key,
				Value:   tombstone,
				Outcome: OutcomeUpdated,
			}
			s.publish(event)
			events = append(events, event)
		}
		a.mu.Unlock()
	}

	return events
}

// Metrics returns the store metrics.
func (s *Store) Metrics() *Metrics {
	return s.metrics
}

func (s *Store) merge(areaID, key string, value Value, source string, local bool) Event {
	a := s.area(areaID, true)

	a.mu.Lock()

	now := s.clock.Now()

	event := Event{
		Area:   areaID,
		Key:    key,
		Value:  value,
		Source: source,
	}

	e, ok := a.entries[key]
	if !ok {
		if value.Tombstone() {
			// A tombstone for an unknown key removes nothing. Absence of a
			// key is never authoritative, so there is nothing to track.
			event.Outcome = OutcomeNoOp
		} else {
			a.entries[key] = &entry{
				value:  value,
				expiry: now.Add(time.Duration(value.TTL) * time.Millisecond),
			}
			s.metrics.Entries.WithLabelValues(areaID).Inc()
			event.Outcome = OutcomeInserted
		}
	} else {
		cmp := value.Compare(&e.value)
		switch {
		case cmp < 0:
			event.Outcome = OutcomeNoOp
		case cmp == 0:
			// A value that differs only by hash with identical ordering
			// fields is treated as identical.
			event.Outcome = OutcomeNoOp
		default:
			refresh := value.Version == e.value.Version &&
				value.Originator == e.value.Originator &&
				value.Hash == e.value.Hash

			if !refresh && value.Stripped() {
				// A relayed refresh with the payload stripped only applies to
				// the exact content it was stripped from. Installing it over
				// a different entry would shadow the content update still in
				// flight. The TTL version lag it leaves behind surfaces in
				// the digest exchange.
				event.Outcome = OutcomeNoOp
				break
			}

			expiry := now.Add(time.Duration(value.TTL) * time.Millisecond)
			if refresh && expiry.Before(e.expiry) {
				// A refresh never reduces the remaining TTL.
				expiry = e.expiry
			}

			if refresh {
				// Refreshes may be relayed with the payload stripped, so
				// only the TTL fields are taken from the incoming value.
				e.value.TTL = value.TTL
				e.value.TTLVersion = value.TTLVersion
				event.Outcome = OutcomeTTLRefreshed
			} else {
				e.value = value
				event.Outcome = OutcomeUpdated
			}
			e.expiry = expiry
			e.expiredAt = time.Time{}
			event.Value = e.value
		}

		if event.Outcome == OutcomeNoOp && local {
			event.Outcome = OutcomeRejectedStale
		}
	}

	if event.Outcome != OutcomeNoOp && event.Outcome != OutcomeRejectedStale {
		// Published while holding the area mutex so subscribers observe
		// events in the order merges were serialized. Subscriber queues
		// never block so the mutex is not held for long.
		s.publish(event)
	}

	a.mu.Unlock()

	s.metrics.MergesTotal.WithLabelValues(areaID, event.Outcome.String()).Inc()

	return event
}

func (s *Store) area(areaID string, create bool) *area {
	s.mu.RLock()
	a, ok := s.areas[areaID]
	s.mu.RUnlock()
	if ok || !create {
		return a
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok = s.areas[areaID]
	if !ok {
		a = &area{
			entries: make(map[string]*entry),
		}
		s.areas[areaID] = a
	}
	return a
}

func entryDigest(key string, value *Value) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte(value.Originator))

	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(value.Version))
	binary.BigEndian.PutUint64(b[8:], uint64(value.TTLVersion))
	_, _ = h.Write(b[:])

	return h.Sum64()
}

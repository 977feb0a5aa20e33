package kvstore

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// Value is a versioned entry in the replicated store.
//
// Values are authored by a single originator node which increments the
// version on every content change. Competing values for the same key are
// ordered by (version, ttl_version, originator), which gives every node the
// same deterministic winner however updates are delivered.
type Value struct {
	// Originator is the ID of the node that authored this version.
	Originator string `json:"originator" codec:"originator"`

	// Version is incremented by the originator on every content change.
	Version int64 `json:"version" codec:"version"`

	// Payload contains the opaque value bytes. A nil payload is a tombstone
	// for an expired key that is still tracked for TTL bookkeeping.
	Payload []byte `json:"payload" codec:"payload"`

	// TTL is the remaining lifetime in milliseconds at the time of last
	// transmission. Each hop reduces it in transit and it is never negative.
	TTL int64 `json:"ttl" codec:"ttl"`

	// TTLVersion is incremented by the originator when it refreshes the TTL
	// without changing the payload, so a refresh propagates independently of
	// content updates.
	TTLVersion int64 `json:"ttl_version" codec:"ttl_version"`

	// Hash is a digest of (version, originator, payload), used to detect
	// identical payloads without a deep comparison.
	Hash uint64 `json:"hash" codec:"hash"`
}

// Compare orders v against o using the merge rule. Returns a positive value
// if v wins, negative if o wins and zero if the ordering fields are equal.
func (v *Value) Compare(o *Value) int {
	if v.Version != o.Version {
		if v.Version > o.Version {
			return 1
		}
		return -1
	}
	if v.TTLVersion != o.TTLVersion {
		if v.TTLVersion > o.TTLVersion {
			return 1
		}
		return -1
	}
	if v.Originator != o.Originator {
		if v.Originator > o.Originator {
			return 1
		}
		return -1
	}
	return 0
}

// Tombstone returns whether the value carries no payload.
func (v *Value) Tombstone() bool {
	return len(v.Payload) == 0
}

// Stripped returns whether the payload was removed in transit: the value
// carries no payload but its hash covers one. A genuine tombstone hashes its
// empty payload.
func (v *Value) Stripped() bool {
	return len(v.Payload) == 0 && v.Hash != v.Sum()
}

// Sum computes the content hash of the value. The TTL fields are excluded so
// a TTL refresh does not change the hash.
func (v *Value) Sum() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(v.Originator))

	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v.Version))
	_, _ = h.Write(b[:])

	_, _ = h.Write(v.Payload)
	return h.Sum64()
}

// Verify checks the structural validity of a value received from a peer.
//
// A negative TTL is not an error: it is clamped to zero and the value treated
// as already expired.
func (v *Value) Verify() error {
	if v.Originator == "" {
		return fmt.Errorf("missing originator")
	}
	if v.Version < 1 {
		return fmt.Errorf("invalid version: %d", v.Version)
	}
	if v.TTLVersion < 0 {
		return fmt.Errorf("invalid ttl version: %d", v.TTLVersion)
	}
	if v.TTL < 0 {
		v.TTL = 0
	}
	return nil
}

// KeyValue pairs a key with its value, used by dumps and the wire protocol.
type KeyValue struct {
	Key   string `json:"key" codec:"key"`
	Value Value  `json:"value" codec:"value"`
}

// Outcome is the result of merging a value into the replica.
type Outcome uint8

const (
	// OutcomeInserted indicates the key was not previously in the replica.
	OutcomeInserted Outcome = iota + 1

	// OutcomeUpdated indicates the value changed and must be flooded.
	OutcomeUpdated

	// OutcomeTTLRefreshed indicates only the TTL version advanced. The
	// refresh must still be flooded, though carries no payload change.
	OutcomeTTLRefreshed

	// OutcomeNoOp indicates the incoming value lost or tied, so must not be
	// re-flooded.
	OutcomeNoOp

	// OutcomeRejectedStale indicates a local write lost the merge race
	// against a newer entry. Only returned for local writes.
	OutcomeRejectedStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeTTLRefreshed:
		return "ttl_refreshed"
	case OutcomeNoOp:
		return "noop"
	case OutcomeRejectedStale:
		return "rejected_stale"
	default:
		return "unknown"
	}
}

// Event describes an accepted merge, delivered to subscribers in merge order.
type Event struct {
	Area    string  `json:"area"`
	Key     string  `json:"key"`
	Value   Value   `json:"value"`
	Outcome Outcome `json:"outcome"`

	// Source is the ID of the peer session the update was received from, or
	// empty for local writes. The flood engine never floods an update back
	// to its source.
	Source string `json:"source"`
}

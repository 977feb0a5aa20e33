package flood

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianrt/meridian/pkg/log"
	"github.com/meridianrt/meridian/server/kvstore"
)

type fakeSender struct {
	id     string
	synced bool
	areas  map[string]struct{}
	ch     chan kvstore.KeyValue
}

func newFakeSender(id string, areas ...string) *fakeSender {
	areaSet := make(map[string]struct{})
	for _, area := range areas {
		areaSet[area] = struct{}{}
	}
	return &fakeSender{
		id:     id,
		synced: true,
		areas:  areaSet,
		ch:     make(chan kvstore.KeyValue, 64),
	}
}

func (s *fakeSender) PeerID() string {
	return s.id
}

func (s *fakeSender) Synced() bool {
	return s.synced
}

func (s *fakeSender) InArea(areaID string) bool {
	_, ok := s.areas[areaID]
	return ok
}

func (s *fakeSender) SendFlood(_ string, kvs []kvstore.KeyValue) error {
	for _, kv := range kvs {
		s.ch <- kv
	}
	return nil
}

func (s *fakeSender) recv(t *testing.T) kvstore.KeyValue {
	t.Helper()

	select {
	case kv := <-s.ch:
		return kv
	case <-time.After(time.Second * 5):
		t.Fatal("timeout waiting for flooded update")
		return kvstore.KeyValue{}
	}
}

func testConfig() Config {
	var conf Config
	conf.Default()
	return conf
}

func TestEngine_Flood(t *testing.T) {
	store := kvstore.NewStore("node-local", kvstore.Config{
		DefaultTTL: time.Minute * 5,
	}, nil)
	engine := NewEngine(store, testConfig(), log.NewNopLogger())

	sender := newFakeSender("node-peer", "default")
	engine.Register(sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	// Wait for the engine to subscribe.
	time.Sleep(time.Millisecond * 10)

	_, err := store.Publish("default", "adj/node-local", []byte("up"), 1)
	require.NoError(t, err)

	kv := sender.recv(t)
	assert.Equal(t, "adj/node-local", kv.Key)
	assert.Equal(t, []byte("up"), kv.Value.Payload)
	assert.Equal(t, int64(1), kv.Value.Version)
}

// Tests an update is not flooded back to the session it arrived from,
// though it is still forwarded to the other peers.
func TestEngine_ExcludesSource(t *testing.T) {
	store := kvstore.NewStore("node-local", kvstore.Config{
		DefaultTTL: time.Minute * 5,
	}, nil)
	engine := NewEngine(store, testConfig(), log.NewNopLogger())

	origin := newFakeSender("node-origin", "default")
	other := newFakeSender("node-other", "default")
	engine.Register(origin)
	engine.Register(other)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	time.Sleep(time.Millisecond * 10)

	value := kvstore.Value{
		Originator: "node-remote",
		Version:    1,
		Payload:    []byte("up"),
		TTL:        300000,
		TTLVersion: 1,
	}
	value.Hash = value.Sum()
	event := store.Merge("default", "adj/node-remote", value, "node-origin")
	require.Equal(t, kvstore.OutcomeInserted, event.Outcome)

	kv := other.recv(t)
	assert.Equal(t, "adj/node-remote", kv.Key)

	select {
	case <-origin.ch:
		t.Fatal("update flooded back to its source")
	case <-time.After(time.Millisecond * 100):
	}
}

func TestEngine_Coalesce(t *testing.T) {
	t.Run("latest wins", func(t *testing.T) {
		store := kvstore.NewStore("node-local", kvstore.Config{
			DefaultTTL: time.Minute * 5,
		}, nil)
		engine := NewEngine(store, testConfig(), log.NewNopLogger())

		// Queue ten updates to the same key without draining.
		for version := int64(1); version <= 10; version++ {
			value := kvstore.Value{
				Originator: "node-local",
				Version:    version,
				Payload:    []byte(fmt.Sprintf("payload-%d", version)),
				TTL:        300000,
				TTLVersion: 1,
			}
			value.Hash = value.Sum()
			engine.enqueue(kvstore.Event{
				Area:    "default",
				Key:     "prefix/route",
				Value:   value,
				Outcome: kvstore.OutcomeUpdated,
			})
		}

		require.Equal(t, 1, engine.QueueLen())

		entry, ok := engine.pop()
		require.True(t, ok)
		assert.Equal(t, int64(10), entry.event.Value.Version)

		_, ok = engine.pop()
		assert.False(t, ok)
	})

	t.Run("stale not applied", func(t *testing.T) {
		store := kvstore.NewStore("node-local", kvstore.Config{
			DefaultTTL: time.Minute * 5,
		}, nil)
		engine := NewEngine(store, testConfig(), log.NewNopLogger())

		newer := kvstore.Value{
			Originator: "node-local",
			Version:    5,
			TTL:        300000,
			TTLVersion: 1,
		}
		newer.Hash = newer.Sum()
		engine.enqueue(kvstore.Event{
			Area:    "default",
			Key:     "prefix/route",
			Value:   newer,
			Outcome: kvstore.OutcomeUpdated,
		})

		older := kvstore.Value{
			Originator: "node-local",
			Version:    3,
			TTL:        300000,
			TTLVersion: 1,
		}
		older.Hash = older.Sum()
		engine.enqueue(kvstore.Event{
			Area:    "default",
			Key:     "prefix/route",
			Value:   older,
			Outcome: kvstore.OutcomeUpdated,
		})

		entry, ok := engine.pop()
		require.True(t, ok)
		assert.Equal(t, int64(5), entry.event.Value.Version)
	})
}

func TestEngine_QueueOverflow(t *testing.T) {
	store := kvstore.NewStore("node-local", kvstore.Config{
		DefaultTTL: time.Minute * 5,
	}, nil)
	conf := testConfig()
	conf.MaxQueueSize = 2
	engine := NewEngine(store, conf, log.NewNopLogger())

	for i := 0; i < 3; i++ {
		value := kvstore.Value{
			Originator: "node-local",
			Version:    1,
			TTL:        300000,
			TTLVersion: 1,
		}
		value.Hash = value.Sum()
		engine.enqueue(kvstore.Event{
			Area:    "default",
			Key:     fmt.Sprintf("key-%d", i),
			Value:   value,
			Outcome: kvstore.OutcomeInserted,
		})
	}

	require.Equal(t, 2, engine.QueueLen())

	// The oldest pending key was dropped.
	entry, ok := engine.pop()
	require.True(t, ok)
	assert.Equal(t, "key-1", entry.event.Key)
	entry, ok = engine.pop()
	require.True(t, ok)
	assert.Equal(t, "key-2", entry.event.Key)
}

func TestEngine_StripsRefreshPayload(t *testing.T) {
	store := kvstore.NewStore("node-local", kvstore.Config{
		DefaultTTL: time.Minute * 5,
	}, nil)
	engine := NewEngine(store, testConfig(), log.NewNopLogger())

	sender := newFakeSender("node-peer", "default")
	engine.Register(sender)

	published, err := store.Publish("default", "adj/node-local", []byte("up"), 1)
	require.NoError(t, err)

	refreshed := published.Value
	refreshed.TTLVersion++
	engine.dispatch(pendingEntry{
		event: kvstore.Event{
			Area:    "default",
			Key:     "adj/node-local",
			Value:   refreshed,
			Outcome: kvstore.OutcomeTTLRefreshed,
		},
	})

	kv := sender.recv(t)
	assert.Nil(t, kv.Value.Payload)
	assert.Equal(t, published.Value.Hash, kv.Value.Hash)
}

func TestFullPolicy(t *testing.T) {
	policy := NewFullPolicy()

	inArea := newFakeSender("node-1", "default")
	otherArea := newFakeSender("node-2", "backbone")
	unsynced := newFakeSender("node-3", "default")
	unsynced.synced = false
	source := newFakeSender("node-4", "default")

	targets := policy.Targets("default", "node-4", []Sender{
		inArea, otherArea, unsynced, source,
	})
	require.Len(t, targets, 1)
	assert.Equal(t, "node-1", targets[0].PeerID())
}

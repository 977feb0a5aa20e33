package ttl

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianrt/meridian/pkg/log"
	"github.com/meridianrt/meridian/server/kvstore"
)

func TestManager_Refresh(t *testing.T) {
	clk := clock.NewMock()
	store := kvstore.NewStore("node-1", kvstore.Config{
		DefaultTTL: time.Second * 10,
	}, clk)

	manager := NewManager(store, Config{
		Interval:         time.Second,
		RefreshThreshold: time.Second * 5,
		GracePeriod:      time.Second * 5,
	}, clk, log.NewNopLogger())

	_, err := store.Publish("area-0", "adj:1", []byte("foo"), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Run(ctx)
	}()

	// Wait for Run to register its ticker before advancing.
	time.Sleep(time.Millisecond * 10)

	// Advance past the refresh threshold, a tick at a time so the ticker
	// fires.
	for i := 0; i != 8; i++ {
		clk.Add(time.Second)
	}

	// The entry must never have been allowed to lapse.
	value, ok := store.Get("area-0", "adj:1")
	require.True(t, ok)
	assert.True(t, value.TTLVersion > 1)

	cancel()
	<-done
}

func TestManager_Expire(t *testing.T) {
	clk := clock.NewMock()
	store := kvstore.NewStore("node-1", kvstore.Config{
		DefaultTTL: time.Second * 10,
	}, clk)

	manager := NewManager(store, Config{
		Interval:         time.Second,
		RefreshThreshold: time.Second * 5,
		GracePeriod:      time.Second * 3,
	}, clk, log.NewNopLogger())

	// A remote entry whose originator never refreshes it.
	value := kvstore.Value{
		Originator: "node-2",
		Version:    1,
		Payload:    []byte("foo"),
		TTL:        2000,
		TTLVersion: 1,
	}
	value.Hash = value.Sum()
	store.Merge("area-0", "adj:2", value, "node-2")

	sub := store.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Run(ctx)
	}()

	time.Sleep(time.Millisecond * 10)

	for i := 0; i != 8; i++ {
		clk.Add(time.Second)
	}

	_, ok := store.Get("area-0", "adj:2")
	assert.False(t, ok)

	// The purge emitted a tombstone update so peers converge on the
	// removal.
	eventCtx, eventCancel := context.WithTimeout(context.Background(), time.Second)
	defer eventCancel()
	event, ok := sub.Next(eventCtx)
	require.True(t, ok)
	assert.Equal(t, kvstore.OutcomeUpdated, event.Outcome)
	assert.True(t, event.Value.Tombstone())

	cancel()
	<-done
}

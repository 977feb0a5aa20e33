package peers

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianrt/meridian/pkg/log"
	"github.com/meridianrt/meridian/server/kvstore"
	syncsvc "github.com/meridianrt/meridian/server/sync"
)

func testConfig() Config {
	return Config{
		BackoffMin: time.Millisecond * 10,
		BackoffMax: time.Millisecond * 100,
	}
}

func testSyncConfig() syncsvc.Config {
	return syncsvc.Config{
		BindAddr:        ":0",
		DigestInterval:  time.Millisecond * 50,
		RetryBackoffMin: time.Millisecond * 10,
		RetryBackoffMax: time.Millisecond * 100,
		StreamTimeout:   time.Second * 5,
		TTLDecrement:    time.Millisecond,
	}
}

func testStore(nodeID string) *kvstore.Store {
	return kvstore.NewStore(nodeID, kvstore.Config{
		DefaultTTL: time.Minute * 5,
	}, nil)
}

// Tests the manager dials a configured peer, establishes a session and
// invokes the session callback.
func TestManager_Connect(t *testing.T) {
	remoteStore := testStore("node-remote")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := syncsvc.NewServer(
		remoteStore,
		testSyncConfig(),
		[]string{"default"},
		nil,
		syncsvc.NewMetrics(),
		log.NewNopLogger(),
	)
	go func() {
		_ = server.Serve(ln)
	}()
	defer func() {
		ln.Close()
		server.Shutdown()
	}()

	registered := make(chan *syncsvc.Session, 1)
	onSession := func(sess *syncsvc.Session) func() {
		registered <- sess
		return func() {}
	}

	localStore := testStore("node-local")
	conf := testConfig()
	conf.Addrs = []string{ln.Addr().String()}
	manager := NewManager(
		localStore,
		conf,
		testSyncConfig(),
		[]string{"default"},
		onSession,
		syncsvc.NewMetrics(),
		log.NewNopLogger(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	select {
	case sess := <-registered:
		assert.Equal(t, "node-remote", sess.PeerID())
	case <-time.After(time.Second * 5):
		t.Fatal("timeout waiting for session")
	}

	assert.Eventually(t, func() bool {
		sessions := manager.Sessions()
		return len(sessions) == 1 && sessions[0].PeerID == "node-remote"
	}, time.Second*5, time.Millisecond*10)
}

// Tests the manager keeps redialling until the peer comes up.
func TestManager_Retry(t *testing.T) {
	// Reserve an address then close it, so the first dials fail.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	registered := make(chan *syncsvc.Session, 1)
	onSession := func(sess *syncsvc.Session) func() {
		registered <- sess
		return func() {}
	}

	localStore := testStore("node-local")
	conf := testConfig()
	conf.Addrs = []string{addr}
	manager := NewManager(
		localStore,
		conf,
		testSyncConfig(),
		[]string{"default"},
		onSession,
		syncsvc.NewMetrics(),
		log.NewNopLogger(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	// Let a few dial attempts fail before the peer comes up.
	time.Sleep(time.Millisecond * 50)

	remoteStore := testStore("node-remote")
	ln, err = net.Listen("tcp", addr)
	require.NoError(t, err)
	server := syncsvc.NewServer(
		remoteStore,
		testSyncConfig(),
		[]string{"default"},
		nil,
		syncsvc.NewMetrics(),
		log.NewNopLogger(),
	)
	go func() {
		_ = server.Serve(ln)
	}()
	defer func() {
		ln.Close()
		server.Shutdown()
	}()

	select {
	case sess := <-registered:
		assert.Equal(t, "node-remote", sess.PeerID())
	case <-time.After(time.Second * 5):
		t.Fatal("timeout waiting for session")
	}
}

// Package peers maintains outbound sessions to the configured peer nodes.
//
// Each configured address gets a dial loop that connects, runs the session
// until it fails, then redials with exponential backoff. Inbound sessions
// accepted by the sync server are tracked here too so the status API shows
// every live session.
package peers

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/meridianrt/meridian/pkg/backoff"
	"github.com/meridianrt/meridian/pkg/log"
	"github.com/meridianrt/meridian/server/kvstore"
	syncsvc "github.com/meridianrt/meridian/server/sync"
)

// Manager dials the configured peers and keeps their sessions alive.
type Manager struct {
	store *kvstore.Store

	conf Config

	syncConf syncsvc.Config

	areas []string

	// onSession is invoked for each established session and returns a
	// teardown callback for when the session ends.
	onSession func(sess *syncsvc.Session) func()

	syncMetrics *syncsvc.Metrics

	// mu protects sessions.
	mu       sync.Mutex
	sessions map[*syncsvc.Session]struct{}

	wg sync.WaitGroup

	logger log.Logger
}

type SessionInfo struct {
	PeerID string   `json:"peer_id"`
	Addr   string   `json:"addr"`
	State  string   `json:"state"`
	Areas  []string `json:"areas"`
}

func NewManager(
	store *kvstore.Store,
	conf Config,
	syncConf syncsvc.Config,
	areas []string,
	onSession func(sess *syncsvc.Session) func(),
	syncMetrics *syncsvc.Metrics,
	logger log.Logger,
) *Manager {
	return &Manager{
		store:       store,
		conf:        conf,
		syncConf:    syncConf,
		areas:       areas,
		onSession:   onSession,
		syncMetrics: syncMetrics,
		sessions:    make(map[*syncsvc.Session]struct{}),
		logger:      logger.WithSubsystem("peers"),
	}
}

// Run dials each configured peer and blocks until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for _, addr := range m.conf.Addrs {
		m.wg.Add(1)
		go func(addr string) {
			defer m.wg.Done()
			m.dialLoop(ctx, addr)
		}(addr)
	}
	m.wg.Wait()
}

// Track registers an inbound session so it appears in the status API.
// Returns a callback to deregister when the session ends.
func (m *Manager) Track(sess *syncsvc.Session) func() {
	m.mu.Lock()
	m.sessions[sess] = struct{}{}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.sessions, sess)
		m.mu.Unlock()
	}
}

// Sessions returns a snapshot of the live sessions.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for sess := range m.sessions {
		infos = append(infos, SessionInfo{
			PeerID: sess.PeerID(),
			Addr:   sess.Addr(),
			State:  sess.State().String(),
			Areas:  sess.Areas(),
		})
	}
	return infos
}

func (m *Manager) dialLoop(ctx context.Context, addr string) {
	boff := backoff.New(0, m.conf.BackoffMin, m.conf.BackoffMax)
	for {
		sess, err := syncsvc.Connect(
			addr,
			m.syncConf,
			m.store,
			m.areas,
			m.syncMetrics,
			m.logger,
		)
		if err != nil {
			m.logger.Warn(
				"failed to connect to peer",
				zap.String("addr", addr),
				zap.Error(err),
			)
			if !boff.Wait(ctx) {
				return
			}
			continue
		}
		boff.Reset()

		m.logger.Info(
			"connected to peer",
			zap.String("addr", addr),
			zap.String("peer-id", sess.PeerID()),
		)

		untrack := m.Track(sess)
		done := m.onSession(sess)
		err = sess.Run(ctx)
		done()
		untrack()

		if ctx.Err() != nil {
			return
		}

		m.logger.Warn(
			"peer session closed",
			zap.String("addr", addr),
			zap.String("peer-id", sess.PeerID()),
			zap.Error(err),
		)

		if !boff.Wait(ctx) {
			return
		}
	}
}

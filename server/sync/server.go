package sync

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/meridianrt/meridian/pkg/log"
	"github.com/meridianrt/meridian/server/kvstore"
)

// Server accepts inbound peer connections and runs a session for each.
type Server struct {
	store *kvstore.Store

	conf Config

	// areas are the areas of the local node.
	areas []string

	// onSession is invoked for every accepted session. The returned function
	// is called when the session ends.
	onSession func(sess *Session) func()

	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	logger log.Logger
}

func NewServer(
	store *kvstore.Store,
	conf Config,
	areas []string,
	onSession func(sess *Session) func(),
	metrics *Metrics,
	logger log.Logger,
) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:     store,
		conf:      conf,
		areas:     areas,
		onSession: onSession,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.WithSubsystem("sync.server"),
	}
}

// Serve accepts peer connections until the listener is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info(
		"starting sync server",
		zap.String("addr", ln.Addr().String()),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.logger.Debug(
			"accepted conn",
			zap.String("addr", conn.RemoteAddr().String()),
		)

		go s.handleConn(conn)
	}
}

// Shutdown cancels all running sessions.
func (s *Server) Shutdown() {
	s.cancel()
}

func (s *Server) handleConn(conn net.Conn) {
	sess, err := Accept(conn, s.conf, s.store, s.areas, s.metrics, s.logger)
	if err != nil {
		s.logger.Warn(
			"failed to accept session",
			zap.String("addr", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		return
	}

	s.logger.Info(
		"peer session accepted",
		zap.String("peer-id", sess.PeerID()),
		zap.String("addr", sess.Addr()),
	)

	var done func()
	if s.onSession != nil {
		done = s.onSession(sess)
	}
	defer func() {
		if done != nil {
			done()
		}
	}()

	if err := sess.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn(
			"peer session closed",
			zap.String("peer-id", sess.PeerID()),
			zap.Error(err),
		)
	}
}

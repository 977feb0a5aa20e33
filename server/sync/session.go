package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/andydunstall/yamux"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianrt/meridian/pkg/backoff"
	"github.com/meridianrt/meridian/pkg/log"
	"github.com/meridianrt/meridian/server/kvstore"
)

// State is the protocol state of a peer session.
type State uint8

const (
	StateIdle State = iota + 1
	StateSyncingFull
	StateSynced
	StateDesynced
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncingFull:
		return "syncing_full"
	case StateSynced:
		return "synced"
	case StateDesynced:
		return "desynced"
	default:
		return "unknown"
	}
}

// stateTransitions is the set of allowed session state transitions. The
// session only ever moves along these edges; anything else is a bug.
var stateTransitions = map[State][]State{
	StateIdle:        {StateSyncingFull, StateSynced},
	StateSyncingFull: {StateSynced},
	StateSynced:      {StateDesynced},
	StateDesynced:    {StateSyncingFull},
}

// errDesync indicates a digest exchange disagreed with the peer, so the
// session must fall back to a full sync.
var errDesync = errors.New("peer desync")

// Session is the per-peer protocol state machine.
//
// A session runs over a single TCP connection multiplexed with yamux. Full
// syncs, flood batches and digest probes each use a dedicated stream.
//
// The initiating side drives the protocol: on connect it performs a full
// two-way key exchange for every shared area, then probes consistency with
// periodic digests, falling back to a bounded-backoff full re-sync on
// mismatch. The accepting side serves dumps and merges whatever arrives.
//
// Either side may push flood batches once the session is synced.
type Session struct {
	peerID string

	// areas are the areas shared with the peer.
	areas []string

	initiator bool

	conn net.Conn
	mux  *yamux.Session

	store *kvstore.Store

	conf Config

	state *atomic.Uint32

	metrics *Metrics

	logger log.Logger

	closed *atomic.Bool
}

// Connect dials the peer at the given address and exchanges handshakes.
func Connect(
	addr string,
	conf Config,
	store *kvstore.Store,
	localAreas []string,
	metrics *Metrics,
	logger log.Logger,
) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, conf.StreamTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s: %w", addr, err)
	}

	muxConfig := yamux.DefaultConfig()
	muxConfig.Logger = logger.StdLogger(zap.WarnLevel)
	muxConfig.LogOutput = nil
	mux, err := yamux.Client(conn, muxConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mux: %w", err)
	}

	sess := newSession(true, conn, mux, conf, store, metrics, logger)
	if err := sess.handshake(localAreas); err != nil {
		sess.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return sess, nil
}

// Accept wraps an inbound peer connection and exchanges handshakes.
func Accept(
	conn net.Conn,
	conf Config,
	store *kvstore.Store,
	localAreas []string,
	metrics *Metrics,
	logger log.Logger,
) (*Session, error) {
	muxConfig := yamux.DefaultConfig()
	muxConfig.Logger = logger.StdLogger(zap.WarnLevel)
	muxConfig.LogOutput = nil
	mux, err := yamux.Server(conn, muxConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mux: %w", err)
	}

	sess := newSession(false, conn, mux, conf, store, metrics, logger)
	if err := sess.handshake(localAreas); err != nil {
		sess.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return sess, nil
}

func newSession(
	initiator bool,
	conn net.Conn,
	mux *yamux.Session,
	conf Config,
	store *kvstore.Store,
	metrics *Metrics,
	logger log.Logger,
) *Session {
	sess := &Session{
		initiator: initiator,
		conn:      conn,
		mux:       mux,
		store:     store,
		conf:      conf,
		state:     atomic.NewUint32(uint32(StateIdle)),
		metrics:   metrics,
		logger:    logger.WithSubsystem("sync"),
		closed:    atomic.NewBool(false),
	}
	metrics.Sessions.WithLabelValues(StateIdle.String()).Inc()
	return sess
}

// Run drives the session until the context is cancelled, the peer goes down,
// or the transport fails. Transport failures never propagate past the session
// boundary as anything other than the returned error: merged keys are kept,
// only in-flight state is discarded.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	acceptCh := make(chan error, 1)
	go func() {
		acceptCh <- s.acceptLoop()
	}()

	if !s.initiator {
		// The accepting side serves the initiator's full sync and merges
		// whatever arrives.
		if err := s.transition(StateSynced); err != nil {
			return err
		}
		select {
		case err := <-acceptCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	boff := backoff.New(0, s.conf.RetryBackoffMin, s.conf.RetryBackoffMax)
	for {
		if err := s.transition(StateSyncingFull); err != nil {
			return err
		}
		if err := s.fullSync(ctx); err != nil {
			return fmt.Errorf("full sync: %w", err)
		}
		if err := s.transition(StateSynced); err != nil {
			return err
		}
		s.metrics.FullSyncsTotal.Inc()
		s.logger.Info(
			"session synced",
			zap.String("peer-id", s.peerID),
			zap.Strings("areas", s.areas),
		)

		err := s.digestLoop(ctx, acceptCh, boff)
		if !errors.Is(err, errDesync) {
			return err
		}

		if err := s.transition(StateDesynced); err != nil {
			return err
		}
		s.metrics.DesyncsTotal.Inc()
		s.logger.Warn(
			"session desynced; scheduling full re-sync",
			zap.String("peer-id", s.peerID),
		)

		// Bounded exponential backoff so a flapping peer doesn't trigger
		// back-to-back full syncs.
		if !boff.Wait(ctx) {
			return ctx.Err()
		}
	}
}

// PeerID returns the node ID of the peer, learned during the handshake.
func (s *Session) PeerID() string {
	return s.peerID
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Synced returns whether the session is in the synced state.
func (s *Session) Synced() bool {
	return s.State() == StateSynced
}

// InArea returns whether the given area is shared with the peer.
func (s *Session) InArea(areaID string) bool {
	for _, a := range s.areas {
		if a == areaID {
			return true
		}
	}
	return false
}

// Areas returns the areas shared with the peer.
func (s *Session) Areas() []string {
	return s.areas
}

// Addr returns the remote address of the session transport.
func (s *Session) Addr() string {
	return s.conn.RemoteAddr().String()
}

// SendFlood pushes a batch of entries to the peer. The transmitted TTL of
// each entry is reduced by the configured decrement, never below zero, so
// records whose originator has vanished cannot circulate indefinitely.
func (s *Session) SendFlood(areaID string, kvs []kvstore.KeyValue) error {
	stream, err := s.mux.OpenStream()
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(s.conf.StreamTimeout))

	if err := writeMessageType(stream, messageTypeFlood); err != nil {
		return err
	}

	encoder := newEncoder(stream)
	if err := encoder.Encode(&floodHeader{
		Area:    areaID,
		Entries: len(kvs),
	}); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	for _, kv := range kvs {
		kv.Value.TTL -= s.conf.TTLDecrement.Milliseconds()
		if kv.Value.TTL < 0 {
			kv.Value.TTL = 0
		}
		if err := encoder.Encode(&kv); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		s.metrics.EntriesOutbound.Inc()
	}
	return nil
}

// Close tears down the session transport. Already-merged keys are not
// removed: the distributed record persists until TTL expiry, providing
// continuity across short-lived link flaps.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.metrics.Sessions.WithLabelValues(s.State().String()).Dec()

	err := s.mux.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// handshake exchanges node IDs and area sets with the peer. The initiator
// opens the stream and sends first.
func (s *Session) handshake(localAreas []string) error {
	local := handshakeHeader{
		NodeID: s.store.NodeID(),
		Areas:  localAreas,
	}

	var remote handshakeHeader
	if s.initiator {
		stream, err := s.mux.OpenStream()
		if err != nil {
			return fmt.Errorf("open stream: %w", err)
		}
		defer stream.Close()

		_ = stream.SetDeadline(time.Now().Add(s.conf.StreamTimeout))

		if err := writeMessageType(stream, messageTypeHandshake); err != nil {
			return err
		}
		if err := newEncoder(stream).Encode(&local); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		if err := newDecoder(stream).Decode(&remote); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
	} else {
		stream, err := s.mux.Accept()
		if err != nil {
			return fmt.Errorf("accept stream: %w", err)
		}
		defer stream.Close()

		_ = stream.SetDeadline(time.Now().Add(s.conf.StreamTimeout))

		messageType, err := readMessageType(stream)
		if err != nil {
			return err
		}
		if messageType != messageTypeHandshake {
			return fmt.Errorf("unexpected message type: %s", messageType)
		}
		if err := newDecoder(stream).Decode(&remote); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		if err := newEncoder(stream).Encode(&local); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
	}

	if remote.NodeID == "" {
		return fmt.Errorf("peer sent empty node id")
	}

	s.peerID = remote.NodeID
	s.areas = intersectAreas(localAreas, remote.Areas)
	if len(s.areas) == 0 {
		return fmt.Errorf("no shared areas with peer %s", remote.NodeID)
	}
	return nil
}

// fullSync performs the two-way key exchange for every shared area. Areas
// sync concurrently; synchronization and flooding never cross area
// boundaries.
func (s *Session) fullSync(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, areaID := range s.areas {
		areaID := areaID
		g.Go(func() error {
			if err := s.fullSyncArea(areaID); err != nil {
				return fmt.Errorf("area %s: %w", areaID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Session) fullSyncArea(areaID string) error {
	stream, err := s.mux.OpenStream()
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(s.conf.StreamTimeout))

	if err := writeMessageType(stream, messageTypeFullSyncRequest); err != nil {
		return err
	}
	if err := newEncoder(stream).Encode(&fullSyncRequest{
		Area: areaID,
	}); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	messageType, err := readMessageType(stream)
	if err != nil {
		return err
	}
	if messageType != messageTypeFullSyncResponse {
		return fmt.Errorf("unexpected message type: %s", messageType)
	}

	decoder := newDecoder(stream)
	var header fullSyncResponse
	if err := decoder.Decode(&header); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	peerKeys := make(map[string]struct{})
	for i := 0; i != header.Entries; i++ {
		var kv kvstore.KeyValue
		if err := decoder.Decode(&kv); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		s.metrics.EntriesInbound.Inc()

		peerKeys[kv.Key] = struct{}{}
		s.mergeEntry(areaID, kv)
	}

	// Push entries the peer lacks to complete the two-way exchange.
	var missing []kvstore.KeyValue
	for _, kv := range s.store.Dump(areaID, "") {
		if _, ok := peerKeys[kv.Key]; !ok {
			missing = append(missing, kv)
		}
	}
	if len(missing) > 0 {
		if err := s.SendFlood(areaID, missing); err != nil {
			return fmt.Errorf("push missing: %w", err)
		}
	}

	return nil
}

// digestLoop probes the peer's per-area digests at the configured interval.
// Returns errDesync on mismatch, or the transport error that ended the
// session.
func (s *Session) digestLoop(
	ctx context.Context,
	acceptCh <-chan error,
	boff *backoff.Backoff,
) error {
	ticker := time.NewTicker(s.conf.DigestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, areaID := range s.areas {
				match, err := s.digestExchange(areaID)
				if err != nil {
					return fmt.Errorf("digest: %w", err)
				}
				if !match {
					return errDesync
				}
			}
			// The replicas agree, so stop penalising earlier flaps.
			boff.Reset()
		case err := <-acceptCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) digestExchange(areaID string) (bool, error) {
	stream, err := s.mux.OpenStream()
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(s.conf.StreamTimeout))

	if err := writeMessageType(stream, messageTypeDigest); err != nil {
		return false, err
	}
	if err := newEncoder(stream).Encode(&digestHeader{
		Area:    areaID,
		Digest:  s.store.Digest(areaID),
		Request: true,
	}); err != nil {
		return false, fmt.Errorf("encode: %w", err)
	}

	messageType, err := readMessageType(stream)
	if err != nil {
		return false, err
	}
	if messageType != messageTypeDigest {
		return false, fmt.Errorf("unexpected message type: %s", messageType)
	}

	var reply digestHeader
	if err := newDecoder(stream).Decode(&reply); err != nil {
		return false, fmt.Errorf("decode: %w", err)
	}

	return reply.Digest == s.store.Digest(areaID), nil
}

// acceptLoop handles streams opened by the peer until the session closes.
func (s *Session) acceptLoop() error {
	for {
		stream, err := s.mux.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept stream: %w", err)
		}

		go func() {
			defer stream.Close()
			if err := s.handleStream(stream); err != nil {
				s.logger.Warn(
					"failed to handle stream",
					zap.String("peer-id", s.peerID),
					zap.Error(err),
				)
			}
		}()
	}
}

func (s *Session) handleStream(stream net.Conn) error {
	_ = stream.SetDeadline(time.Now().Add(s.conf.StreamTimeout))

	messageType, err := readMessageType(stream)
	if err != nil {
		return err
	}

	switch messageType {
	case messageTypeFullSyncRequest:
		return s.serveFullSync(stream)
	case messageTypeFlood:
		return s.handleFlood(stream)
	case messageTypeDigest:
		return s.handleDigest(stream)
	default:
		return fmt.Errorf("unexpected message type: %s", messageType)
	}
}

func (s *Session) serveFullSync(stream net.Conn) error {
	var req fullSyncRequest
	if err := newDecoder(stream).Decode(&req); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	kvs := s.store.Dump(req.Area, req.Prefix)

	if err := writeMessageType(stream, messageTypeFullSyncResponse); err != nil {
		return err
	}
	encoder := newEncoder(stream)
	if err := encoder.Encode(&fullSyncResponse{
		Area:    req.Area,
		Entries: len(kvs),
	}); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	for _, kv := range kvs {
		if err := encoder.Encode(&kv); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		s.metrics.EntriesOutbound.Inc()
	}

	s.metrics.FullSyncsServed.Inc()
	return nil
}

func (s *Session) handleFlood(stream net.Conn) error {
	decoder := newDecoder(stream)

	var header floodHeader
	if err := decoder.Decode(&header); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	for i := 0; i != header.Entries; i++ {
		var kv kvstore.KeyValue
		if err := decoder.Decode(&kv); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		s.metrics.EntriesInbound.Inc()

		s.mergeEntry(header.Area, kv)
	}
	return nil
}

func (s *Session) handleDigest(stream net.Conn) error {
	var header digestHeader
	if err := newDecoder(stream).Decode(&header); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	if !header.Request {
		return nil
	}

	if err := writeMessageType(stream, messageTypeDigest); err != nil {
		return err
	}
	if err := newEncoder(stream).Encode(&digestHeader{
		Area:   header.Area,
		Digest: s.store.Digest(header.Area),
	}); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// mergeEntry merges a single received entry, dropping malformed values
// without aborting the batch.
func (s *Session) mergeEntry(areaID string, kv kvstore.KeyValue) {
	if err := kv.Value.Verify(); err != nil {
		s.metrics.MalformedTotal.Inc()
		s.logger.Warn(
			"dropping malformed entry",
			zap.String("peer-id", s.peerID),
			zap.String("key", kv.Key),
			zap.Error(err),
		)
		return
	}

	s.store.Merge(areaID, kv.Key, kv.Value, s.peerID)
}

func (s *Session) transition(to State) error {
	from := s.State()
	allowed := false
	for _, next := range stateTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid session state transition: %s -> %s", from, to)
	}

	s.state.Store(uint32(to))
	s.metrics.Sessions.WithLabelValues(from.String()).Dec()
	s.metrics.Sessions.WithLabelValues(to.String()).Inc()

	s.logger.Debug(
		"session state transition",
		zap.String("peer-id", s.peerID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	return nil
}

func intersectAreas(local, remote []string) []string {
	remoteSet := make(map[string]struct{}, len(remote))
	for _, a := range remote {
		remoteSet[a] = struct{}{}
	}

	var shared []string
	for _, a := range local {
		if _, ok := remoteSet[a]; ok {
			shared = append(shared, a)
		}
	}
	return shared
}

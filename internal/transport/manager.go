// Package transport owns the one logical connection a client holds to a
// session channel. It reconnects with jittered exponential backoff,
// re-announces the local participant, and exposes the raw server frames
// as a single ordered message stream. Reordering and deduplication happen
// upstream of the roster, in the reconcile package.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/prepmate/roomsync/internal/config"
	"github.com/prepmate/roomsync/internal/domain"
	"github.com/prepmate/roomsync/internal/protocol"
)

// SessionClosedError is fatal: the room was closed or the client was
// kicked. The manager ends the stream instead of retrying.
type SessionClosedError struct {
	Reason string
}

func (e *SessionClosedError) Error() string {
	return "session closed: " + e.Reason
}

var errLeft = errors.New("left session")

// Message is one unit of the event stream. Exactly one of Event,
// Snapshot, Status, or Err is meaningful. Err ends the stream.
type Message struct {
	Event    *protocol.SessionEvent
	Snapshot *protocol.Snapshot
	Status   domain.ConnectionState
	Err      error
}

type Options struct {
	URL          string
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	Dialer       *websocket.Dialer
}

func FromConfig(cfg *config.Config) Options {
	return Options{
		URL:          cfg.ServerURL,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		PingPeriod:   cfg.PingPeriod,
		WriteTimeout: cfg.WriteTimeout,
		ReadLimit:    cfg.ReadLimit,
	}
}

// Manager keeps the connection alive and the outbound queue flowing.
//
// Outbound intents supersede by kind: a newer toggle replaces a queued,
// unsent toggle instead of queueing behind it, so after a flurry of
// clicks exactly one wire message goes out carrying the final state.
type Manager struct {
	opts      Options
	sessionID domain.SessionID
	local     domain.Participant

	desiredReady atomic.Bool

	msgs chan Message
	kick chan struct{}

	mu           sync.Mutex
	queued       map[protocol.IntentKind]protocol.Intent
	signals      []json.RawMessage
	wantSnapshot bool

	left      atomic.Bool
	connLive  atomic.Bool
	cancel    context.CancelFunc
	leaveDone chan struct{}
	leaveOnce sync.Once

	lastStatus domain.ConnectionState
}

func New(opts Options, sessionID domain.SessionID, local domain.Participant) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 15 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	m := &Manager{
		opts:      opts,
		sessionID: sessionID,
		local:     local,
		msgs:      make(chan Message, 64),
		kick:      make(chan struct{}, 1),
		queued:    make(map[protocol.IntentKind]protocol.Intent),
		leaveDone: make(chan struct{}),
	}
	m.desiredReady.Store(local.Ready)
	return m
}

// Connect starts the background connect/reconnect loop. The stream ends
// (channel closed) when ctx is canceled, the user leaves, or a fatal
// close arrives; only the fatal case emits a Message with Err first.
func (m *Manager) Connect(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

func (m *Manager) Messages() <-chan Message { return m.msgs }

// SetDesiredReady records the readiness the join re-announce should carry
// after a reconnect.
func (m *Manager) SetDesiredReady(ready bool) {
	m.desiredReady.Store(ready)
}

// Send queues an intent without blocking. A queued intent of the same
// kind is replaced, not accumulated.
func (m *Manager) Send(intent protocol.Intent) {
	if m.left.Load() {
		return
	}
	m.mu.Lock()
	m.queued[intent.Kind] = intent
	m.mu.Unlock()
	if intent.Kind == protocol.IntentLeave {
		m.left.Store(true)
	}
	m.wake()
}

// SendSignal queues an opaque payload for relay once the interview runs.
// Signals are delivery-ordered but droppable: they are capped rather than
// superseded because the engine does not interpret them.
func (m *Manager) SendSignal(payload json.RawMessage) {
	if m.left.Load() {
		return
	}
	m.mu.Lock()
	if len(m.signals) < 64 {
		m.signals = append(m.signals, payload)
	}
	m.mu.Unlock()
	m.wake()
}

// RequestSnapshot asks the authority for a full roster resync. Called by
// the engine when the reconcile gap window expires.
func (m *Manager) RequestSnapshot() {
	m.mu.Lock()
	m.wantSnapshot = true
	m.mu.Unlock()
	m.wake()
}

// Close tears the transport down. A queued leave intent is given one
// write-timeout window to reach the wire first; everything else is
// discarded along with any pending reconnect attempt.
func (m *Manager) Close() {
	if m.left.Load() && m.connLive.Load() {
		select {
		case <-m.leaveDone:
		case <-time.After(m.opts.WriteTimeout):
		}
	}
	m.left.Store(true)
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Manager) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.msgs)
	defer m.leaveOnce.Do(func() { close(m.leaveDone) })

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.BackoffBase
	bo.MaxInterval = m.opts.BackoffMax

	for {
		if ctx.Err() != nil || m.left.Load() {
			return
		}
		conn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, nil)
		if err != nil {
			m.emitStatus(ctx, domain.Reconnecting)
			wait := bo.NextBackOff()
			log.Warn().Str("module", "transport").Err(err).Dur("retry_in", wait).Msg("dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		m.connLive.Store(true)
		m.emitStatus(ctx, domain.Connected)

		err = m.serve(ctx, conn)
		m.connLive.Store(false)
		_ = conn.Close()

		var closed *SessionClosedError
		switch {
		case errors.As(err, &closed):
			m.emit(ctx, Message{Err: closed})
			return
		case errors.Is(err, errLeft), m.left.Load(), ctx.Err() != nil:
			return
		}
		log.Warn().Str("module", "transport").Err(err).Msg("connection lost, reconnecting")
		m.emitStatus(ctx, domain.Reconnecting)
	}
}

// serve runs one live connection: announce, request a snapshot, then pump
// reads here and writes in a sibling goroutine until something breaks.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	if m.opts.ReadLimit > 0 {
		conn.SetReadLimit(m.opts.ReadLimit)
	}

	announce := m.local
	announce.Ready = m.desiredReady.Load()
	data, err := protocol.EncodeJoin(protocol.JoinAnnounce{
		SessionID:   m.sessionID,
		Participant: announce,
	})
	if err != nil {
		return err
	}
	if err := m.write(conn, data); err != nil {
		return err
	}

	// Intervening events may have been missed while disconnected; a full
	// snapshot beats extrapolating from stale deltas.
	m.mu.Lock()
	m.wantSnapshot = true
	m.mu.Unlock()
	m.wake()

	sctx, scancel := context.WithCancel(ctx)
	defer scancel()

	readDone := make(chan error, 1)
	writeDone := make(chan error, 1)
	go func() { readDone <- m.readPump(sctx, conn) }()
	go func() { writeDone <- m.writePump(sctx, conn) }()

	select {
	case err := <-readDone:
		scancel()
		return err
	case err := <-writeDone:
		scancel()
		_ = conn.Close() // unblock the reader
		<-readDone
		return err
	}
}

func (m *Manager) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := protocol.DecodeServerFrame(data)
		if err != nil {
			// Protocol errors drop the message, never the stream.
			log.Warn().Str("module", "transport").Err(err).Msg("dropping malformed frame")
			continue
		}
		switch {
		case frame.Closed != nil:
			return &SessionClosedError{Reason: frame.Closed.Reason}
		case frame.Snapshot != nil:
			m.emit(ctx, Message{Snapshot: frame.Snapshot})
		case frame.Event != nil:
			m.emit(ctx, Message{Event: frame.Event})
		}
	}
}

func (m *Manager) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(m.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.kick:
			if err := m.flush(conn); err != nil {
				return err
			}
		case <-ticker.C:
			hb, err := protocol.EncodeHeartbeat(m.local.ID)
			if err != nil {
				return err
			}
			if err := m.write(conn, hb); err != nil {
				return err
			}
		}
	}
}

// flush drains the superseding queue in a stable order: snapshot request
// first (cheapest way back to consistency), then intents, then signals.
func (m *Manager) flush(conn *websocket.Conn) error {
	m.mu.Lock()
	wantSnapshot := m.wantSnapshot
	m.wantSnapshot = false
	intents := make([]protocol.Intent, 0, len(m.queued))
	for _, kind := range []protocol.IntentKind{protocol.IntentToggleReady, protocol.IntentRequestStart, protocol.IntentLeave} {
		if in, ok := m.queued[kind]; ok {
			intents = append(intents, in)
			delete(m.queued, kind)
		}
	}
	signals := m.signals
	m.signals = nil
	m.mu.Unlock()

	if wantSnapshot {
		data, err := protocol.EncodeSnapshotRequest(protocol.SnapshotRequest{SessionID: m.sessionID}, m.local.ID)
		if err != nil {
			return err
		}
		if err := m.write(conn, data); err != nil {
			return err
		}
	}
	for _, in := range intents {
		data, err := protocol.EncodeIntent(in)
		if err != nil {
			return err
		}
		if err := m.write(conn, data); err != nil {
			return err
		}
		if in.Kind == protocol.IntentLeave {
			m.leaveOnce.Do(func() { close(m.leaveDone) })
			deadline := time.Now().Add(m.opts.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"), deadline)
			return errLeft
		}
	}
	for _, payload := range signals {
		data, err := protocol.EncodeSignal(m.local.ID, payload)
		if err != nil {
			return err
		}
		if err := m.write(conn, data); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) write(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) emitStatus(ctx context.Context, s domain.ConnectionState) {
	if s == m.lastStatus {
		return
	}
	m.lastStatus = s
	m.emit(ctx, Message{Status: s})
}

func (m *Manager) emit(ctx context.Context, msg Message) {
	select {
	case m.msgs <- msg:
	case <-ctx.Done():
	}
}

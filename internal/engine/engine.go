// Package engine wires transport, reconciliation, roster, focus, and
// notifications into one client-side session synchronization engine.
//
// Remote events and local user actions race freely outside, but both are
// funneled through a single run loop, so every roster mutation is applied
// by exactly one goroutine and the machine needs no locking.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prepmate/roomsync/internal/config"
	"github.com/prepmate/roomsync/internal/domain"
	"github.com/prepmate/roomsync/internal/focus"
	"github.com/prepmate/roomsync/internal/notify"
	"github.com/prepmate/roomsync/internal/protocol"
	"github.com/prepmate/roomsync/internal/reconcile"
	"github.com/prepmate/roomsync/internal/roster"
	"github.com/prepmate/roomsync/internal/transport"
)

// Transport is the engine's view of the connection layer. Satisfied by
// *transport.Manager; faked in tests.
type Transport interface {
	Connect(ctx context.Context)
	Messages() <-chan transport.Message
	Send(protocol.Intent)
	SendSignal(json.RawMessage)
	SetDesiredReady(bool)
	RequestSnapshot()
	Close()
}

// ErrStopped rejects calls made after the engine's run loop ended.
var ErrStopped = errors.New("engine stopped")

// Engine is the public client API for one interview session.
type Engine struct {
	cfg *config.Config

	machine  *roster.Machine
	seq      *reconcile.Sequencer
	proj     *focus.Projection
	notifier *notify.Dispatcher
	tr       Transport

	cmds    chan func()
	done    chan struct{}
	signals chan json.RawMessage

	view *viewHolder

	longWaitFired bool
}

func New(cfg *config.Config, session domain.Session, local domain.Participant, tr Transport) *Engine {
	e := &Engine{
		cfg:      cfg,
		machine:  roster.New(session, local),
		seq:      reconcile.New(cfg.ReorderBuffer, cfg.GapWait),
		proj:     focus.New(local.ID),
		notifier: notify.New(cfg.NoticeBuffer, local.ID),
		tr:       tr,
		cmds:     make(chan func(), 16),
		done:     make(chan struct{}),
		signals:  make(chan json.RawMessage, 64),
		view:     newViewHolder(),
	}
	e.publishView()
	return e
}

// Run drives the engine until the session ends. It returns nil on a local
// leave or context cancellation and a *transport.SessionClosedError when
// the room was closed or the client kicked.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	defer e.notifier.Close()
	defer e.tr.Close()

	e.tr.Connect(ctx)

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case fn := <-e.cmds:
			fn()
			if e.machine.Left() {
				return nil
			}

		case msg, ok := <-e.tr.Messages():
			if !ok {
				return nil
			}
			if err := e.handle(msg); err != nil {
				return err
			}
			if e.machine.Left() {
				return nil
			}

		case now := <-tick.C:
			e.onTick(now)
		}
	}
}

func (e *Engine) handle(msg transport.Message) error {
	switch {
	case msg.Err != nil:
		e.notifier.PublishEnded(msg.Err.Error())
		return msg.Err

	case msg.Status != "":
		e.notifier.PublishConnState(msg.Status)

	case msg.Snapshot != nil:
		delta := e.machine.ApplySnapshot(*msg.Snapshot)
		e.notifier.PublishDelta(delta)
		for _, ev := range e.seq.Reset(msg.Snapshot.Seq) {
			e.apply(ev)
		}
		e.publishView()

	case msg.Event != nil:
		ready, resync := e.seq.Ingest(*msg.Event)
		for _, ev := range ready {
			e.apply(ev)
		}
		if resync {
			e.tr.RequestSnapshot()
		}
		e.publishView()
	}
	return nil
}

func (e *Engine) apply(ev protocol.SessionEvent) {
	delta, err := e.machine.Apply(ev)
	if err != nil {
		// Rejections are no-ops by contract, not stream failures.
		log.Debug().Str("module", "engine").
			Str("type", string(ev.Type)).Uint64("seq", ev.Seq).Err(err).
			Msg("event rejected")
		return
	}
	e.notifier.PublishDelta(delta)
	if ev.Type == protocol.EventSignal && ev.ParticipantID != e.machine.LocalID() {
		select {
		case e.signals <- ev.Payload:
		default:
			// A lagging consumer loses relay frames, never roster state.
		}
	}
}

func (e *Engine) onTick(now time.Time) {
	if e.seq.GapExpired() {
		e.tr.RequestSnapshot()
	}
	delta := e.machine.MarkStale(now, e.cfg.StaleAfter, e.cfg.DeadAfter)
	if !delta.Empty() {
		e.notifier.PublishDelta(delta)
		e.publishView()
	}
	if !e.longWaitFired && !e.machine.Started() && e.cfg.LongWait > 0 {
		if elapsed := e.machine.Session().Elapsed(now); elapsed >= e.cfg.LongWait {
			e.longWaitFired = true
			e.notifier.PublishLongWait(elapsed)
		}
	}
}

// do runs fn on the apply loop and waits for the result. The wait is for
// a purely local computation, never for the network.
func (e *Engine) do(fn func() error) error {
	res := make(chan error, 1)
	select {
	case e.cmds <- func() { res <- fn() }:
	case <-e.done:
		return ErrStopped
	}
	select {
	case err := <-res:
		return err
	case <-e.done:
		return ErrStopped
	}
}

// ToggleReady flips the local pending readiness and transmits the intent.
// Committed state follows once the echo arrives on the stream.
func (e *Engine) ToggleReady() error {
	return e.do(func() error {
		intent, err := e.machine.ToggleLocalReady()
		if err != nil {
			return err
		}
		e.tr.SetDesiredReady(intent.Ready)
		e.tr.Send(intent.Wire(e.machine.LocalID()))
		e.publishView()
		return nil
	})
}

// RequestStart asks the server to start the interview. Fails locally when
// the user is not ready or the interview already started; the server
// arbitrates concurrent starts, so a duplicate confirmation later is a
// harmless no-op.
func (e *Engine) RequestStart() error {
	return e.do(func() error {
		intent, err := e.machine.RequestStart()
		if err != nil {
			return err
		}
		e.tr.Send(intent.Wire(e.machine.LocalID()))
		return nil
	})
}

// Leave ends the session for this client immediately. The leave intent is
// transmitted best-effort; a leaving client has no consistency needs left.
func (e *Engine) Leave() error {
	return e.do(func() error {
		intent := e.machine.Leave()
		e.tr.Send(intent.Wire(e.machine.LocalID()))
		e.notifier.PublishEnded("left")
		e.publishView()
		return nil
	})
}

// SelectPeer is the local-only profile focus; remote events never move it.
func (e *Engine) SelectPeer(id domain.ParticipantID) error {
	return e.do(func() error {
		e.proj.Select(id)
		e.publishView()
		return nil
	})
}

// SendSignal relays an opaque media/chat payload to the peers. Only
// meaningful once the interview has started; the engine does not look
// inside.
func (e *Engine) SendSignal(payload json.RawMessage) {
	e.tr.SendSignal(payload)
}

func (e *Engine) Notices() <-chan notify.Notice { return e.notifier.Notices() }

// Signals streams the opaque relay payloads peers sent once the interview
// started. The engine never looks inside them.
func (e *Engine) Signals() <-chan json.RawMessage { return e.signals }

// View returns the latest consistent post-apply snapshot. Safe from any
// goroutine.
func (e *Engine) View() View { return e.view.load() }

func (e *Engine) publishView() {
	participants := e.machine.Participants()
	v := View{
		Session:      e.machine.Session(),
		Participants: participants,
		Left:         e.machine.Left(),
	}
	if focused, ok := e.proj.Project(participants); ok {
		v.Focused = &focused
	}
	e.view.store(v)
}

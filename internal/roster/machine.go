// Package roster holds the authoritative local view of a session: who is
// in the room, who is ready, and whether the interview has started.
//
// The machine is a sequential reducer. It assumes in-order, deduplicated
// input (the reconcile package provides that) and therefore carries no
// locking of its own; the engine funnels every mutation through one apply
// point.
package roster

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/prepmate/roomsync/internal/domain"
	"github.com/prepmate/roomsync/internal/protocol"
)

var (
	// ErrUnknownParticipant rejects leave/readyChanged for an id the
	// roster has never seen. Non-fatal: the caller drops the event.
	ErrUnknownParticipant = errors.New("unknown participant")
	// ErrDuplicateStart rejects a second started event. Non-fatal no-op.
	ErrDuplicateStart = errors.New("interview already started")
	// ErrNotReady rejects a start request from a not-ready local user.
	ErrNotReady = errors.New("local participant not ready")
	// ErrAlreadyStarted rejects a start request once started is set.
	ErrAlreadyStarted = errors.New("interview already started locally")
	// ErrLeft rejects any operation after the local user left.
	ErrLeft = errors.New("session left")
)

// Intent is a pending local action awaiting round-trip confirmation.
type Intent struct {
	Kind           protocol.IntentKind
	Ready          bool
	ClientIntentID string
}

func (in Intent) Wire(pid domain.ParticipantID) protocol.Intent {
	return protocol.Intent{
		Kind:           in.Kind,
		ParticipantID:  pid,
		ClientIntentID: in.ClientIntentID,
		Ready:          in.Ready,
	}
}

type member struct {
	p        domain.Participant
	lastSeen time.Time
}

// Machine owns the roster for one session.
type Machine struct {
	session domain.Session
	localID domain.ParticipantID

	order   []domain.ParticipantID
	members map[domain.ParticipantID]*member

	// pendingReady is the uncommitted local readiness: set on toggle,
	// cleared when the matching readyChanged echo lands. Nil means no
	// toggle in flight.
	pendingReady *bool
	left         bool
}

// New seeds the roster with the local participant so the invariant
// "exactly one local entry" holds from the first observation on.
func New(session domain.Session, local domain.Participant) *Machine {
	local.Connection = domain.Connected
	m := &Machine{
		session: session,
		localID: local.ID,
		members: make(map[domain.ParticipantID]*member),
	}
	m.insert(local, time.Now())
	return m
}

func (m *Machine) insert(p domain.Participant, now time.Time) {
	if _, ok := m.members[p.ID]; !ok {
		m.order = append(m.order, p.ID)
	}
	m.members[p.ID] = &member{p: p, lastSeen: now}
}

func (m *Machine) remove(id domain.ParticipantID) {
	delete(m.members, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Apply reduces one already-ordered event into the roster and reports the
// resulting delta. Rejections (ErrUnknownParticipant, ErrDuplicateStart)
// are non-fatal; the state is unchanged when they are returned.
func (m *Machine) Apply(ev protocol.SessionEvent) (Delta, error) {
	if m.left {
		return Delta{}, ErrLeft
	}

	var d Delta
	switch ev.Type {
	case protocol.EventJoin:
		if ev.Participant == nil {
			return Delta{}, ErrUnknownParticipant
		}
		p := *ev.Participant
		p.Connection = domain.Connected
		if existing, ok := m.members[p.ID]; ok {
			// Rejoin after a drop: refresh meta, keep roster position.
			changed := existing.p.Ready != p.Ready
			existing.p = p
			existing.lastSeen = time.Now()
			d.ConnChanged = append(d.ConnChanged, p)
			if changed {
				d.ReadyChanged = append(d.ReadyChanged, p)
			}
		} else {
			m.insert(p, time.Now())
			d.Joined = append(d.Joined, p)
		}
		d.AllReady = m.allReady()

	case protocol.EventLeave:
		mem, ok := m.members[ev.ParticipantID]
		if !ok {
			return Delta{}, ErrUnknownParticipant
		}
		m.remove(ev.ParticipantID)
		d.Left = append(d.Left, mem.p.ID)
		if ev.ParticipantID == m.localID {
			// Server removed us; roster is terminal for this client.
			m.left = true
		}

	case protocol.EventReadyChanged:
		mem, ok := m.members[ev.ParticipantID]
		if !ok {
			return Delta{}, ErrUnknownParticipant
		}
		mem.p.Ready = ev.Ready
		if ev.ParticipantID == m.localID && m.pendingReady != nil && *m.pendingReady == ev.Ready {
			m.pendingReady = nil
		}
		d.ReadyChanged = append(d.ReadyChanged, mem.p)
		d.AllReady = m.allReady()

	case protocol.EventStarted:
		if m.session.Started {
			return Delta{}, ErrDuplicateStart
		}
		m.session.Started = true
		d.Started = true

	case protocol.EventHeartbeat:
		mem, ok := m.members[ev.ParticipantID]
		if !ok {
			// Liveness for someone we do not know yet; membership is
			// authoritative, so just ignore it.
			return Delta{}, nil
		}
		mem.lastSeen = ev.Timestamp
		if mem.p.Connection != domain.Connected {
			mem.p.Connection = domain.Connected
			d.ConnChanged = append(d.ConnChanged, mem.p)
		}

	case protocol.EventSignal:
		// Opaque media/chat payload; the roster does not interpret it.

	default:
		log.Warn().Str("module", "roster").Str("type", string(ev.Type)).Msg("unknown event type")
	}
	return d, nil
}

// ApplySnapshot replaces the roster with the server's full state, keeping
// the local entry present even if the server momentarily lost it, and
// reports the difference against the previous view as one delta.
func (m *Machine) ApplySnapshot(snap protocol.Snapshot) Delta {
	if m.left {
		return Delta{}
	}

	var d Delta
	prev := m.members
	now := time.Now()

	m.order = nil
	m.members = make(map[domain.ParticipantID]*member, len(snap.Participants))
	for _, p := range snap.Participants {
		if p.Connection == "" {
			p.Connection = domain.Connected
		}
		m.insert(p, now)
		old, known := prev[p.ID]
		switch {
		case !known:
			d.Joined = append(d.Joined, p)
		case old.p.Ready != p.Ready:
			d.ReadyChanged = append(d.ReadyChanged, p)
		}
	}
	for id, old := range prev {
		if _, ok := m.members[id]; ok {
			continue
		}
		if id == m.localID {
			// Invariant: the local participant is always present. The
			// rejoin announce will restore us server-side shortly.
			m.insert(old.p, now)
			continue
		}
		d.Left = append(d.Left, id)
	}

	if snap.SessionID != "" {
		m.session.ID = snap.SessionID
	}
	if !snap.CreatedAt.IsZero() {
		m.session.CreatedAt = snap.CreatedAt
	}
	// Started stays sticky even against a stale snapshot.
	if snap.Started && !m.session.Started {
		m.session.Started = true
		d.Started = true
	}
	d.AllReady = m.allReady()
	return d
}

// ToggleLocalReady flips the pending local readiness and returns the
// intent for transmission. Committed state changes only when the echo
// comes back on the event stream.
func (m *Machine) ToggleLocalReady() (Intent, error) {
	if m.left {
		return Intent{}, ErrLeft
	}
	next := !m.effectiveReady()
	m.pendingReady = &next
	return Intent{
		Kind:           protocol.IntentToggleReady,
		Ready:          next,
		ClientIntentID: uuid.NewString(),
	}, nil
}

// RequestStart validates locally and returns the intent; the server
// arbitrates concurrent starts and the confirming started event arrives
// on the stream like any other.
func (m *Machine) RequestStart() (Intent, error) {
	if m.left {
		return Intent{}, ErrLeft
	}
	if m.session.Started {
		return Intent{}, ErrAlreadyStarted
	}
	if !m.effectiveReady() {
		return Intent{}, ErrNotReady
	}
	return Intent{
		Kind:           protocol.IntentRequestStart,
		ClientIntentID: uuid.NewString(),
	}, nil
}

// Leave makes the roster terminal immediately, without waiting for the
// transport to confirm. A leaving client has no further consistency needs.
func (m *Machine) Leave() Intent {
	m.left = true
	return Intent{
		Kind:           protocol.IntentLeave,
		ClientIntentID: uuid.NewString(),
	}
}

// MarkStale degrades connection state for peers whose heartbeats went
// quiet. It never removes anyone: membership changes only via explicit
// leave events.
func (m *Machine) MarkStale(now time.Time, reconnectingAfter, disconnectedAfter time.Duration) Delta {
	var d Delta
	for _, id := range m.order {
		if id == m.localID {
			continue
		}
		mem := m.members[id]
		silent := now.Sub(mem.lastSeen)
		next := mem.p.Connection
		switch {
		case silent >= disconnectedAfter:
			next = domain.Disconnected
		case silent >= reconnectingAfter:
			next = domain.Reconnecting
		}
		if next != mem.p.Connection {
			mem.p.Connection = next
			d.ConnChanged = append(d.ConnChanged, mem.p)
		}
	}
	return d
}

func (m *Machine) allReady() bool {
	if m.session.Started || len(m.members) < 2 {
		return false
	}
	for _, mem := range m.members {
		ready := mem.p.Ready
		if mem.p.ID == m.localID {
			ready = m.effectiveReady()
		}
		if !ready {
			return false
		}
	}
	return true
}

func (m *Machine) effectiveReady() bool {
	if m.pendingReady != nil {
		return *m.pendingReady
	}
	if mem, ok := m.members[m.localID]; ok {
		return mem.p.Ready
	}
	return false
}

// Participants returns the roster in insertion order. The slice and its
// elements are copies.
func (m *Machine) Participants() []domain.Participant {
	out := make([]domain.Participant, 0, len(m.order))
	for _, id := range m.order {
		if mem, ok := m.members[id]; ok {
			out = append(out, mem.p)
		}
	}
	return out
}

func (m *Machine) Local() (domain.Participant, bool) {
	mem, ok := m.members[m.localID]
	if !ok {
		return domain.Participant{}, false
	}
	return mem.p, true
}

func (m *Machine) LocalID() domain.ParticipantID { return m.localID }

// DesiredReady is the readiness the local user last asked for; the
// transport re-announces it on reconnect.
func (m *Machine) DesiredReady() bool { return m.effectiveReady() }

func (m *Machine) Started() bool { return m.session.Started }

func (m *Machine) Left() bool { return m.left }

func (m *Machine) Session() domain.Session { return m.session }

func (m *Machine) Len() int { return len(m.members) }

package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prepmate/roomsync/internal/domain"
	"github.com/prepmate/roomsync/internal/protocol"
)

type member struct {
	p    domain.Participant
	conn *wsConn
}

// Room is the per-session authority: it owns the roster, assigns the
// monotonically increasing sequence numbers clients rely on, and fans out
// every event to all members.
//
// A dropped connection does not remove a member; membership changes only
// through explicit leave intents or a room close. A rejoining client just
// replaces its connection.
type Room struct {
	id        domain.SessionID
	createdAt time.Time

	mu      sync.Mutex
	seq     uint64
	order   []domain.ParticipantID
	members map[domain.ParticipantID]*member
	started bool
	closed  bool
}

func newRoom(id domain.SessionID) *Room {
	return &Room{
		id:        id,
		createdAt: time.Now(),
		members:   make(map[domain.ParticipantID]*member),
	}
}

func (r *Room) ID() domain.SessionID { return r.id }

func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Join admits (or re-admits) a participant, broadcasts the join event,
// and answers the joiner with a full snapshot so they never depend on a
// resumed event tail.
func (r *Room) Join(p domain.Participant, conn *wsConn) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.sendClosed(conn, "room closed")
		return
	}
	if existing, ok := r.members[p.ID]; ok {
		if existing.conn != conn {
			existing.conn.Close()
		}
		existing.conn = conn
		existing.p = p
	} else {
		r.order = append(r.order, p.ID)
		r.members[p.ID] = &member{p: p, conn: conn}
	}
	ev := protocol.SessionEvent{
		Type:          protocol.EventJoin,
		Seq:           r.nextSeq(),
		ParticipantID: p.ID,
		Participant:   &p,
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.broadcast(ev)
	if data, err := protocol.EncodeSnapshot(snap); err == nil {
		_ = conn.TrySend(data)
	}
	log.Info().Str("module", "server.room").Str("room", string(r.id)).Str("participant", string(p.ID)).Msg("member joined")
}

// ApplyIntent arbitrates one client intent. Server order is authoritative:
// whatever is broadcast here, in this sequence, is what every client
// converges on.
func (r *Room) ApplyIntent(in protocol.Intent) (empty bool) {
	r.mu.Lock()
	mem, ok := r.members[in.ParticipantID]
	if !ok || r.closed {
		r.mu.Unlock()
		return false
	}

	var events []protocol.SessionEvent
	switch in.Kind {
	case protocol.IntentToggleReady:
		mem.p.Ready = in.Ready
		events = append(events, protocol.SessionEvent{
			Type:          protocol.EventReadyChanged,
			Seq:           r.nextSeq(),
			ParticipantID: mem.p.ID,
			Ready:         in.Ready,
		})

	case protocol.IntentRequestStart:
		if r.started {
			// Concurrent starters race here; the loser's intent is
			// silently superseded, not an error.
			break
		}
		if !mem.p.Ready {
			mem.p.Ready = true
			events = append(events, protocol.SessionEvent{
				Type:          protocol.EventReadyChanged,
				Seq:           r.nextSeq(),
				ParticipantID: mem.p.ID,
				Ready:         true,
			})
		}
		r.started = true
		events = append(events, protocol.SessionEvent{
			Type: protocol.EventStarted,
			Seq:  r.nextSeq(),
		})

	case protocol.IntentLeave:
		r.removeLocked(in.ParticipantID)
		events = append(events, protocol.SessionEvent{
			Type:          protocol.EventLeave,
			Seq:           r.nextSeq(),
			ParticipantID: in.ParticipantID,
		})
	}
	empty = len(r.members) == 0
	r.mu.Unlock()

	for _, ev := range events {
		r.broadcast(ev)
	}
	if in.Kind == protocol.IntentLeave {
		mem.conn.Close()
	}
	return empty
}

// Heartbeat echoes client liveness to the whole room as an ordered event.
func (r *Room) Heartbeat(pid domain.ParticipantID) {
	r.mu.Lock()
	if _, ok := r.members[pid]; !ok || r.closed {
		r.mu.Unlock()
		return
	}
	ev := protocol.SessionEvent{
		Type:          protocol.EventHeartbeat,
		Seq:           r.nextSeq(),
		ParticipantID: pid,
		Timestamp:     time.Now(),
	}
	r.mu.Unlock()
	r.broadcast(ev)
}

// Relay forwards an opaque signaling payload once the interview runs.
func (r *Room) Relay(pid domain.ParticipantID, payload json.RawMessage) {
	r.mu.Lock()
	if !r.started || r.closed {
		r.mu.Unlock()
		return
	}
	if _, ok := r.members[pid]; !ok {
		r.mu.Unlock()
		return
	}
	ev := protocol.SessionEvent{
		Type:          protocol.EventSignal,
		Seq:           r.nextSeq(),
		ParticipantID: pid,
		Payload:       payload,
	}
	r.mu.Unlock()
	r.broadcast(ev)
}

// SendSnapshot answers an explicit resync request.
func (r *Room) SendSnapshot(pid domain.ParticipantID) {
	r.mu.Lock()
	mem, ok := r.members[pid]
	if !ok {
		r.mu.Unlock()
		return
	}
	snap := r.snapshotLocked()
	conn := mem.conn
	r.mu.Unlock()

	if data, err := protocol.EncodeSnapshot(snap); err == nil {
		_ = conn.TrySend(data)
	}
}

// Close ends the room for everyone with a terminal frame.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*wsConn, 0, len(r.members))
	for _, m := range r.members {
		conns = append(conns, m.conn)
	}
	r.members = make(map[domain.ParticipantID]*member)
	r.order = nil
	r.mu.Unlock()

	for _, c := range conns {
		r.sendClosed(c, reason)
		c.Close()
	}
	log.Info().Str("module", "server.room").Str("room", string(r.id)).Str("reason", reason).Msg("room closed")
}

func (r *Room) sendClosed(conn *wsConn, reason string) {
	if data, err := protocol.EncodeClosed(protocol.Closed{Reason: reason}); err == nil {
		_ = conn.TrySend(data)
	}
}

func (r *Room) nextSeq() uint64 {
	r.seq++
	return r.seq
}

func (r *Room) snapshotLocked() protocol.Snapshot {
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		if m, ok := r.members[id]; ok {
			out = append(out, m.p)
		}
	}
	return protocol.Snapshot{
		SessionID:    r.id,
		CreatedAt:    r.createdAt,
		Started:      r.started,
		Seq:          r.seq,
		Participants: out,
	}
}

func (r *Room) removeLocked(id domain.ParticipantID) {
	delete(r.members, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// broadcast encodes once and fans out. A slow consumer only loses its
// connection, never its membership: it reconnects and resyncs from a
// snapshot.
func (r *Room) broadcast(ev protocol.SessionEvent) {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "server.room").Msg("encode event")
		return
	}
	r.mu.Lock()
	conns := make([]*wsConn, 0, len(r.members))
	for _, m := range r.members {
		conns = append(conns, m.conn)
	}
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.TrySend(data); err != nil {
			log.Warn().Str("module", "server.room").Str("room", string(r.id)).Err(err).Msg("dropping slow connection")
			c.Close()
		}
	}
}

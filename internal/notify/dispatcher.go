// Package notify turns roster deltas and connection transitions into
// discrete user-facing notices. Delivery is at-least-once and purely
// informational; a dropped-then-repeated notice is harmless to display.
package notify

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prepmate/roomsync/internal/domain"
	"github.com/prepmate/roomsync/internal/roster"
)

type Kind string

const (
	PeerJoined       Kind = "peer_joined"
	PeerLeft         Kind = "peer_left"
	PeerReadyChanged Kind = "peer_ready_changed"
	AllReady         Kind = "all_ready"
	InterviewStarted Kind = "interview_started"
	ConnReconnecting Kind = "reconnecting"
	ConnConnected    Kind = "connected"
	ConnDisconnected Kind = "disconnected"
	SessionEnded     Kind = "session_ended"
	LongWait         Kind = "long_wait"
)

type Notice struct {
	Kind        Kind
	Participant *domain.Participant
	Reason      string
	Elapsed     time.Duration
	At          time.Time
}

// Dispatcher fans notices into a buffered channel consumed by the UI
// layer. Publish never blocks the apply loop: when the consumer lags, the
// oldest notice is dropped to make room for the newest.
type Dispatcher struct {
	out     chan Notice
	localID domain.ParticipantID
}

func New(buffer int, localID domain.ParticipantID) *Dispatcher {
	if buffer <= 0 {
		buffer = 16
	}
	return &Dispatcher{
		out:     make(chan Notice, buffer),
		localID: localID,
	}
}

func (d *Dispatcher) Notices() <-chan Notice { return d.out }

// PublishDelta maps one applied roster delta onto notices. Notices about
// the local participant's own readiness are skipped; the user already
// knows what they clicked.
func (d *Dispatcher) PublishDelta(delta roster.Delta) {
	for i := range delta.Joined {
		p := delta.Joined[i]
		if p.ID == d.localID {
			continue
		}
		d.push(Notice{Kind: PeerJoined, Participant: &p})
	}
	for _, id := range delta.Left {
		if id == d.localID {
			continue
		}
		p := domain.Participant{ID: id}
		d.push(Notice{Kind: PeerLeft, Participant: &p})
	}
	for i := range delta.ReadyChanged {
		p := delta.ReadyChanged[i]
		if p.ID == d.localID {
			continue
		}
		d.push(Notice{Kind: PeerReadyChanged, Participant: &p})
	}
	if delta.AllReady {
		d.push(Notice{Kind: AllReady})
	}
	if delta.Started {
		d.push(Notice{Kind: InterviewStarted})
	}
}

func (d *Dispatcher) PublishConnState(state domain.ConnectionState) {
	switch state {
	case domain.Connected:
		d.push(Notice{Kind: ConnConnected})
	case domain.Reconnecting:
		d.push(Notice{Kind: ConnReconnecting})
	case domain.Disconnected:
		d.push(Notice{Kind: ConnDisconnected})
	}
}

func (d *Dispatcher) PublishEnded(reason string) {
	d.push(Notice{Kind: SessionEnded, Reason: reason})
}

func (d *Dispatcher) PublishLongWait(elapsed time.Duration) {
	d.push(Notice{Kind: LongWait, Elapsed: elapsed})
}

func (d *Dispatcher) push(n Notice) {
	n.At = time.Now()
	for {
		select {
		case d.out <- n:
			return
		default:
		}
		select {
		case dropped := <-d.out:
			log.Debug().Str("module", "notify").Str("kind", string(dropped.Kind)).Msg("consumer lagging, dropped notice")
		default:
		}
	}
}

func (d *Dispatcher) Close() { close(d.out) }

// Package reconcile orders and deduplicates raw session events before
// they reach the roster machine, which assumes clean in-order input.
package reconcile

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prepmate/roomsync/internal/protocol"
)

// Sequencer tracks the highest applied sequence number, drops duplicates,
// and holds early arrivals in a bounded buffer until their gap fills.
// When the gap outlives the wait window (or the buffer overflows) the
// caller must resynchronize via a snapshot.
type Sequencer struct {
	lastApplied uint64
	pending     map[uint64]protocol.SessionEvent

	maxBuffer int
	gapWait   time.Duration
	gapSince  time.Time

	now func() time.Time
}

func New(maxBuffer int, gapWait time.Duration) *Sequencer {
	return &Sequencer{
		pending:   make(map[uint64]protocol.SessionEvent),
		maxBuffer: maxBuffer,
		gapWait:   gapWait,
		now:       time.Now,
	}
}

// Ingest accepts one raw event and returns the run of events now safe to
// apply, in order. resync is true when the gap cannot be filled within
// bounds; the caller should request a snapshot and later call Reset.
func (s *Sequencer) Ingest(ev protocol.SessionEvent) (ready []protocol.SessionEvent, resync bool) {
	switch {
	case ev.Seq <= s.lastApplied:
		// Duplicate or already-superseded; replays never change state.
		log.Debug().Str("module", "reconcile").
			Uint64("seq", ev.Seq).Uint64("last", s.lastApplied).
			Msg("dropping duplicate event")
		return nil, false

	case ev.Seq == s.lastApplied+1:
		ready = append(ready, ev)
		s.lastApplied = ev.Seq
		ready = append(ready, s.drain()...)
		return ready, false

	default:
		if _, dup := s.pending[ev.Seq]; !dup {
			s.pending[ev.Seq] = ev
		}
		if s.gapSince.IsZero() {
			s.gapSince = s.now()
		}
		if len(s.pending) > s.maxBuffer || s.now().Sub(s.gapSince) >= s.gapWait {
			log.Warn().Str("module", "reconcile").
				Uint64("last", s.lastApplied).Int("buffered", len(s.pending)).
				Msg("gap not filling, resync needed")
			return nil, true
		}
		return nil, false
	}
}

// GapExpired reports whether a held gap has outlived the wait window. The
// engine polls this on its tick so a stalled stream still triggers a
// resync even when no further events arrive.
func (s *Sequencer) GapExpired() bool {
	return !s.gapSince.IsZero() && s.now().Sub(s.gapSince) >= s.gapWait
}

// Reset realigns the sequencer after a snapshot taken at seq. Buffered
// events the snapshot already covers are discarded; newer ones that are
// now contiguous are returned for application.
func (s *Sequencer) Reset(seq uint64) []protocol.SessionEvent {
	if seq > s.lastApplied {
		s.lastApplied = seq
	}
	for k := range s.pending {
		if k <= s.lastApplied {
			delete(s.pending, k)
		}
	}
	return s.drain()
}

func (s *Sequencer) drain() []protocol.SessionEvent {
	var out []protocol.SessionEvent
	for {
		next, ok := s.pending[s.lastApplied+1]
		if !ok {
			break
		}
		delete(s.pending, s.lastApplied+1)
		s.lastApplied = next.Seq
		out = append(out, next)
	}
	if len(s.pending) == 0 {
		s.gapSince = time.Time{}
	}
	return out
}

func (s *Sequencer) LastApplied() uint64 { return s.lastApplied }

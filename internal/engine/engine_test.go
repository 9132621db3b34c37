package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepmate/roomsync/internal/config"
	"github.com/prepmate/roomsync/internal/domain"
	"github.com/prepmate/roomsync/internal/engine"
	"github.com/prepmate/roomsync/internal/notify"
	"github.com/prepmate/roomsync/internal/protocol"
	"github.com/prepmate/roomsync/internal/roster"
	"github.com/prepmate/roomsync/internal/transport"
)

type fakeTransport struct {
	msgs chan transport.Message

	mu           sync.Mutex
	sent         []protocol.Intent
	snapshotReqs int
	desired      bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{msgs: make(chan transport.Message, 32)}
}

func (f *fakeTransport) Connect(context.Context)            {}
func (f *fakeTransport) Messages() <-chan transport.Message { return f.msgs }
func (f *fakeTransport) SendSignal(json.RawMessage)         {}
func (f *fakeTransport) Close()                             {}

func (f *fakeTransport) Send(in protocol.Intent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
}

func (f *fakeTransport) SetDesiredReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.desired = ready
}

func (f *fakeTransport) RequestSnapshot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotReqs++
}

func (f *fakeTransport) sentIntents() []protocol.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Intent(nil), f.sent...)
}

func (f *fakeTransport) snapshotRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotReqs
}

func (f *fakeTransport) push(ev protocol.SessionEvent) {
	f.msgs <- transport.Message{Event: &ev}
}

func testConfig() *config.Config {
	return &config.Config{
		ReorderBuffer: 8,
		GapWait:       50 * time.Millisecond,
		NoticeBuffer:  32,
		StaleAfter:    time.Hour,
		DeadAfter:     2 * time.Hour,
	}
}

func startEngine(t *testing.T) (*engine.Engine, *fakeTransport, context.CancelFunc) {
	t.Helper()
	ft := newFakeTransport()
	local := domain.Participant{ID: "me", DisplayName: "Me"}
	session := domain.Session{ID: "interview-1", CreatedAt: time.Now()}
	eng := engine.New(testConfig(), session, local, ft)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return eng, ft, cancel
}

func waitNotice(t *testing.T, eng *engine.Engine, kind notify.Kind) notify.Notice {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-eng.Notices():
			if !ok {
				t.Fatalf("notices closed while waiting for %s", kind)
			}
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for notice %s", kind)
		}
	}
}

func TestRemoteJoinShowsUpInView(t *testing.T) {
	eng, ft, _ := startEngine(t)

	ft.push(protocol.SessionEvent{
		Type: protocol.EventJoin,
		Seq:  1,
		Participant: &domain.Participant{
			ID: "a", DisplayName: "Alice",
		},
	})

	n := waitNotice(t, eng, notify.PeerJoined)
	assert.Equal(t, "Alice", n.Participant.DisplayName)

	v := eng.View()
	require.Len(t, v.Participants, 2)
	assert.Equal(t, domain.ParticipantID("me"), v.Participants[0].ID, "local first, insertion order")
	require.NotNil(t, v.Focused)
	assert.Equal(t, domain.ParticipantID("me"), v.Focused.ID)
}

func TestToggleReadyTransmitsSupersedingIntent(t *testing.T) {
	eng, ft, _ := startEngine(t)

	require.NoError(t, eng.ToggleReady())
	require.NoError(t, eng.ToggleReady())

	sent := ft.sentIntents()
	require.Len(t, sent, 2)
	assert.True(t, sent[0].Ready)
	assert.False(t, sent[1].Ready, "second toggle supersedes, final state false")

	// The wire queue collapses same-kind intents; here we only assert the
	// engine handed over the final desired state.
	ft.mu.Lock()
	desired := ft.desired
	ft.mu.Unlock()
	assert.False(t, desired)
}

func TestRequestStartRejectedWhenNotReady(t *testing.T) {
	eng, ft, _ := startEngine(t)

	err := eng.RequestStart()
	assert.ErrorIs(t, err, roster.ErrNotReady)
	assert.Empty(t, ft.sentIntents(), "no intent may be transmitted on rejection")
}

func TestStartFlow(t *testing.T) {
	eng, ft, _ := startEngine(t)

	require.NoError(t, eng.ToggleReady())
	require.NoError(t, eng.RequestStart())

	sent := ft.sentIntents()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.IntentRequestStart, sent[1].Kind)

	ft.push(protocol.SessionEvent{Type: protocol.EventStarted, Seq: 1})
	waitNotice(t, eng, notify.InterviewStarted)
	assert.True(t, eng.View().Session.Started)

	// A duplicate confirmation is a no-op, not a failure.
	ft.push(protocol.SessionEvent{Type: protocol.EventStarted, Seq: 2})
	ft.push(protocol.SessionEvent{
		Type: protocol.EventJoin, Seq: 3,
		Participant: &domain.Participant{ID: "a", DisplayName: "Alice"},
	})
	waitNotice(t, eng, notify.PeerJoined)
	assert.True(t, eng.View().Session.Started)
}

func TestOutOfOrderEventsAppliedInOrder(t *testing.T) {
	eng, ft, _ := startEngine(t)

	ft.push(protocol.SessionEvent{
		Type: protocol.EventJoin, Seq: 1,
		Participant: &domain.Participant{ID: "a", DisplayName: "Alice"},
	})
	waitNotice(t, eng, notify.PeerJoined)

	// Leave for seq 3 arrives before the ready change at seq 2.
	ft.push(protocol.SessionEvent{Type: protocol.EventLeave, Seq: 3, ParticipantID: "a"})
	ft.push(protocol.SessionEvent{Type: protocol.EventReadyChanged, Seq: 2, ParticipantID: "a", Ready: true})

	waitNotice(t, eng, notify.PeerReadyChanged)
	waitNotice(t, eng, notify.PeerLeft)
	assert.Len(t, eng.View().Participants, 1)
}

func TestGapTriggersSnapshotResync(t *testing.T) {
	eng, ft, _ := startEngine(t)

	// Seq 5 with nothing before it: the gap cannot fill.
	ft.push(protocol.SessionEvent{Type: protocol.EventReadyChanged, Seq: 5, ParticipantID: "me", Ready: true})

	require.Eventually(t, func() bool {
		return ft.snapshotRequests() > 0
	}, 3*time.Second, 20*time.Millisecond, "expired gap must request a snapshot")

	// Snapshot supersedes the missed tail; roster matches server exactly.
	snap := protocol.Snapshot{
		SessionID: "interview-1",
		Seq:       5,
		Participants: []domain.Participant{
			{ID: "me", DisplayName: "Me", Ready: true},
			{ID: "a", DisplayName: "Alice", Ready: true},
		},
	}
	ft.msgs <- transport.Message{Snapshot: &snap}
	waitNotice(t, eng, notify.PeerJoined)

	v := eng.View()
	require.Len(t, v.Participants, 2)
	assert.True(t, v.Participants[0].Ready)
	assert.True(t, v.Participants[1].Ready)
}

func TestConnectionStatusIsSurfaced(t *testing.T) {
	eng, ft, _ := startEngine(t)

	ft.msgs <- transport.Message{Status: domain.Reconnecting}
	waitNotice(t, eng, notify.ConnReconnecting)

	ft.msgs <- transport.Message{Status: domain.Connected}
	waitNotice(t, eng, notify.ConnConnected)
}

func TestFatalCloseEndsRun(t *testing.T) {
	ft := newFakeTransport()
	local := domain.Participant{ID: "me", DisplayName: "Me"}
	session := domain.Session{ID: "interview-1", CreatedAt: time.Now()}
	eng := engine.New(testConfig(), session, local, ft)

	errc := make(chan error, 1)
	go func() { errc <- eng.Run(context.Background()) }()

	ft.msgs <- transport.Message{Err: &transport.SessionClosedError{Reason: "kicked"}}

	select {
	case err := <-errc:
		var closed *transport.SessionClosedError
		require.ErrorAs(t, err, &closed)
		assert.Equal(t, "kicked", closed.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on fatal close")
	}
}

func TestLeaveStopsEngine(t *testing.T) {
	ft := newFakeTransport()
	local := domain.Participant{ID: "me", DisplayName: "Me"}
	session := domain.Session{ID: "interview-1", CreatedAt: time.Now()}
	eng := engine.New(testConfig(), session, local, ft)

	errc := make(chan error, 1)
	go func() { errc <- eng.Run(context.Background()) }()

	require.NoError(t, eng.Leave())

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after leave")
	}

	sent := ft.sentIntents()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.IntentLeave, sent[0].Kind)
	assert.True(t, eng.View().Left)
}

func TestSelectPeerIsLocalOnly(t *testing.T) {
	eng, ft, _ := startEngine(t)

	ft.push(protocol.SessionEvent{
		Type: protocol.EventJoin, Seq: 1,
		Participant: &domain.Participant{ID: "a", DisplayName: "Alice"},
	})
	waitNotice(t, eng, notify.PeerJoined)

	require.NoError(t, eng.SelectPeer("a"))
	v := eng.View()
	require.NotNil(t, v.Focused)
	assert.Equal(t, domain.ParticipantID("a"), v.Focused.ID)
	assert.Empty(t, ft.sentIntents(), "focus selection must have no network effect")
}

func TestPeerSignalsSurfacedOpaquely(t *testing.T) {
	eng, ft, _ := startEngine(t)

	ft.push(protocol.SessionEvent{
		Type: protocol.EventJoin, Seq: 1,
		Participant: &domain.Participant{ID: "a", DisplayName: "Alice"},
	})
	ft.push(protocol.SessionEvent{
		Type: protocol.EventSignal, Seq: 2, ParticipantID: "a",
		Payload: json.RawMessage(`{"sdp":"offer"}`),
	})

	select {
	case payload := <-eng.Signals():
		assert.JSONEq(t, `{"sdp":"offer"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("relay payload never surfaced")
	}

	// The engine's own relayed payloads do not echo back to it.
	ft.push(protocol.SessionEvent{
		Type: protocol.EventSignal, Seq: 3, ParticipantID: "me",
		Payload: json.RawMessage(`{"sdp":"answer"}`),
	})
	ft.push(protocol.SessionEvent{
		Type: protocol.EventJoin, Seq: 4,
		Participant: &domain.Participant{ID: "b", DisplayName: "Bob"},
	})
	for waitNotice(t, eng, notify.PeerJoined).Participant.DisplayName != "Bob" {
	}
	select {
	case payload := <-eng.Signals():
		t.Fatalf("own signal echoed back: %s", payload)
	default:
	}
}

package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepmate/roomsync/internal/config"
	"github.com/prepmate/roomsync/internal/domain"
	"github.com/prepmate/roomsync/internal/engine"
	"github.com/prepmate/roomsync/internal/notify"
	"github.com/prepmate/roomsync/internal/transport"
)

func clientConfig(wsURL string) *config.Config {
	return &config.Config{
		ServerURL:     wsURL,
		ReadLimit:     32768,
		PingPeriod:    200 * time.Millisecond,
		BackoffBase:   50 * time.Millisecond,
		BackoffMax:    time.Second,
		ReorderBuffer: 32,
		GapWait:       2 * time.Second,
		NoticeBuffer:  64,
		WriteTimeout:  2 * time.Second,
		StaleAfter:    time.Hour,
		DeadAfter:     2 * time.Hour,
	}
}

type client struct {
	eng  *engine.Engine
	done chan error
}

func startClient(t *testing.T, ctx context.Context, cfg *config.Config, sessionID domain.SessionID, name string) *client {
	t.Helper()
	local, err := domain.NewParticipant(name, "")
	require.NoError(t, err)

	session := domain.Session{ID: sessionID, CreatedAt: time.Now()}
	tr := transport.New(transport.FromConfig(cfg), sessionID, *local)
	eng := engine.New(cfg, session, *local, tr)

	c := &client{eng: eng, done: make(chan error, 1)}
	go func() { c.done <- eng.Run(ctx) }()
	return c
}

func (c *client) waitNotice(t *testing.T, kind notify.Kind) notify.Notice {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-c.eng.Notices():
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

func TestTwoClientsConvergeOnSharedState(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	cfg := clientConfig(wsURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startClient(t, ctx, cfg, "e2e-room", "Alice")
	alice.waitNotice(t, notify.ConnConnected)

	bob := startClient(t, ctx, cfg, "e2e-room", "Bob")
	bob.waitNotice(t, notify.ConnConnected)

	// Both ends observe the full roster.
	joined := alice.waitNotice(t, notify.PeerJoined)
	assert.Equal(t, "Bob", joined.Participant.DisplayName)
	joined = bob.waitNotice(t, notify.PeerJoined)
	assert.Equal(t, "Alice", joined.Participant.DisplayName)

	// Readiness round-trips through the server as ordered events.
	require.NoError(t, alice.eng.ToggleReady())
	n := bob.waitNotice(t, notify.PeerReadyChanged)
	assert.True(t, n.Participant.Ready)

	require.NoError(t, bob.eng.ToggleReady())
	alice.waitNotice(t, notify.PeerReadyChanged)
	alice.waitNotice(t, notify.AllReady)

	// Any ready participant may start; everyone converges on started.
	require.NoError(t, alice.eng.RequestStart())
	alice.waitNotice(t, notify.InterviewStarted)
	bob.waitNotice(t, notify.InterviewStarted)

	require.Eventually(t, func() bool {
		return alice.eng.View().Session.Started && bob.eng.View().Session.Started
	}, 5*time.Second, 20*time.Millisecond)

	// Leaving is immediate locally and broadcast remotely.
	require.NoError(t, alice.eng.Leave())
	select {
	case err := <-alice.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("alice did not stop after leave")
	}

	left := bob.waitNotice(t, notify.PeerLeft)
	assert.NotNil(t, left.Participant)

	require.Eventually(t, func() bool {
		return len(bob.eng.View().Participants) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestOperatorCloseIsFatalForClients(t *testing.T) {
	ctl, _, wsURL := newTestServer(t)
	cfg := clientConfig(wsURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startClient(t, ctx, cfg, "close-room", "Alice")
	alice.waitNotice(t, notify.ConnConnected)

	require.Eventually(t, func() bool {
		_, ok := ctl.Rooms.Get("close-room")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	room, _ := ctl.Rooms.Get("close-room")
	room.Close("room closed by operator")
	ctl.Rooms.Drop("close-room")

	select {
	case err := <-alice.done:
		var closed *transport.SessionClosedError
		require.ErrorAs(t, err, &closed)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop on room close")
	}
}

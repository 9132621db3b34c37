// Package server is the reference room authority: it implements the wire
// contract the client engine depends on (sequence assignment, snapshots,
// fan-out) and backs local development and the integration tests. It is
// not the engine; the engine must stay correct against any server that
// honors the same contract.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/prepmate/roomsync/internal/config"
	"github.com/prepmate/roomsync/internal/domain"
	"github.com/prepmate/roomsync/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Rooms   *RoomManager
	Limiter *JoinRateLimiter
	cfg     *config.Config
}

func NewController(cfg *config.Config) *Controller {
	return &Controller{
		Rooms:   NewRoomManager(),
		Limiter: NewJoinRateLimiter(cfg.JoinLimit, cfg.JoinInterval),
		cfg:     cfg,
	}
}

// HandleSession upgrades one client connection and pumps its frames. The
// first meaningful frame must be a join announce; everything before it is
// dropped.
func (ctl *Controller) HandleSession(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "server").Msg("ws upgrade")
		return
	}

	conn := newWSConn(ws)
	if ctl.cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.cfg.ReadLimit)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go conn.writePump(ctx)
	ctl.readPump(ctx, conn)
}

func (ctl *Controller) readPump(ctx context.Context, conn *wsConn) {
	var (
		room *Room
		pid  domain.ParticipantID
	)
	defer func() {
		// Losing the socket is not a leave: the member stays in the
		// roster and resyncs from a snapshot on reconnect.
		log.Info().Str("module", "server").Str("participant", string(pid)).Msg("connection closed")
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeClientFrame(data)
		if err != nil {
			log.Warn().Str("module", "server").Err(err).Msg("dropping malformed client frame")
			continue
		}

		if frame.Join != nil {
			if !ctl.Limiter.Allow(frame.Join.Participant.ID) {
				log.Warn().Str("module", "server").
					Str("participant", string(frame.Join.Participant.ID)).
					Msg("join rate limited")
				continue
			}
			room = ctl.Rooms.GetOrCreate(frame.Join.SessionID)
			pid = frame.Join.Participant.ID
			room.Join(frame.Join.Participant, conn)
			continue
		}
		if room == nil {
			log.Warn().Str("module", "server").Msg("frame before join, dropping")
			continue
		}

		switch {
		case frame.Intent != nil:
			if room.ApplyIntent(*frame.Intent) {
				ctl.Rooms.Drop(room.ID())
			}
		case frame.SnapshotReq != nil:
			room.SendSnapshot(pid)
		case frame.Heartbeat:
			room.Heartbeat(pid)
		case frame.Signal != nil:
			room.Relay(pid, frame.Signal)
		}
	}
}

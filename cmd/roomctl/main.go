// roomctl joins an interview room from the terminal: it prints roster
// notices as they happen and takes commands on stdin (ready, start,
// focus <n>, who, leave).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/prepmate/roomsync/internal/config"
	"github.com/prepmate/roomsync/internal/domain"
	"github.com/prepmate/roomsync/internal/engine"
	"github.com/prepmate/roomsync/internal/notify"
	"github.com/prepmate/roomsync/internal/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	sessionID := flagOr(1, "interview-1")
	name := flagOr(2, "guest")

	local, err := domain.NewParticipant(name, "")
	if err != nil {
		log.Fatal().Err(err).Msg("bad display name")
	}

	session := domain.Session{
		ID:        domain.SessionID(sessionID),
		CreatedAt: time.Now(),
	}
	tr := transport.New(transport.FromConfig(cfg), session.ID, *local)
	eng := engine.New(cfg, session, *local, tr)

	go printNotices(eng)
	go readCommands(ctx, cancel, eng)

	fmt.Printf("joining %s as %s (%s)\n", sessionID, name, local.ID)
	if err := eng.Run(ctx); err != nil {
		fmt.Printf("session ended: %v\n", err)
		return
	}
	fmt.Println("left session")
}

func flagOr(i int, def string) string {
	if len(os.Args) > i && os.Args[i] != "" {
		return os.Args[i]
	}
	return def
}

func printNotices(eng *engine.Engine) {
	for n := range eng.Notices() {
		switch n.Kind {
		case notify.PeerJoined:
			fmt.Printf("* %s joined\n", n.Participant.DisplayName)
		case notify.PeerLeft:
			fmt.Printf("* peer %s left\n", n.Participant.ID)
		case notify.PeerReadyChanged:
			fmt.Printf("* %s ready=%v\n", n.Participant.DisplayName, n.Participant.Ready)
		case notify.AllReady:
			fmt.Println("* everyone is ready")
		case notify.InterviewStarted:
			fmt.Println("* interview started")
		case notify.ConnReconnecting:
			fmt.Println("* reconnecting...")
		case notify.ConnConnected:
			fmt.Println("* connected")
		case notify.ConnDisconnected:
			fmt.Println("* disconnected")
		case notify.LongWait:
			fmt.Printf("* still waiting after %s\n", n.Elapsed.Round(time.Minute))
		case notify.SessionEnded:
			fmt.Printf("* session ended: %s\n", n.Reason)
		}
	}
}

func readCommands(ctx context.Context, cancel context.CancelFunc, eng *engine.Engine) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "ready":
			if err := eng.ToggleReady(); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "start":
			if err := eng.RequestStart(); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "who":
			v := eng.View()
			for i, p := range v.Participants {
				marker := " "
				if v.Focused != nil && v.Focused.ID == p.ID {
					marker = ">"
				}
				fmt.Printf("%s %d. %s ready=%v conn=%s\n", marker, i, p.DisplayName, p.Ready, p.Connection)
			}
		case "focus":
			if len(fields) < 2 {
				fmt.Println("! focus <index>")
				continue
			}
			idx, err := strconv.Atoi(fields[1])
			v := eng.View()
			if err != nil || idx < 0 || idx >= len(v.Participants) {
				fmt.Println("! no such participant")
				continue
			}
			_ = eng.SelectPeer(v.Participants[idx].ID)
		case "leave":
			_ = eng.Leave()
			cancel()
			return
		default:
			fmt.Println("commands: ready | start | who | focus <n> | leave")
		}
	}
}

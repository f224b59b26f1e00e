package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/amurg-ai/deskline/client/eventbus"
	"github.com/amurg-ai/deskline/client/realtime"
	"github.com/amurg-ai/deskline/client/session"
	"github.com/amurg-ai/deskline/pkg/protocol"
)

var (
	errNotSignedIn  = errors.New("not signed in, run deskline login")
	errSessionEnded = errors.New("session ended")
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow realtime rooms and topics, printing events as JSON lines",
		Long: "watch joins the given rooms and listens on the given company topics. " +
			"It survives reconnects and token refreshes and stops on interrupt, " +
			"session expiry or when the connection cannot be restored.",
		Example: "  deskline watch --room ChatBox:42 --room Queue --topic ticket",
		Args:    cobra.NoArgs,
		RunE:    runWatch,
	}
	cmd.Flags().StringArray("room", nil, "room to join as Name or Name:arg (repeatable)")
	cmd.Flags().StringArray("topic", nil, "company topic to listen on, e.g. ticket (repeatable)")
	return cmd
}

// roomJoin is one --room flag.
type roomJoin struct {
	channel protocol.Channel
	args    []any
}

func parseRoom(s string) (roomJoin, error) {
	name, arg, hasArg := strings.Cut(s, ":")
	if name == "" {
		return roomJoin{}, fmt.Errorf("invalid room %q", s)
	}
	j := roomJoin{channel: protocol.Room(name)}
	if hasArg {
		if arg == "" {
			return roomJoin{}, fmt.Errorf("invalid room %q: empty argument", s)
		}
		j.args = []any{arg}
	}
	return j, nil
}

// watchLine is one line of watch output.
type watchLine struct {
	Time  time.Time         `json:"ts"`
	Kind  string            `json:"kind"` // "event" or "lifecycle"
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args,omitempty"`
	Error string            `json:"error,omitempty"`
}

type watcher struct {
	session *session.Session
	rooms   []roomJoin
	topics  []string
	logger  *slog.Logger
	lines   chan watchLine

	handle realtime.Handle // owned by supervise
}

func runWatch(cmd *cobra.Command, args []string) error {
	roomFlags, _ := cmd.Flags().GetStringArray("room")
	topics, _ := cmd.Flags().GetStringArray("topic")
	if len(roomFlags) == 0 && len(topics) == 0 {
		return errors.New("nothing to watch: pass --room or --topic")
	}
	rooms := make([]roomJoin, 0, len(roomFlags))
	for _, r := range roomFlags {
		j, err := parseRoom(r)
		if err != nil {
			return err
		}
		rooms = append(rooms, j)
	}

	s, logger, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &watcher{
		session: s,
		rooms:   rooms,
		topics:  topics,
		logger:  logger.With("component", "watch"),
		lines:   make(chan watchLine, 256),
	}
	events := s.Bus().Subscribe(
		eventbus.ConnectionOpen,
		eventbus.ConnectionReconnecting,
		eventbus.ConnectionFailed,
		eventbus.SessionRefreshed,
		eventbus.SessionExpired,
		eventbus.SessionLoggedOut,
		eventbus.SessionReload,
	)
	defer s.Bus().Unsubscribe(events)

	if err := w.attach(ctx); err != nil {
		return err
	}
	defer func() { w.handle.Disconnect() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.write(gctx, cmd.OutOrStdout()) })
	g.Go(func() error { return w.supervise(gctx, events) })

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		w.logger.Info("watch stopped")
		return nil
	}
	return err
}

// attach acquires a handle for the current identity, binds the topics and
// joins the rooms.
func (w *watcher) attach(ctx context.Context) error {
	st, err := w.session.Status(ctx)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	if !st.SignedIn {
		return errNotSignedIn
	}

	h := w.session.Handle(ctx)
	if _, signedOut := h.(realtime.NullHandle); signedOut {
		return errNotSignedIn
	}

	h.On(protocol.EventReady, func(protocol.Envelope) {
		w.logger.Debug("connection ready", "tenant_id", st.Identity.TenantID)
	})
	for _, topic := range w.topics {
		h.On(protocol.Topic(st.Identity.TenantID, topic).EventName(), w.forward)
	}
	for _, r := range w.rooms {
		if err := h.Join(r.channel, r.args...); err != nil {
			h.Disconnect()
			return fmt.Errorf("join %s: %w", r.channel, err)
		}
	}

	w.handle = h
	w.logger.Info("watching", "tenant_id", st.Identity.TenantID, "user_id", st.Identity.UserID,
		"rooms", len(w.rooms), "topics", len(w.topics))
	return nil
}

// forward runs on the connection's dispatcher and must not block.
func (w *watcher) forward(env protocol.Envelope) {
	line := watchLine{Time: time.Now(), Kind: "event", Event: env.Event, Args: env.Args}
	select {
	case w.lines <- line:
	default:
		w.logger.Warn("output backlog full, dropping event", "event", env.Event)
	}
}

func (w *watcher) write(ctx context.Context, out io.Writer) error {
	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-w.lines:
			if err := enc.Encode(line); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
		}
	}
}

// supervise reacts to lifecycle events: a reload re-acquires the handle,
// anything that ends the session stops the watch.
func (w *watcher) supervise(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		var ev eventbus.Event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return errSessionEnded
			}
			ev = e
		}

		w.logger.Debug("lifecycle event", "type", ev.Type, "attempt", ev.Attempt, "error", ev.Error())
		select {
		case w.lines <- watchLine{Time: ev.Timestamp, Kind: "lifecycle", Event: ev.Type, Error: ev.Error()}:
		default:
		}

		switch ev.Type {
		case eventbus.ConnectionFailed:
			return fmt.Errorf("%w: %s", realtime.ErrConnectivity, ev.Error())
		case eventbus.SessionExpired, eventbus.SessionLoggedOut:
			return fmt.Errorf("%w: %s", errSessionEnded, ev.Type)
		case eventbus.SessionReload:
			w.handle.Disconnect()
			if err := w.attach(ctx); err != nil {
				return err
			}
		}
	}
}

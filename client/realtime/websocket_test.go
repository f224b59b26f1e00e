package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/deskline/client/config"
	"github.com/amurg-ai/deskline/pkg/protocol"
)

type wsServer struct {
	srv      *httptest.Server
	queries  chan string
	received chan protocol.Envelope
	conns    chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		queries:  make(chan string, 8),
		received: make(chan protocol.Envelope, 16),
		conns:    make(chan *websocket.Conn, 8),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get(protocol.QueryToken) == "revoked" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.queries <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if json.Unmarshal(msg, &env) == nil {
				s.received <- env
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) transport(t *testing.T) *WSTransport {
	t.Helper()
	tr, err := NewWSTransport(config.RealtimeConfig{
		URL:              "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/socket",
		PingInterval:     config.Duration{Duration: 25 * time.Second},
		PongWait:         config.Duration{Duration: 60 * time.Second},
		HandshakeTimeout: config.Duration{Duration: 5 * time.Second},
	}, nil)
	require.NoError(t, err)
	return tr
}

func nextFrame(t *testing.T, l Link) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-l.Receive():
		require.True(t, ok, "link ended: %v", l.Err())
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
		return protocol.Envelope{}
	}
}

func TestWSTransport_RoundTrip(t *testing.T) {
	s := newWSServer(t)
	tr := s.transport(t)

	link, err := tr.Dial(context.Background(), DialParams{Token: "tok", Reconnect: true})
	require.NoError(t, err)
	defer link.Close()

	q := recv(t, s.queries)
	require.Contains(t, q, "token=tok")
	require.Contains(t, q, "reconnect=1")
	conn := recv(t, s.conns)

	env, err := protocol.NewEnvelope("joinChatBox", "42")
	require.NoError(t, err)
	require.NoError(t, link.Send(env))
	got := recv(t, s.received)
	require.Equal(t, "joinChatBox", got.Event)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["company-7-ticket",{"id":1}]`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"not":"a frame"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["company-7-chat"]`)))

	in := nextFrame(t, link)
	require.Equal(t, "company-7-ticket", in.Event)
	in = nextFrame(t, link)
	require.Equal(t, "company-7-chat", in.Event, "invalid frames are skipped")
}

func TestWSTransport_FreshDialHasNoReconnectMarker(t *testing.T) {
	s := newWSServer(t)
	link, err := s.transport(t).Dial(context.Background(), DialParams{Token: "tok"})
	require.NoError(t, err)
	defer link.Close()
	require.NotContains(t, recv(t, s.queries), "reconnect")
}

func TestWSTransport_ServerClose(t *testing.T) {
	s := newWSServer(t)
	link, err := s.transport(t).Dial(context.Background(), DialParams{Token: "tok"})
	require.NoError(t, err)
	defer link.Close()

	conn := recv(t, s.conns)
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseServiceRestart, "restart")))

	select {
	case _, ok := <-link.Receive():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("link did not end")
	}
	require.ErrorIs(t, link.Err(), ErrServerClosed)
}

func TestWSTransport_AbruptDrop(t *testing.T) {
	s := newWSServer(t)
	link, err := s.transport(t).Dial(context.Background(), DialParams{Token: "tok"})
	require.NoError(t, err)
	defer link.Close()

	conn := recv(t, s.conns)
	require.NoError(t, conn.UnderlyingConn().Close())

	select {
	case _, ok := <-link.Receive():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("link did not end")
	}
	require.Error(t, link.Err())
	require.NotErrorIs(t, link.Err(), ErrServerClosed)
}

func TestClassifyReadErr(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		server bool
	}{
		{"close frame", &websocket.CloseError{Code: websocket.CloseServiceRestart, Text: "restart"}, true},
		{"normal close", &websocket.CloseError{Code: websocket.CloseNormalClosure}, true},
		{"close without status", &websocket.CloseError{Code: websocket.CloseNoStatusReceived}, true},
		{"dropped socket", &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "unexpected EOF"}, false},
		{"read timeout", errors.New("i/o timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.server, errors.Is(classifyReadErr(tt.err), ErrServerClosed))
		})
	}
}

func TestWSTransport_RejectedToken(t *testing.T) {
	s := newWSServer(t)
	_, err := s.transport(t).Dial(context.Background(), DialParams{Token: "revoked"})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestNewWSTransport_RejectsHTTPURL(t *testing.T) {
	_, err := NewWSTransport(config.RealtimeConfig{URL: "http://example.com"}, nil)
	require.Error(t, err)
}

package realtime

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/deskline/client/config"
	"github.com/amurg-ai/deskline/pkg/protocol"
)

// WSTransport dials the realtime backend over WebSocket. The token travels
// in the query string and in the Authorization header.
type WSTransport struct {
	url          *url.URL
	dialer       websocket.Dialer
	pingInterval time.Duration
	pongWait     time.Duration
	logger       *slog.Logger
}

// NewWSTransport creates a transport for cfg. Defaults must already be applied.
func NewWSTransport(cfg config.RealtimeConfig, logger *slog.Logger) (*WSTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("realtime url must be ws or wss: %q", cfg.URL)
	}

	t := &WSTransport{
		url:          u,
		dialer:       websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout.Duration},
		pingInterval: cfg.PingInterval.Duration,
		pongWait:     cfg.PongWait.Duration,
		logger:       logger.With("component", "ws-transport"),
	}
	if cfg.TLSSkipVerify {
		t.dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t, nil
}

// Dial implements Transport.
func (t *WSTransport) Dial(ctx context.Context, p DialParams) (Link, error) {
	u := *t.url
	q := u.Query()
	q.Set(protocol.QueryToken, p.Token)
	if p.Reconnect {
		q.Set(protocol.QueryReconnect, "1")
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.Token)

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	l := &wsLink{
		conn:   conn,
		recv:   make(chan protocol.Envelope, 64),
		closed: make(chan struct{}),
		logger: t.logger,
	}
	interval, wait := t.pingInterval, t.pongWait
	if interval <= 0 || wait <= 0 {
		interval, wait = 25*time.Second, 60*time.Second
	}
	l.stopPing = startKeepalive(conn, &l.writeMu, interval, wait)
	go l.readLoop()

	t.logger.Debug("dialed realtime", "host", u.Host, "reconnect", p.Reconnect)
	return l, nil
}

type wsLink struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	recv     chan protocol.Envelope
	closed   chan struct{}
	stopPing func()
	logger   *slog.Logger

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (l *wsLink) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *wsLink) Receive() <-chan protocol.Envelope { return l.recv }

func (l *wsLink) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close sends a normal close frame and closes the socket. Safe to call twice.
func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.stopPing()
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

func (l *wsLink) readLoop() {
	defer close(l.recv)
	defer l.stopPing()

	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			l.setErr(classifyReadErr(err))
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			l.logger.Warn("invalid frame from server", "error", err)
			continue
		}

		select {
		case l.recv <- env:
		case <-l.closed:
			l.setErr(errLinkClosed)
			return
		}
	}
}

func (l *wsLink) setErr(err error) {
	l.errMu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errMu.Unlock()
}

var errLinkClosed = errors.New("link closed")

// classifyReadErr maps a close frame sent by the server to ErrServerClosed.
// gorilla reports a dropped socket as CloseAbnormalClosure; that code never
// travels on the wire, so it is ordinary network loss.
func classifyReadErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		return fmt.Errorf("%w: %d %s", ErrServerClosed, ce.Code, ce.Text)
	}
	return fmt.Errorf("read frame: %w", err)
}

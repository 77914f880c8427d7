package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"clickbit/internal/app/protocol"
	"clickbit/internal/pkg/logx"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
)

// Transport is one open connection to the presence server.
type Transport interface {
	// Send writes a single event frame.
	Send(event string, payload any) error
	// Receive blocks until the next well-formed frame arrives or the
	// connection fails.
	Receive() (protocol.Envelope, error)
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WebSocketDialer dials the presence endpoint with gorilla/websocket.
type WebSocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration

	// ReadTimeout bounds the silence between inbound frames. Zero disables it.
	ReadTimeout time.Duration
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial presence server: %w", err)
	}

	return &wsTransport{
		conn:        conn,
		readTimeout: d.ReadTimeout,
		logger:      logx.Component("connector").With().Str("url", d.URL).Logger(),
	}, nil
}

// ServerURL turns the application's origin into the presence endpoint URL,
// e.g. https://shop.example.com becomes wss://shop.example.com/ws.
func ServerURL(origin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("parse origin: unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return "", errors.New("parse origin: missing host")
	}

	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}

type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex

	logger zerolog.Logger
}

func (t *wsTransport) Send(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Receive() (protocol.Envelope, error) {
	for {
		if t.readTimeout > 0 {
			if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
				return protocol.Envelope{}, err
			}
		}

		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, err
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			t.logger.Warn().Err(err).Int("frame_len", len(frame)).Msg("Server sent invalid frame")
			continue
		}
		return env, nil
	}
}

// Close sends a normal closure frame and closes the socket.
func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		t.logger.Debug().Err(err).Msg("Failed to send close frame")
	}

	return t.conn.Close()
}

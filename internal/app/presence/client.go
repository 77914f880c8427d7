package presence

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"clickbit/internal/app/protocol"
	"clickbit/internal/app/user"
	"clickbit/internal/pkg/errs"
	"clickbit/internal/pkg/logx"
	"clickbit/internal/pkg/randx"
)

const (
	// timeout for a single write to the peer.
	writeWait = 10 * time.Second

	// time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// transport-level ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maximum inbound frame size.
	maxMessageSize = 8192

	// upper bound on token verification plus user lookup.
	authTimeout = 5 * time.Second

	// DefaultSendBuffer is the outbound queue length per connection.
	DefaultSendBuffer = 64
)

// Client is one WebSocket connection served by the registry.
type Client struct {
	id        string
	conn      *websocket.Conn
	registry  *Registry
	createdAt time.Time

	// queued outbound frames, drained by WritePump.
	send chan []byte

	// closed once when the connection is being torn down.
	done      chan struct{}
	closeOnce sync.Once

	// close frame written by WritePump on the way out.
	closeMu     sync.Mutex
	closeCode   int
	closeReason string

	logger zerolog.Logger
}

// NewClient wraps an upgraded WebSocket. sendBuffer <= 0 selects DefaultSendBuffer.
func NewClient(registry *Registry, wsConn *websocket.Conn, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}

	id := randx.ConnectionID()

	return &Client{
		id:        id,
		conn:      wsConn,
		registry:  registry,
		createdAt: time.Now(),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
		logger:    logx.Component("presence").With().Str("conn_id", id).Logger(),
	}
}

// ID implements Conn.
func (c *Client) ID() string {
	return c.id
}

// CreatedAt is when the connection was accepted.
func (c *Client) CreatedAt() time.Time {
	return c.createdAt
}

// Emit queues an event for delivery. It never blocks: a full queue drops the event.
func (c *Client) Emit(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Str("event", event).Msg("Client send channel full, dropping message")
		return errSendQueueFull
	}
}

// Close asks WritePump to send a close frame and tear the connection down.
func (c *Client) Close(code int, reason string) {
	c.closeMu.Lock()
	c.closeCode = code
	c.closeReason = reason
	c.closeMu.Unlock()

	c.shutdown()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Serve runs the connection until it closes: it starts WritePump, attaches
// to the registry and blocks in ReadPump.
func (c *Client) Serve(ctx context.Context) {
	go c.WritePump()

	c.registry.Attach(c)

	c.ReadPump(ctx)
}

// ReadPump reads frames and dispatches them to the registry. On exit the
// connection is detached from the registry and closed.
func (c *Client) ReadPump(ctx context.Context) {
	defer c.cleanupOnDisconnect()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Error reading message (client close/going away)")
			}
			return
		}

		// any inbound traffic counts as liveness
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		c.dispatch(ctx, frame)
	}
}

func (c *Client) cleanupOnDisconnect() {
	c.registry.Disconnect(c)
	c.shutdown()

	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Client connection close error")
	}

	c.logger.Debug().Dur("lifetime", time.Since(c.createdAt)).Msg("Client connection cleaned up.")
}

// dispatch routes one inbound frame. Malformed frames are logged and dropped.
func (c *Client) dispatch(ctx context.Context, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Warn().Err(err).Int("code", errs.ErrMalformedEvent).Int("frame_len", len(frame)).Msg("Client sent invalid frame")
		return
	}

	switch env.Type {
	case protocol.EventAuthenticate:
		var p protocol.AuthenticatePayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Client sent invalid authenticate payload")
		}

		authCtx, cancel := context.WithTimeout(ctx, authTimeout)
		_, _ = c.registry.Authenticate(authCtx, c, p.Token)
		cancel()

	case protocol.EventUserLogin:
		var p protocol.UserPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Client sent invalid user_login payload")
			p.User = user.Profile{}
		}
		_, _ = c.registry.Login(c, p.User)

	case protocol.EventUserLogout:
		c.registry.Logout(c)

	case protocol.EventPing:
		c.registry.Heartbeat(c)

	default:
		unsupported := errs.NewError(errs.ErrUnknownEvent, env.Type)
		c.logger.Warn().Int("code", unsupported.Code).Str("msg_type", env.Type).Msg(unsupported.Message)
	}
}

// WritePump drains the send queue and keeps the transport alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(websocket.TextMessage, frame) {
				return
			}

		case <-ticker.C:
			if !c.writeFrame(websocket.PingMessage, nil) {
				return
			}

		case <-c.done:
			c.flushQueue()
			c.writeClose()
			return
		}
	}
}

// flushQueue writes frames queued before the connection was closed.
func (c *Client) flushQueue() {
	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(websocket.TextMessage, frame) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeFrame(messageType int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if err := c.conn.WriteMessage(messageType, data); err != nil {
		c.logger.Debug().Err(err).Int("message_type", messageType).Msg("Error writing frame")
		return false
	}

	return true
}

func (c *Client) writeClose() {
	c.closeMu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.closeMu.Unlock()

	c.logger.Debug().Int("close_code", code).Str("reason", reason).Msg("Sending close frame.")

	if !c.writeFrame(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason)) {
		c.logger.Debug().Msg("Failed to send close frame.")
	}
}

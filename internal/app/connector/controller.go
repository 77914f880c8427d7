/*
Package connector is the client half of the presence layer. A Controller owns
at most one transport to the server, authenticates it from the current auth
state, keeps it alive with heartbeats and mirrors the server's
acknowledgments into an observable State.
*/
package connector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clickbit/internal/app/protocol"
	"clickbit/internal/app/user"
	"clickbit/internal/pkg/logx"
	"clickbit/internal/pkg/randx"
)

// DefaultHeartbeatInterval is the application ping period.
const DefaultHeartbeatInterval = 30 * time.Second

// State is a snapshot of the controller. Authenticated implies Connected.
type State struct {
	Connected     bool          `json:"connected"`
	Authenticated bool          `json:"authenticated"`
	SocketID      string        `json:"socketId,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
	Session       *user.Profile `json:"session,omitempty"`
	LastPong      time.Time     `json:"lastPong,omitzero"`
}

// AuthState is what the application's auth layer knows about the user.
type AuthState struct {
	Authenticated bool
	Token         string
	User          *user.Profile
}

// Options tunes a Controller.
type Options struct {
	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// connection is one dialed transport and the goroutines scoped to it.
type connection struct {
	transport Transport
	gen       uint64

	done      chan struct{}
	closeOnce sync.Once
}

func (c *connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	return err
}

// Controller manages the client's single presence connection. All methods
// are safe for concurrent use.
type Controller struct {
	dialer Dialer
	opts   Options

	mu sync.Mutex

	// current connection, nil when disconnected.
	conn *connection

	// gen increases on every connect attempt and every teardown so that a
	// finished dial or a late frame can tell it is stale.
	gen     uint64
	dialing bool

	// attempted is set once authenticate or user_login goes out on the
	// current connection and cleared only when that connection ends.
	token     string
	attempted bool

	state State

	nextListener int
	listeners    map[int]func(State)
	handlers     map[int]func(protocol.Envelope)

	logger zerolog.Logger
}

// NewController builds a disconnected controller.
func NewController(dialer Dialer, opts Options) *Controller {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}

	return &Controller{
		dialer:    dialer,
		opts:      opts,
		listeners: make(map[int]func(State)),
		handlers:  make(map[int]func(protocol.Envelope)),
		logger:    logx.Component("connector"),
	}
}

// Connect opens the transport unless one is already open or being opened.
// With a token held it authenticates right away. A Disconnect that happens
// while dialing wins: the new transport is closed and Connect returns nil.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.dialing {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	transport, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	c.dialing = false

	if gen != c.gen {
		c.mu.Unlock()
		if err == nil {
			_ = transport.Close()
		}
		c.logger.Debug().Msg("Dial finished after disconnect; transport discarded.")
		return nil
	}

	if err != nil {
		c.state = State{LastError: err.Error()}
		snapshot := c.snapshotLocked()
		c.mu.Unlock()

		c.logger.Warn().Err(err).Msg("Failed to connect to presence server.")
		c.notify(snapshot)
		return err
	}

	conn := &connection{
		transport: transport,
		gen:       gen,
		done:      make(chan struct{}),
	}
	c.conn = conn
	c.state = State{Connected: true}

	token := c.token
	c.attempted = token != ""
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info().Bool("with_token", token != "").Msg("Connected to presence server.")
	c.notify(snapshot)

	go c.readLoop(conn)
	go c.heartbeat(conn)

	if token != "" {
		c.send(conn, protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: token})
	}

	return nil
}

// Disconnect closes the transport and clears the connection state. It is a
// no-op when nothing is connected or dialing.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	if conn == nil && !c.dialing {
		c.mu.Unlock()
		return
	}

	c.gen++
	c.conn = nil
	c.attempted = false
	c.state = State{LastError: c.state.LastError}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if conn != nil {
		if err := conn.close(); err != nil {
			c.logger.Debug().Err(err).Msg("Transport close error.")
		}
	}

	c.logger.Info().Msg("Disconnected from presence server.")
	c.notify(snapshot)
}

// Authenticate sends token to the server. It does nothing when disconnected.
func (c *Controller) Authenticate(token string) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		c.logger.Debug().Msg("Authenticate ignored: not connected.")
		return
	}
	c.token = token
	c.attempted = true
	c.mu.Unlock()

	c.send(conn, protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: token})
}

// UserLogin announces an already logged-in profile. It does nothing when disconnected.
func (c *Controller) UserLogin(profile user.Profile) {
	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		c.attempted = true
	}
	c.mu.Unlock()

	if conn == nil {
		c.logger.Debug().Msg("UserLogin ignored: not connected.")
		return
	}

	c.send(conn, protocol.EventUserLogin, protocol.UserPayload{User: profile})
}

// UserLogout ends the server session and keeps the connection. It does
// nothing when disconnected.
func (c *Controller) UserLogout() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.logger.Debug().Msg("UserLogout ignored: not connected.")
		return
	}

	c.send(conn, protocol.EventUserLogout, nil)
}

// HandleAuthState reconciles the connection with the application's auth
// state: signed in with a token means connected, anything else means
// disconnected. A known user on an open, unauthenticated connection that has
// not made an attempt yet is announced with user_login. A rejected attempt is
// not followed by another one until the next connect.
func (c *Controller) HandleAuthState(ctx context.Context, auth AuthState) {
	if !auth.Authenticated || auth.Token == "" {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()

		c.Disconnect()
		return
	}

	c.mu.Lock()
	c.token = auth.Token
	c.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		return
	}

	if auth.User == nil {
		return
	}

	c.mu.Lock()
	conn := c.conn
	announce := conn != nil && !c.state.Authenticated && !c.attempted
	if announce {
		c.attempted = true
	}
	c.mu.Unlock()

	if announce {
		c.send(conn, protocol.EventUserLogin, protocol.UserPayload{User: *auth.User})
	}
}

// Bind feeds every change of source into HandleAuthState. The returned
// function stops it.
func (c *Controller) Bind(ctx context.Context, source AuthSource) func() {
	return source.Subscribe(func(auth AuthState) {
		c.HandleAuthState(ctx, auth)
	})
}

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// OnChange registers fn to receive every new State. The returned function
// removes it.
func (c *Controller) OnChange(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// OnEvent registers fn for server events that are not acknowledgments, such
// as notifications sent to the user. The returned function removes it.
func (c *Controller) OnEvent(fn func(protocol.Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.handlers[id] = fn

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) readLoop(conn *connection) {
	for {
		env, err := conn.transport.Receive()
		if err != nil {
			c.fail(conn, err)
			return
		}
		c.handleEvent(conn, env)
	}
}

func (c *Controller) heartbeat(conn *connection) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			c.send(conn, protocol.EventPing, nil)
		}
	}
}

// send writes on conn and treats a write failure as a transport failure.
func (c *Controller) send(conn *connection, event string, payload any) {
	if err := conn.transport.Send(event, payload); err != nil {
		c.logger.Warn().Err(err).Str("event", event).Msg("Failed to send event.")
		c.fail(conn, err)
	}
}

// fail tears down conn after a transport error. Stale connections are ignored.
func (c *Controller) fail(conn *connection, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		_ = conn.close()
		return
	}

	c.gen++
	c.conn = nil
	c.attempted = false
	c.state = State{LastError: err.Error()}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	_ = conn.close()

	c.logger.Warn().Err(err).Msg("Presence connection lost.")
	c.notify(snapshot)
}

// handleEvent applies one server frame. Frames from a connection that is no
// longer current are dropped.
func (c *Controller) handleEvent(conn *connection, env protocol.Envelope) {
	c.mu.Lock()
	if c.conn != conn || conn.gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug().Str("event", env.Type).Msg("Dropping event from stale connection.")
		return
	}

	changed := true

	switch env.Type {
	case protocol.EventConnected:
		var p protocol.ConnectedPayload
		if err := protocol.DecodePayload(env, &p); err != nil || !randx.IsValidConnectionID(p.SocketID) {
			c.logger.Warn().Err(err).Str("socket_id", p.SocketID).Msg("Invalid connected payload.")
			changed = false
			break
		}
		c.state.SocketID = p.SocketID

	case protocol.EventAuthenticated, protocol.EventLoginSuccess:
		var p protocol.SessionPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			c.logger.Warn().Err(err).Str("event", env.Type).Msg("Invalid session payload.")
			changed = false
			break
		}
		profile := p.User
		c.state.Authenticated = true
		c.state.Session = &profile
		c.state.LastError = ""

	case protocol.EventAuthError:
		var p protocol.AuthErrorPayload
		if err := protocol.DecodePayload(env, &p); err != nil || p.Message == "" {
			p.Message = "authentication failed"
		}
		c.state.Authenticated = false
		c.state.LastError = p.Message

	case protocol.EventLoggedOut:
		c.state.Authenticated = false
		c.state.Session = nil

	case protocol.EventPong:
		var p protocol.TimestampPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			p.Timestamp = time.Now()
		}
		c.state.LastPong = p.Timestamp

	default:
		changed = false
	}

	snapshot := c.snapshotLocked()
	handlers := make([]func(protocol.Envelope), 0, len(c.handlers))
	if !isAck(env.Type) {
		for _, fn := range c.handlers {
			handlers = append(handlers, fn)
		}
	}
	c.mu.Unlock()

	if changed {
		c.logger.Debug().Str("event", env.Type).Bool("authenticated", snapshot.Authenticated).Msg("Server event applied.")
		c.notify(snapshot)
	}

	for _, fn := range handlers {
		fn(env)
	}
}

func isAck(event string) bool {
	switch event {
	case protocol.EventConnected, protocol.EventAuthenticated, protocol.EventLoginSuccess,
		protocol.EventAuthError, protocol.EventLoggedOut, protocol.EventPong:
		return true
	}
	return false
}

func (c *Controller) snapshotLocked() State {
	s := c.state
	if s.Session != nil {
		profile := *s.Session
		s.Session = &profile
	}
	return s
}

func (c *Controller) notify(s State) {
	c.mu.Lock()
	listeners := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

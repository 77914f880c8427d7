/*
Package presence implements the server side of the real-time session layer.

The Registry authenticates connections, keeps at most one live session per
user and delivers server-initiated events to users or to every connection.
Client wraps a WebSocket in read/write pumps and feeds inbound events into
the Registry.
*/
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"clickbit/internal/app/protocol"
	"clickbit/internal/app/user"
	"clickbit/internal/pkg/auth/jwt"
	"clickbit/internal/pkg/errs"
	"clickbit/internal/pkg/logx"
)

// CloseSessionReplaced is sent to a superseded connection when kicking is enabled.
const CloseSessionReplaced = 4001

var (
	// ErrConnectionClosed is returned when a connection went away before an
	// operation on it could complete.
	ErrConnectionClosed = errors.New("presence: connection closed")

	errSendQueueFull = errors.New("presence: send queue full")
)

// Conn is the registry's view of a live transport endpoint.
type Conn interface {
	ID() string
	Emit(event string, payload any) error
	Close(code int, reason string)
}

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*jwt.Payload, error)
}

// UserFinder loads user records. It returns (nil, nil) for unknown ids.
type UserFinder interface {
	FindByID(ctx context.Context, id int64) (*user.User, error)
}

// Session binds one user to one connection.
type Session struct {
	UserID      int64        `json:"userId"`
	Profile     user.Profile `json:"user"`
	ConnID      string       `json:"socketId"`
	ConnectedAt time.Time    `json:"connectedAt"`
}

// Stats is a point-in-time count of the registry contents.
type Stats struct {
	Connections int `json:"connections"`
	Sessions    int `json:"sessions"`
}

// Options tunes registry behaviour.
type Options struct {
	// KickSuperseded closes the previous connection of a user when a newer
	// one authenticates. Off by default: the old connection only loses its
	// session binding.
	KickSuperseded bool

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Registry tracks connections and sessions. All methods are safe for concurrent use.
type Registry struct {
	verifier TokenVerifier
	users    UserFinder
	opts     Options

	// mu guards the four maps below.
	mu sync.RWMutex

	// conns holds every attached connection, authenticated or not.
	conns map[string]Conn

	// sessions is the user -> session index; one entry per user.
	sessions map[int64]*Session

	// connUsers maps a connection to the user it authenticated as. A
	// superseded connection keeps its entry until it disconnects.
	connUsers map[string]int64

	// groups is the per-user broadcast group.
	groups map[int64]map[string]Conn

	logger zerolog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(verifier TokenVerifier, users UserFinder, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Registry{
		verifier:  verifier,
		users:     users,
		opts:      opts,
		conns:     make(map[string]Conn),
		sessions:  make(map[int64]*Session),
		connUsers: make(map[string]int64),
		groups:    make(map[int64]map[string]Conn),
		logger:    logx.Component("presence"),
	}
}

// Attach records a freshly opened connection and sends the connected handshake.
func (r *Registry) Attach(conn Conn) {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Debug().Str("conn_id", conn.ID()).Int("connections", total).Msg("Connection attached.")

	r.emit(conn, protocol.EventConnected, protocol.ConnectedPayload{
		SocketID:  conn.ID(),
		Timestamp: r.opts.Now(),
	})
}

// Authenticate verifies token and binds the connection to its user. On any
// rejection an auth_error is sent and the connection stays open and
// unauthenticated. The verifier and user store run without the lock held.
func (r *Registry) Authenticate(ctx context.Context, conn Conn, token string) (*Session, error) {
	logger := r.logger.With().Str("conn_id", conn.ID()).Logger()

	claims, err := r.verifier.Verify(token)
	if err != nil {
		logger.Info().Err(err).Msg("Authentication rejected: token verification failed.")
		return nil, r.reject(conn, err)
	}

	logger = logger.With().Int64("user_id", claims.UserID).Logger()

	u, err := r.users.FindByID(ctx, claims.UserID)
	if err != nil {
		logger.Error().Err(err).Msg("Authentication failed: user lookup error.")
		return nil, r.reject(conn, errs.NewError(errs.ErrUserStoreUnavailable))
	}
	if u == nil {
		logger.Info().Msg("Authentication rejected: user not found.")
		return nil, r.reject(conn, errs.NewError(errs.ErrUserNotFound))
	}
	if !u.IsActive() {
		logger.Info().Str("status", u.Status).Msg("Authentication rejected: user not active.")
		return nil, r.reject(conn, errs.NewError(errs.ErrUserInactive))
	}

	sess, err := r.bind(conn, u.Profile())
	if err != nil {
		logger.Info().Msg("Connection closed during authentication; session not registered.")
		return nil, err
	}

	logger.Info().Msg("Connection authenticated.")

	r.emit(conn, protocol.EventAuthenticated, protocol.SessionPayload{
		User:      sess.Profile,
		Timestamp: sess.ConnectedAt,
	})

	return sess, nil
}

// Login binds the connection to an already validated profile without
// checking a token; the profile, role included, is trusted as sent. A
// connection that is authenticated as a different user cannot switch
// identities this way.
func (r *Registry) Login(conn Conn, profile user.Profile) (*Session, error) {
	logger := r.logger.With().Str("conn_id", conn.ID()).Int64("user_id", profile.ID).Logger()

	if customErr := profile.Validate(); customErr != nil {
		logger.Warn().Msg("Login event rejected: invalid profile.")
		return nil, r.reject(conn, customErr)
	}

	r.mu.RLock()
	boundTo, bound := r.connUsers[conn.ID()]
	r.mu.RUnlock()

	if bound && boundTo != profile.ID {
		logger.Warn().Int64("bound_user_id", boundTo).Msg("Login event rejected: connection bound to another user.")
		return nil, r.reject(conn, errs.NewError(errs.ErrInvalidProfile))
	}

	sess, err := r.bind(conn, profile)
	if err != nil {
		return nil, err
	}

	logger.Info().Msg("Login event accepted.")

	r.emit(conn, protocol.EventLoginSuccess, protocol.SessionPayload{
		User:      sess.Profile,
		Timestamp: sess.ConnectedAt,
	})

	return sess, nil
}

// Logout ends the session bound to conn and acknowledges with logged_out.
// The connection stays open. It reports whether a session was removed.
func (r *Registry) Logout(conn Conn) bool {
	r.mu.Lock()
	userID, removed := r.unbindLocked(conn.ID())
	r.mu.Unlock()

	if removed {
		r.logger.Info().Str("conn_id", conn.ID()).Int64("user_id", userID).Msg("Session logged out.")
	}

	r.emit(conn, protocol.EventLoggedOut, protocol.TimestampPayload{Timestamp: r.opts.Now()})

	return removed
}

// Disconnect purges conn and its session. Safe to call more than once.
func (r *Registry) Disconnect(conn Conn) {
	r.mu.Lock()
	_, attached := r.conns[conn.ID()]
	delete(r.conns, conn.ID())
	userID, removed := r.unbindLocked(conn.ID())
	remaining := len(r.conns)
	r.mu.Unlock()

	if !attached {
		return
	}

	event := r.logger.Info().Str("conn_id", conn.ID()).Int("connections", remaining)
	if removed {
		event = event.Int64("user_id", userID)
	}
	event.Bool("session_removed", removed).Msg("Connection detached.")
}

// Heartbeat answers an application-level ping.
func (r *Registry) Heartbeat(conn Conn) {
	r.emit(conn, protocol.EventPong, protocol.TimestampPayload{Timestamp: r.opts.Now()})
}

// SendToUser delivers event to the user's broadcast group and returns the
// number of connections reached. Offline users are skipped silently.
func (r *Registry) SendToUser(userID int64, event string, payload any) int {
	r.mu.RLock()
	group := r.groups[userID]
	targets := make([]Conn, 0, len(group))
	for _, conn := range group {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if r.emit(conn, event, payload) {
			delivered++
		}
	}

	if len(targets) == 0 {
		r.logger.Debug().Int64("user_id", userID).Str("event", event).Msg("SendToUser skipped: user offline.")
	}

	return delivered
}

// BroadcastAll delivers event to every attached connection.
func (r *Registry) BroadcastAll(event string, payload any) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if r.emit(conn, event, payload) {
			delivered++
		}
	}
	return delivered
}

// SessionFor returns a copy of the user's session.
func (r *Registry) SessionFor(userID int64) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// IsOnline reports whether the user holds a live session.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessions[userID]
	return ok
}

// Sessions returns all sessions ordered by user id.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{Connections: len(r.conns), Sessions: len(r.sessions)}
}

// Shutdown closes every connection with a going-away frame and empties the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]Conn)
	r.sessions = make(map[int64]*Session)
	r.connUsers = make(map[string]int64)
	r.groups = make(map[int64]map[string]Conn)
	r.mu.Unlock()

	r.logger.Info().Int("connections", len(conns)).Msg("Shutting down presence registry.")

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// bind registers profile as the session of conn, evicting any session the
// same user holds on another connection (last writer wins).
func (r *Registry) bind(conn Conn, profile user.Profile) (*Session, error) {
	connID := conn.ID()

	r.mu.Lock()

	if _, ok := r.conns[connID]; !ok {
		r.mu.Unlock()
		return nil, ErrConnectionClosed
	}

	if prev, ok := r.connUsers[connID]; ok && prev != profile.ID {
		r.unbindLocked(connID)
	}

	var superseded Conn
	if old, ok := r.sessions[profile.ID]; ok && old.ConnID != connID {
		delete(r.groups[profile.ID], old.ConnID)
		superseded = r.conns[old.ConnID]
	}

	sess := &Session{
		UserID:      profile.ID,
		Profile:     profile,
		ConnID:      connID,
		ConnectedAt: r.opts.Now(),
	}
	r.sessions[profile.ID] = sess
	r.connUsers[connID] = profile.ID

	group, ok := r.groups[profile.ID]
	if !ok {
		group = make(map[string]Conn)
		r.groups[profile.ID] = group
	}
	group[connID] = conn

	out := *sess
	r.mu.Unlock()

	if superseded != nil {
		r.logger.Warn().
			Int64("user_id", profile.ID).
			Str("old_conn_id", superseded.ID()).
			Str("conn_id", connID).
			Bool("kick", r.opts.KickSuperseded).
			Msg("Session superseded by a newer connection.")

		if r.opts.KickSuperseded {
			superseded.Close(CloseSessionReplaced, errs.NewError(errs.ErrSessionReplaced).Message)
		}
	}

	return &out, nil
}

// unbindLocked drops the connection's user binding. The user's session is
// removed only when it still points at this connection. Callers hold mu.
func (r *Registry) unbindLocked(connID string) (int64, bool) {
	userID, ok := r.connUsers[connID]
	if !ok {
		return 0, false
	}
	delete(r.connUsers, connID)

	if group, ok := r.groups[userID]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(r.groups, userID)
		}
	}

	sess, ok := r.sessions[userID]
	if !ok || sess.ConnID != connID {
		return userID, false
	}
	delete(r.sessions, userID)
	return userID, true
}

// reject sends auth_error for err and returns it.
func (r *Registry) reject(conn Conn, err error) error {
	var customErr *errs.CustomError
	if !errors.As(err, &customErr) {
		customErr = errs.NewError(errs.ErrUnknown)
	}

	r.emit(conn, protocol.EventAuthError, protocol.AuthErrorPayload{
		Message: customErr.Message,
		Code:    customErr.Code,
	})

	return customErr
}

// emit sends one event and logs delivery failures. It reports success.
func (r *Registry) emit(conn Conn, event string, payload any) bool {
	if err := conn.Emit(event, payload); err != nil {
		r.logger.Warn().Err(err).Str("conn_id", conn.ID()).Str("event", event).Msg("Failed to deliver event.")
		return false
	}
	return true
}

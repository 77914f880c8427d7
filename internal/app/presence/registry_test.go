package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clickbit/internal/app/protocol"
	"clickbit/internal/app/user"
	"clickbit/internal/pkg/auth/jwt"
	"clickbit/internal/pkg/errs"
)

const testSecret = "test-secret-at-least-32-chars-long"

type emitted struct {
	Event   string
	Payload json.RawMessage
}

// fakeConn records emitted events in order.
type fakeConn struct {
	id string

	mu      sync.Mutex
	events  []emitted
	closed  bool
	code    int
	failing bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing || c.closed {
		return ErrConnectionClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.events = append(c.events, emitted{Event: event, Payload: raw})
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
}

func (c *fakeConn) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Event)
	}
	return out
}

func (c *fakeConn) last(t *testing.T, event string, dst any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Event == event {
			require.NoError(t, json.Unmarshal(c.events[i].Payload, dst))
			return
		}
	}
	t.Fatalf("no %q event on %s; got %v", event, c.id, c.events)
}

func (c *fakeConn) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

// memUsers is a map-backed UserFinder.
type memUsers struct {
	mu    sync.Mutex
	users map[int64]*user.User
	err   error
	gate  chan struct{}
}

func newMemUsers(users ...*user.User) *memUsers {
	m := &memUsers{users: make(map[int64]*user.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) FindByID(ctx context.Context, id int64) (*user.User, error) {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func activeUser(id int64) *user.User {
	return &user.User{
		ID:        id,
		Email:     fmt.Sprintf("user%d@example.com", id),
		FirstName: "Test",
		LastName:  fmt.Sprintf("User%d", id),
		Role:      user.RoleCustomer,
		Status:    user.StatusActive,
	}
}

func tokenFor(t *testing.T, userID int64, ttl time.Duration) string {
	t.Helper()
	token, err := jwt.GenerateToken(&jwt.Payload{UserID: userID, Role: user.RoleCustomer}, testSecret, ttl)
	require.NoError(t, err)
	return token
}

func newTestRegistry(users *memUsers, opts Options) *Registry {
	return NewRegistry(jwt.NewVerifier(testSecret), users, opts)
}

func attach(r *Registry, id string) *fakeConn {
	c := newFakeConn(id)
	r.Attach(c)
	return c
}

func TestAttachSendsConnectedHandshake(t *testing.T) {
	r := newTestRegistry(newMemUsers(), Options{})
	c := attach(r, "conn-a")

	var p protocol.ConnectedPayload
	c.last(t, protocol.EventConnected, &p)
	assert.Equal(t, "conn-a", p.SocketID)
	assert.False(t, p.Timestamp.IsZero())
	assert.Equal(t, Stats{Connections: 1}, r.Stats())
}

// valid token for an active user yields authenticated and targeted delivery.
func TestAuthenticateValidToken(t *testing.T) {
	r := newTestRegistry(newMemUsers(activeUser(7), activeUser(8)), Options{})
	a := attach(r, "conn-a")
	other := attach(r, "conn-other")

	sess, err := r.Authenticate(context.Background(), a, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 7, sess.UserID)
	assert.Equal(t, "conn-a", sess.ConnID)

	var p protocol.SessionPayload
	a.last(t, protocol.EventAuthenticated, &p)
	assert.EqualValues(t, 7, p.User.ID)
	assert.Equal(t, "user7@example.com", p.User.Email)
	assert.Equal(t, user.RoleCustomer, p.User.Role)

	delivered := r.SendToUser(7, "x", map[string]any{})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, a.count("x"))
	assert.Equal(t, 0, other.count("x"))
	assert.True(t, r.IsOnline(7))
}

// an expired token is rejected and nothing is registered.
func TestAuthenticateExpiredToken(t *testing.T) {
	r := newTestRegistry(newMemUsers(activeUser(7)), Options{})
	a := attach(r, "conn-a")

	_, err := r.Authenticate(context.Background(), a, tokenFor(t, 7, -time.Minute))
	require.Error(t, err)
	assert.Equal(t, errs.ErrTokenExpired, errs.Code(err))

	assert.Equal(t, 0, a.count(protocol.EventAuthenticated))

	var p protocol.AuthErrorPayload
	a.last(t, protocol.EventAuthError, &p)
	assert.Equal(t, errs.ErrTokenExpired, p.Code)
	assert.NotEmpty(t, p.Message)

	assert.Empty(t, r.Sessions())
	assert.Equal(t, Stats{Connections: 1, Sessions: 0}, r.Stats())
}

func TestAuthenticateRejections(t *testing.T) {
	inactive := activeUser(9)
	inactive.Status = user.StatusInactive

	cases := []struct {
		name  string
		token func(t *testing.T) string
		users *memUsers
		code  int
	}{
		{"missing token", func(t *testing.T) string { return "" }, newMemUsers(activeUser(7)), errs.ErrTokenMissing},
		{"malformed token", func(t *testing.T) string { return "abc.def" }, newMemUsers(activeUser(7)), errs.ErrTokenInvalid},
		{"bad signature", func(t *testing.T) string {
			token, err := jwt.GenerateToken(&jwt.Payload{UserID: 7}, "some-other-secret-that-is-long-enough", time.Hour)
			require.NoError(t, err)
			return token
		}, newMemUsers(activeUser(7)), errs.ErrTokenInvalid},
		{"unknown user", func(t *testing.T) string { return tokenFor(t, 404, time.Hour) }, newMemUsers(activeUser(7)), errs.ErrUserNotFound},
		{"inactive user", func(t *testing.T) string { return tokenFor(t, 9, time.Hour) }, newMemUsers(inactive), errs.ErrUserInactive},
		{"store failure", func(t *testing.T) string { return tokenFor(t, 7, time.Hour) }, &memUsers{err: errors.New("db down")}, errs.ErrUserStoreUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRegistry(tc.users, Options{})
			c := attach(r, "conn")

			_, err := r.Authenticate(context.Background(), c, tc.token(t))
			require.Error(t, err)
			assert.Equal(t, tc.code, errs.Code(err))
			assert.True(t, errs.IsAuthRejected(err) || tc.code == errs.ErrUserStoreUnavailable)

			var p protocol.AuthErrorPayload
			c.last(t, protocol.EventAuthError, &p)
			assert.Equal(t, tc.code, p.Code)
			assert.Empty(t, r.Sessions())
			assert.Equal(t, 1, r.Stats().Connections)
		})
	}
}

// a second connection for the same user takes over the session.
func TestSecondConnectionSupersedesFirst(t *testing.T) {
	r := newTestRegistry(newMemUsers(activeUser(7)), Options{})
	a := attach(r, "conn-a")
	b := attach(r, "conn-b")

	_, err := r.Authenticate(context.Background(), a, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)
	_, err = r.Authenticate(context.Background(), b, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)

	sess, ok := r.SessionFor(7)
	require.True(t, ok)
	assert.Equal(t, "conn-b", sess.ConnID)
	assert.Len(t, r.Sessions(), 1)

	assert.Equal(t, 1, r.SendToUser(7, "note", map[string]string{"k": "v"}))
	assert.Equal(t, 1, b.count("note"))
	assert.Equal(t, 0, a.count("note"))

	// the orphaned connection is not closed by default
	assert.False(t, a.closed)

	// the orphan disconnecting must not take B's session with it
	r.Disconnect(a)
	sess, ok = r.SessionFor(7)
	require.True(t, ok)
	assert.Equal(t, "conn-b", sess.ConnID)

	// nor may a logout from the orphan
	a2 := attach(r, "conn-a2")
	_, err = r.Authenticate(context.Background(), a2, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)
	assert.False(t, r.Logout(b))
	assert.True(t, r.IsOnline(7))
	sess, _ = r.SessionFor(7)
	assert.Equal(t, "conn-a2", sess.ConnID)
}

func TestKickSupersededClosesOldConnection(t *testing.T) {
	r := newTestRegistry(newMemUsers(activeUser(7)), Options{KickSuperseded: true})
	a := attach(r, "conn-a")
	b := attach(r, "conn-b")

	_, err := r.Authenticate(context.Background(), a, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)
	_, err = r.Authenticate(context.Background(), b, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)

	assert.True(t, a.closed)
	assert.Equal(t, CloseSessionReplaced, a.code)
	assert.False(t, b.closed)
}

// a dropped transport removes the session; later sends are silent no-ops.
func TestDisconnectRemovesSession(t *testing.T) {
	r := newTestRegistry(newMemUsers(activeUser(7)), Options{})
	a := attach(r, "conn-a")

	_, err := r.Authenticate(context.Background(), a, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)

	r.Disconnect(a)

	assert.False(t, r.IsOnline(7))
	assert.Equal(t, Stats{}, r.Stats())
	assert.NotPanics(t, func() {
		assert.Equal(t, 0, r.SendToUser(7, "x", nil))
	})
	assert.Equal(t, 0, a.count("x"))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	r := newTestRegistry(newMemUsers(activeUser(7), activeUser(8)), Options{})
	a := attach(r, "conn-a")
	b := attach(r, "conn-b")

	_, err := r.Authenticate(context.Background(), a, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)
	_, err = r.Authenticate(context.Background(), b, tokenFor(t, 8, time.Hour))
	require.NoError(t, err)

	r.Disconnect(a)
	once := r.Stats()
	sessionsOnce := r.Sessions()

	r.Disconnect(a)
	assert.Equal(t, once, r.Stats())
	assert.Equal(t, sessionsOnce, r.Sessions())
	assert.True(t, r.IsOnline(8))

	// never-attached connections are ignored as well
	r.Disconnect(newFakeConn("ghost"))
	assert.Equal(t, once, r.Stats())
}

func TestSendToOfflineUserDeliversNowhere(t *testing.T) {
	r := newTestRegistry(newMemUsers(activeUser(7)), Options{})
	a := attach(r, "conn-a")
	_, err := r.Authenticate(context.Background(), a, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 0, r.SendToUser(8, "x", nil))
	assert.Equal(t, 0, a.count("x"))
}

func TestBroadcastAllReachesUnauthenticatedConnections(t *testing.T) {
	r := newTestRegistry(newMemUsers(activeUser(7)), Options{})
	a := attach(r, "conn-a")
	anon := attach(r, "conn-anon")
	broken := attach(r, "conn-broken")
	broken.failing = true

	_, err := r.Authenticate(context.Background(), a, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 2, r.BroadcastAll("announcement", map[string]string{"text": "maintenance"}))
	assert.Equal(t, 1, a.count("announcement"))
	assert.Equal(t, 1, anon.count("announcement"))
}

func TestLoginEvent(t *testing.T) {
	r := newTestRegistry(newMemUsers(), Options{})
	a := attach(r, "conn-a")

	profile := user.Profile{ID: 12, Email: "pat@example.com", FirstName: "Pat", Role: user.RoleAdmin}
	sess, err := r.Login(a, profile)
	require.NoError(t, err)
	assert.Equal(t, profile, sess.Profile)

	var p protocol.SessionPayload
	a.last(t, protocol.EventLoginSuccess, &p)
	assert.Equal(t, profile, p.User)

	// same-user login on a new connection follows the eviction rule
	b := attach(r, "conn-b")
	_, err = r.Login(b, profile)
	require.NoError(t, err)
	got, _ := r.SessionFor(12)
	assert.Equal(t, "conn-b", got.ConnID)
	assert.Len(t, r.Sessions(), 1)
}

func TestLoginEventRejectsInvalidProfile(t *testing.T) {
	r := newTestRegistry(newMemUsers(), Options{})
	a := attach(r, "conn-a")

	_, err := r.Login(a, user.Profile{Email: "nobody@example.com"})
	require.Error(t, err)
	assert.Equal(t, errs.ErrInvalidProfile, errs.Code(err))
	assert.Equal(t, 1, a.count(protocol.EventAuthError))
	assert.Empty(t, r.Sessions())
}

func TestLoginEventCannotSwitchIdentity(t *testing.T) {
	r := newTestRegistry(newMemUsers(activeUser(7)), Options{})
	a := attach(r, "conn-a")
	_, err := r.Authenticate(context.Background(), a, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)

	_, err = r.Login(a, user.Profile{ID: 8, Email: "mallory@example.com", Role: user.RoleAdmin})
	require.Error(t, err)
	assert.False(t, r.IsOnline(8))
	assert.True(t, r.IsOnline(7))

	// repeating the login for the bound user is fine
	_, err = r.Login(a, activeUser(7).Profile())
	assert.NoError(t, err)
}

func TestLogoutKeepsConnectionOpen(t *testing.T) {
	r := newTestRegistry(newMemUsers(activeUser(7)), Options{})
	a := attach(r, "conn-a")
	_, err := r.Authenticate(context.Background(), a, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)

	assert.True(t, r.Logout(a))
	assert.False(t, r.IsOnline(7))
	assert.Equal(t, Stats{Connections: 1}, r.Stats())
	assert.Equal(t, 1, a.count(protocol.EventLoggedOut))
	assert.False(t, a.closed)

	// logging out again still acknowledges
	assert.False(t, r.Logout(a))
	assert.Equal(t, 2, a.count(protocol.EventLoggedOut))

	// and the connection can authenticate again
	_, err = r.Authenticate(context.Background(), a, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)
	assert.True(t, r.IsOnline(7))
}

func TestHeartbeatRepliesWithoutStateChange(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(newMemUsers(), Options{Now: func() time.Time { return now }})
	a := attach(r, "conn-a")

	r.Heartbeat(a)

	var p protocol.TimestampPayload
	a.last(t, protocol.EventPong, &p)
	assert.True(t, now.Equal(p.Timestamp))
	assert.Equal(t, Stats{Connections: 1}, r.Stats())
}

// verification is slow; the connection drops before it finishes.
func TestAuthenticateAfterDisconnectDoesNotRegister(t *testing.T) {
	users := newMemUsers(activeUser(7))
	users.gate = make(chan struct{})
	r := newTestRegistry(users, Options{})
	a := attach(r, "conn-a")
	token := tokenFor(t, 7, time.Hour)

	done := make(chan error, 1)
	go func() {
		_, err := r.Authenticate(context.Background(), a, token)
		done <- err
	}()

	r.Disconnect(a)
	close(users.gate)

	err := <-done
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.False(t, r.IsOnline(7))
	assert.Equal(t, Stats{}, r.Stats())
}

// concurrent authentications for one user never leave two sessions.
func TestConcurrentAuthenticateKeepsOneSessionPerUser(t *testing.T) {
	r := newTestRegistry(newMemUsers(activeUser(7)), Options{})
	token := tokenFor(t, 7, time.Hour)

	const n = 20
	conns := make([]*fakeConn, n)
	for i := range n {
		conns[i] = attach(r, fmt.Sprintf("conn-%d", i))
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			_, err := r.Authenticate(context.Background(), c, token)
			assert.NoError(t, err)
		}(conns[i])
	}
	wg.Wait()

	sessions := r.Sessions()
	require.Len(t, sessions, 1)

	assert.Equal(t, 1, r.SendToUser(7, "x", nil))

	delivered := 0
	for _, c := range conns {
		delivered += c.count("x")
		if c.count("x") == 1 {
			assert.Equal(t, sessions[0].ConnID, c.ID())
		}
	}
	assert.Equal(t, 1, delivered)
}

func TestShutdownClosesEverything(t *testing.T) {
	r := newTestRegistry(newMemUsers(activeUser(7)), Options{})
	a := attach(r, "conn-a")
	b := attach(r, "conn-b")
	_, err := r.Authenticate(context.Background(), a, tokenFor(t, 7, time.Hour))
	require.NoError(t, err)

	r.Shutdown()

	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, Stats{}, r.Stats())
	assert.False(t, r.IsOnline(7))
}

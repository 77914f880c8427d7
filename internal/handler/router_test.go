package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"clickbit/internal/app/db"
	"clickbit/internal/app/presence"
	"clickbit/internal/app/protocol"
	"clickbit/internal/app/user"
	"clickbit/internal/configs"
	"clickbit/internal/pkg/auth/jwt"
	"clickbit/internal/pkg/errs"
	"clickbit/internal/pkg/resp"
)

const testSecret = "handler-test-secret-32-characters!"

type testEnv struct {
	srv      *httptest.Server
	registry *presence.Registry
	users    *db.SQLiteUserStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := db.NewSQLiteUserStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &configs.AppConfig{
		Environment:    "test",
		AllowedOrigins: []string{"https://shop.example.com"},
		JWTSecret:      testSecret,
		SendBuffer:     16,
	}
	registry := presence.NewRegistry(jwt.NewVerifier(testSecret), store, presence.Options{})

	router, cleanup := Router(&AppDeps{Registry: registry, Config: cfg, Users: store})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		registry.Shutdown()
		srv.Close()
		cleanup()
	})

	return &testEnv{srv: srv, registry: registry, users: store}
}

func (e *testEnv) addUser(t *testing.T, email, password, role, status string) *user.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	u := &user.User{
		Email:        email,
		FirstName:    "Test",
		LastName:     "User",
		Role:         role,
		Status:       status,
		PasswordHash: string(hash),
	}
	require.NoError(t, e.users.Create(context.Background(), u))
	return u
}

func (e *testEnv) post(t *testing.T, path, token string, body any) (int, resp.JSONResponse) {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return do(t, req)
}

func (e *testEnv) get(t *testing.T, path, token string) (int, resp.JSONResponse) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (int, resp.JSONResponse) {
	t.Helper()

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var out resp.JSONResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res.StatusCode, out
}

func (e *testEnv) login(t *testing.T, email, password string) LoginOutput {
	t.Helper()

	status, out := e.post(t, "/api/auth/login", "", LoginInput{Email: email, Password: password})
	require.Equal(t, http.StatusOK, status, out.Message)

	raw, err := json.Marshal(out.Data)
	require.NoError(t, err)
	var login LoginOutput
	require.NoError(t, json.Unmarshal(raw, &login))
	return login
}

func (e *testEnv) dialWS(t *testing.T, origin string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(frame)
	require.NoError(t, err)
	return env
}

func sendEvent(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()

	frame, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	status, out := e.get(t, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, out.Code)
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "ada@example.com", "correct horse", user.RoleCustomer, user.StatusActive)
	e.addUser(t, "gone@example.com", "correct horse", user.RoleCustomer, user.StatusSuspended)

	login := e.login(t, "ADA@example.com", "correct horse")
	assert.Equal(t, "ada@example.com", login.User.Email)

	claims, err := jwt.ParseToken(login.Token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, login.User.ID, claims.UserID)

	cases := []struct {
		name   string
		input  LoginInput
		status int
		code   int
	}{
		{"wrong password", LoginInput{Email: "ada@example.com", Password: "nope"}, http.StatusUnauthorized, errs.ErrInvalidCredentials},
		{"unknown email", LoginInput{Email: "who@example.com", Password: "x"}, http.StatusUnauthorized, errs.ErrInvalidCredentials},
		{"inactive account", LoginInput{Email: "gone@example.com", Password: "correct horse"}, http.StatusForbidden, errs.ErrUserInactive},
		{"missing fields", LoginInput{}, http.StatusBadRequest, errs.ErrInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, out := e.post(t, "/api/auth/login", "", tc.input)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, out.Code)
		})
	}
}

func TestLoginRejectsUnknownFields(t *testing.T) {
	e := newTestEnv(t)

	status, out := e.post(t, "/api/auth/login", "", map[string]string{"username": "ada"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errs.ErrInvalidJSONFormat, out.Code)
}

func TestPresenceRoutesRequireAdmin(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "ada@example.com", "pw-ada", user.RoleCustomer, user.StatusActive)
	customer := e.login(t, "ada@example.com", "pw-ada")

	status, out := e.get(t, "/api/presence", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, errs.ErrUnauthorized, out.Code)

	status, out = e.get(t, "/api/presence", customer.Token)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, errs.ErrForbidden, out.Code)
}

func TestSocketSignInAndAdminNotify(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "admin@example.com", "pw-admin", user.RoleAdmin, user.StatusActive)
	e.addUser(t, "ada@example.com", "pw-ada", user.RoleCustomer, user.StatusActive)

	admin := e.login(t, "admin@example.com", "pw-admin")
	ada := e.login(t, "ada@example.com", "pw-ada")

	ws := e.dialWS(t, "https://shop.example.com")
	require.Equal(t, protocol.EventConnected, readEvent(t, ws).Type)

	sendEvent(t, ws, protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: ada.Token})
	env := readEvent(t, ws)
	require.Equal(t, protocol.EventAuthenticated, env.Type)

	status, out := e.get(t, "/api/presence", admin.Token)
	require.Equal(t, http.StatusOK, status)
	raw, err := json.Marshal(out.Data)
	require.NoError(t, err)
	var listing PresenceOutput
	require.NoError(t, json.Unmarshal(raw, &listing))
	assert.Equal(t, presence.Stats{Connections: 1, Sessions: 1}, listing.Stats)
	require.Len(t, listing.Sessions, 1)
	assert.Equal(t, ada.User.ID, listing.Sessions[0].UserID)

	path := fmt.Sprintf("/api/presence/users/%d/notify", ada.User.ID)
	status, out = e.post(t, path, admin.Token, PushInput{Event: "order_updated", Payload: json.RawMessage(`{"order":42}`)})
	require.Equal(t, http.StatusOK, status, out.Message)

	env = readEvent(t, ws)
	assert.Equal(t, "order_updated", env.Type)
	assert.JSONEq(t, `{"order":42}`, string(env.Payload))

	status, out = e.post(t, "/api/presence/broadcast", admin.Token, PushInput{Event: "maintenance"})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "maintenance", readEvent(t, ws).Type)
}

func TestNotifyOfflineUserAndReservedEvents(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "admin@example.com", "pw-admin", user.RoleAdmin, user.StatusActive)
	admin := e.login(t, "admin@example.com", "pw-admin")

	status, out := e.post(t, "/api/presence/users/999/notify", admin.Token, PushInput{Event: "x"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, errs.ErrUserOffline, out.Code)

	status, out = e.post(t, "/api/presence/broadcast", admin.Token, PushInput{Event: protocol.EventAuthenticated})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errs.ErrInvalidParams, out.Code)

	status, _ = e.post(t, "/api/presence/users/abc/notify", admin.Token, PushInput{Event: "x"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	e := newTestEnv(t)

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, res, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"clickbit/internal/app/presence"
	"clickbit/internal/app/protocol"
	"clickbit/internal/app/user"
	"clickbit/internal/pkg/auth/jwt"
	"clickbit/internal/pkg/errs"
	"clickbit/internal/pkg/logx"
	"clickbit/internal/pkg/req"
	"clickbit/internal/pkg/resp"
)

// reserved event names cannot be pushed through the admin API.
var reservedEvents = map[string]struct{}{
	protocol.EventConnected:     {},
	protocol.EventAuthenticated: {},
	protocol.EventAuthError:     {},
	protocol.EventLoginSuccess:  {},
	protocol.EventLoggedOut:     {},
	protocol.EventPong:          {},
}

type PushInput struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (in PushInput) validate() *errs.CustomError {
	event := strings.TrimSpace(in.Event)
	if event == "" || len(event) > 64 {
		return errs.NewError(errs.ErrInvalidParams)
	}
	if _, ok := reservedEvents[event]; ok {
		return errs.NewError(errs.ErrInvalidParams)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return errs.NewError(errs.ErrInvalidJSONFormat)
	}
	return nil
}

func (in PushInput) payload() any {
	if len(in.Payload) == 0 {
		return nil
	}
	return in.Payload
}

type PresenceOutput struct {
	Stats    presence.Stats     `json:"stats"`
	Sessions []presence.Session `json:"sessions"`
}

type PushOutput struct {
	Delivered int `json:"delivered"`
}

// RequireAdmin rejects requests whose token does not carry the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := jwt.GetPayloadFromContext(r)
		if identity == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}
		if identity.Role != user.RoleAdmin {
			logx.Warn("admin route rejected: insufficient role", "user_id", identity.UserID, "role", identity.Role)
			resp.RespondError(w, r, errs.NewError(errs.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleListPresence returns the live sessions and counters.
func HandleListPresence(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp.RespondSuccess(w, r, PresenceOutput{
			Stats:    deps.Registry.Stats(),
			Sessions: deps.Registry.Sessions(),
		})
	}
}

// HandleNotifyUser pushes an event to one user's connection.
func HandleNotifyUser(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || userID <= 0 {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		var input PushInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}
		if customErr := input.validate(); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		delivered := deps.Registry.SendToUser(userID, strings.TrimSpace(input.Event), input.payload())
		if delivered == 0 {
			resp.RespondError(w, r, errs.NewError(errs.ErrUserOffline))
			return
		}

		logx.Info("admin notify delivered", "user_id", userID, "event", input.Event, "delivered", delivered)
		resp.RespondSuccess(w, r, PushOutput{Delivered: delivered})
	}
}

// HandleBroadcast pushes an event to every connection.
func HandleBroadcast(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input PushInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}
		if customErr := input.validate(); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		delivered := deps.Registry.BroadcastAll(strings.TrimSpace(input.Event), input.payload())

		logx.Info("admin broadcast delivered", "event", input.Event, "delivered", delivered)
		resp.RespondSuccess(w, r, PushOutput{Delivered: delivered})
	}
}

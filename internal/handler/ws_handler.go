/*
Package handler provides the HTTP handler function for WebSocket connection upgrading.

HandleWebSocket rate limits the upgrade, upgrades the HTTP connection and
hands it to the presence registry for the rest of its life. Authentication
happens over the socket, not during the upgrade.
*/
package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"clickbit/internal/app/presence"
	"clickbit/internal/pkg/errs"
	"clickbit/internal/pkg/limiter"
	"clickbit/internal/pkg/logx"
	"clickbit/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc to process WebSocket connection requests.
func HandleWebSocket(deps *AppDeps, upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rateLimiter.Allow(r) {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", logx.AnonymizeIP(limiter.ClientIP(r)))
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		client := presence.NewClient(deps.Registry, conn, deps.Config.SendBuffer)

		logx.Debug("WebSocket connection established", "conn_id", client.ID())

		// the socket outlives the request bookkeeping; registry shutdown closes it.
		client.Serve(context.WithoutCancel(r.Context()))
	}
}

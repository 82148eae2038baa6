package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bypassd/internal/auth"
	"bypassd/internal/ws"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// bearer auth is checked before the upgrade, so any origin is fine
		return true
	},
}

func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		d.Log.Error("WebSocket hub not initialized")
		http.Error(w, "WebSocket hub not initialized", http.StatusInternalServerError)
		return
	}
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	d.Log.Info("WebSocket connected",
		zap.String("user_id", p.UserID),
		zap.String("tenant_id", p.TenantID),
		zap.String("remote", r.RemoteAddr))

	// the request context ends with the handler, the connection outlives it
	wsConn := ws.NewConn(context.WithoutCancel(r.Context()), conn, d.Hub, p)
	d.Hub.Register(wsConn)

	go wsConn.WritePump()
	go wsConn.ReadPump()
}

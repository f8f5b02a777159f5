package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/mahaj/village-chat/pkg/auth"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/realtime"
)

// ServeHTTP authenticates the request, upgrades it and runs the session
// until the socket closes. Unauthenticated requests are answered with 401
// and never upgraded.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	who, err := g.auth.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrUnauthenticated) {
			status = http.StatusUnauthorized
		}
		log.Printf("Rejected websocket from %s: %v", r.RemoteAddr, err)
		writeError(w, status, model.Code(err), model.PublicMessage(err, "Authentication failed"))
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Upgrade failed for %s: %v", who.ID, err)
		return
	}

	conn := realtime.NewConn(ws, who.ID, g.opts.MaxFrameBytes, g.opts.SendBuffer)
	session := g.Connect(conn, who)
	conn.Start()
	defer func() {
		session.Close()
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	conn.ReadLoop(session.Handle)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

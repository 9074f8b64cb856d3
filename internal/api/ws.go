package api

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

// wsConn names the connection type the stream facade's Serve methods take;
// it is a plain alias of nhooyr.io/websocket's *Conn, not an interface.
type wsConn = *websocket.Conn

// serveWS upgrades r to a WebSocket connection and hands it to fn, which
// blocks until the connection ends.
func serveWS(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, conn wsConn)) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:5173", "localhost:3000"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	fn(r.Context(), conn)
}

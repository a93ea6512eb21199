package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
)

// handleEventStream upgrades to a websocket and forwards engine events as
// JSON text messages until the client disconnects. A slow client only loses
// events; it never blocks the engine (the bus drops on a full buffer).
func (g *Gateway) handleEventStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			g.logger.Error("gateway: websocket accept failed", "error", err)
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusInternalError, "unexpected close")
		}()

		ch, unsubscribe := g.bus.Subscribe(16)
		defer unsubscribe()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			case e, ok := <-ch:
				if !ok {
					_ = conn.Close(websocket.StatusNormalClosure, "stream closed")
					return
				}
				data, err := json.Marshal(e)
				if err != nil {
					g.logger.Error("gateway: marshal event", "error", err)
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
			}
		}
	}
}

package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/uhyunpark/swaprelay/pkg/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced on the REST routes only
		return true
	},
}

// handleOrderStream upgrades the request and attaches a relay for one
// order. The relay subscribes while the connection is still CONNECTING, so
// events published before the pumps start are buffered and flushed on open.
func (s *Server) handleOrderStream(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "order_id", orderID, "err", err)
		return
	}

	log := s.log.With("order_id", orderID, "remote", ws.RemoteAddr().String())
	conn := relay.NewWSConn(ws, s.cfg.SendBuffer, log)

	rl := relay.New(s.bus, orderID, conn,
		relay.WithBuffer(s.cfg.RelayBuffer, s.cfg.RelayOverflow),
		relay.WithLogger(log))
	rl.Start()

	s.streams.Add(1)
	conn.OnClose(func() {
		n := s.streams.Add(-1)
		log.Infow("ws_client_disconnected", "active_streams", n)
	})

	conn.Open()
	log.Infow("ws_client_connected", "active_streams", s.streams.Load())
}

package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// AlertStream upgrades to a websocket and pushes the bank's alerts as JSON
// until the client disconnects
func (h *Handlers) AlertStream(w http.ResponseWriter, r *http.Request) {
	if h.deps.Alerts == nil {
		h.unavailable(w, r, "Alert stream")
		return
	}
	bankID := mux.Vars(r)["bank_id"]

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.deps.Alerts.Subscribe(ctx, bankID)
	if err != nil {
		log.Error().Err(err).Str("bank_id", bankID).Msg("Alert subscription failed")
		h.unavailable(w, r, "Alert stream")
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("bank_id", bankID).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := log.With().Str("bank_id", bankID).Str("request_id", RequestID(r.Context())).Logger()
	logger.Info().Msg("Alert stream opened")
	defer logger.Info().Msg("Alert stream closed")

	// Reader pump: handles pongs and notices the client going away
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case a, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(a); err != nil {
				logger.Debug().Err(err).Msg("Alert write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

package app

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS layer for REST; the websocket accepts
	// any origin and relies on topic subscriptions carrying no secrets.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a websocket and streams hub events for the
// requested topics. Subscribers joining mid-stream get no replay; callers
// re-fetch current state over REST after connecting.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var topics []string
	for _, topic := range query["topic"] {
		if strings.HasPrefix(topic, "org:") || strings.HasPrefix(topic, "proposal:") {
			topics = append(topics, topic)
		}
	}
	for _, orgID := range query["org"] {
		topics = append(topics, "org:"+orgID)
	}
	for _, proposalID := range query["proposal"] {
		topics = append(topics, "proposal:"+proposalID)
	}
	if len(topics) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_TOPICS", "At least one org or proposal topic is required", nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}

	sub := s.hub.Subscribe(topics...)
	defer s.hub.Unsubscribe(sub)
	defer conn.Close()

	// Reader only consumes control frames; any error means the peer is gone.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				// Dropped by the hub for falling behind.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"missionctl/internal/events"
	"missionctl/internal/observability"
)

// streamEventName maps canonical event types to the wire names of the
// server-push stream.
func streamEventName(t events.Type) string {
	switch t {
	case events.TypeStatusChange:
		return "status"
	case events.TypeThinkingDelta:
		return "thinking"
	case events.TypeTextDelta:
		return "text"
	default:
		return string(t)
	}
}

// handleControlStream is the SSE firehose. With ?mission_id= it narrows to
// one mission and replays buffered events after ?after= before going live.
func (s *Server) handleControlStream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	missionID := c.Query("mission_id")
	after, _ := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)

	bus := s.manager.Bus()
	var ch chan events.Event
	if missionID != "" {
		if _, err := s.manager.Store().GetMission(missionID); err != nil {
			respondError(c, err)
			return
		}
		ch = bus.Subscribe(missionID, 256, after)
	} else {
		ch = bus.SubscribeAll(256)
	}
	defer bus.Unsubscribe(missionID, ch)

	observability.StreamClients.Inc()
	defer observability.StreamClients.Dec()
	s.logger.Info("SSE stream opened (mission=%q)", missionID)

	if _, err := fmt.Fprintf(c.Writer, "event: connected\ndata: {\"mission_id\":%q}\n\n", missionID); err != nil {
		return
	}
	flusher.Flush()

	// Heartbeat keeps intermediaries from closing the idle connection.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case event := <-ch:
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("Failed to serialize event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", streamEventName(event.EventType), data); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-c.Request.Context().Done():
			s.logger.Info("SSE stream closed (mission=%q)", missionID)
			return
		}
	}
}

// wsMessage is the websocket frame shape.
type wsMessage struct {
	Event string       `json:"event"`
	Data  events.Event `json:"data"`
}

// handleMissionWebSocket streams one mission's events over a websocket,
// replaying the buffered history after ?after= first.
func (s *Server) handleMissionWebSocket(c *gin.Context) {
	missionID := c.Param("id")
	if _, err := s.manager.Store().GetMission(missionID); err != nil {
		respondError(c, err)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	after, _ := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	bus := s.manager.Bus()
	ch := bus.Subscribe(missionID, 256, after)
	defer bus.Unsubscribe(missionID, ch)

	observability.StreamClients.Inc()
	defer observability.StreamClients.Dec()
	s.logger.Info("WebSocket stream opened for mission %s", missionID)

	// Reader goroutine: we ignore client frames but need to notice closes.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case event := <-ch:
			frame := wsMessage{Event: streamEventName(event.EventType), Data: event}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-closed:
			s.logger.Info("WebSocket stream closed for mission %s", missionID)
			return

		case <-c.Request.Context().Done():
			return
		}
	}
}

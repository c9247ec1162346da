package admin

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"shardfleet/internal/event"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
)

// eventPayload is the websocket form of cluster and fleet events.
type eventPayload struct {
	Source    string          `json:"source"`
	Type      string          `json:"type"`
	ClusterID int             `json:"cluster_id"`
	PID       int             `json:"pid,omitempty"`
	Shards    []int           `json:"shards,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Time      time.Time       `json:"time"`
}

func clusterPayload(evt event.ClusterEvent) eventPayload {
	payload := eventPayload{
		Source:    "cluster",
		Type:      evt.EventType,
		ClusterID: evt.ClusterID,
		PID:       evt.PID,
		Time:      evt.OccurredAt,
	}
	if evt.Err != nil {
		payload.Error = evt.Err.Error()
	}
	if len(evt.Message) > 0 && json.Valid(evt.Message) {
		payload.Message = json.RawMessage(evt.Message)
	}
	return payload
}

func fleetPayload(evt event.FleetEvent) eventPayload {
	return eventPayload{
		Source:    "fleet",
		Type:      evt.EventType,
		ClusterID: evt.ClusterID,
		Shards:    evt.Shards,
		Time:      evt.OccurredAt,
	}
}

// handleEvents streams lifecycle events until the client disconnects. The
// optional "types" query parameter is a comma list of event types to keep.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, h.token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.fleet == nil {
		http.Error(w, "fleet unavailable", http.StatusServiceUnavailable)
		return
	}
	wanted := parseTypes(r.URL.Query().Get("types"))

	clusterEvents, stopClusters := h.fleet.SubscribeClusters()
	fleetEvents, stopFleet := h.fleet.SubscribeFleet()
	defer stopClusters()
	defer stopFleet()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, h.allowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]string{"path": r.URL.Path, "error": err.Error()})
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var payload eventPayload
		select {
		case evt, ok := <-clusterEvents:
			if !ok {
				return
			}
			payload = clusterPayload(evt)
		case evt, ok := <-fleetEvents:
			if !ok {
				return
			}
			payload = fleetPayload(evt)
		case <-closed:
			return
		case <-h.ctx.Done():
			deadline := time.Now().Add(wsWriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
			return
		}
		if len(wanted) > 0 {
			if _, ok := wanted[payload.Type]; !ok {
				continue
			}
		}
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return
		}
		if err := conn.WriteJSON(payload); err != nil {
			return
		}
	}
}

func parseTypes(raw string) map[string]struct{} {
	wanted := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			wanted[part] = struct{}{}
		}
	}
	return wanted
}

func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	if len(allowed) > 0 {
		for _, candidate := range allowed {
			if strings.EqualFold(origin, candidate) || strings.EqualFold(parsed.Hostname(), candidate) {
				return true
			}
		}
		return false
	}
	host := r.Host
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return strings.EqualFold(parsed.Hostname(), host)
}

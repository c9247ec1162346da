// Package admin serves the coordinator's operator HTTP surface: Prometheus
// metrics, cluster status, fleet-wide eval and fetch, rolling respawn, recent
// logs and a websocket stream of lifecycle events.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"shardfleet/internal/cluster"
	"shardfleet/internal/event"
	"shardfleet/internal/fleet"
	"shardfleet/internal/logging"
	"shardfleet/internal/metrics"
	"shardfleet/internal/script"
)

const maxRequestBody = 1 << 20

// Fleet is the coordinator surface the handler drives.
type Fleet interface {
	Status() []fleet.ClusterInfo
	BroadcastEval(ctx context.Context, s script.Script) ([]json.RawMessage, error)
	BroadcastEvalOn(ctx context.Context, id int, s script.Script) (json.RawMessage, error)
	BroadcastEvalPartial(ctx context.Context, s script.Script) []fleet.Result
	FetchClientValues(ctx context.Context, path string) ([]json.RawMessage, error)
	FetchClientValueOn(ctx context.Context, id int, path string) (json.RawMessage, error)
	RespawnAll(ctx context.Context, opts fleet.RespawnAllOptions) error
	SubscribeClusters() (<-chan event.ClusterEvent, func())
	SubscribeFleet() (<-chan event.FleetEvent, func())
}

type Options struct {
	Fleet   Fleet
	Metrics *metrics.Registry
	Logger  *logging.Logger
	// Token, when set, must accompany every request except /healthz.
	Token          string
	AllowedOrigins []string
}

type Handler struct {
	fleet          Fleet
	metrics        *metrics.Registry
	logger         *logging.Logger
	token          string
	allowedOrigins []string
	mux            *http.ServeMux

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

func NewHandler(opts Options) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		fleet:          opts.Fleet,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		token:          opts.Token,
		allowedOrigins: opts.AllowedOrigins,
		mux:            http.NewServeMux(),
		ctx:            ctx,
		cancel:         cancel,
	}
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("GET /metrics", h.protect(h.handleMetrics))
	h.mux.HandleFunc("GET /api/clusters", h.protect(h.handleClusters))
	h.mux.HandleFunc("POST /api/eval", h.protect(h.handleEval))
	h.mux.HandleFunc("GET /api/fetch", h.protect(h.handleFetch))
	h.mux.HandleFunc("POST /api/respawn-all", h.protect(h.handleRespawnAll))
	h.mux.HandleFunc("GET /api/logs", h.protect(h.handleLogs))
	h.mux.HandleFunc("GET /ws/events", h.handleEvents)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	if h.logger.Enabled(logging.LevelDebug) {
		h.logger.Debug("admin request", map[string]string{"method": r.Method, "path": r.URL.Path})
	}
	h.mux.ServeHTTP(w, r)
}

// Close cancels background tasks started by requests and waits for them.
func (h *Handler) Close() {
	h.cancel()
	h.tasks.Wait()
}

type apiError struct {
	Status  int
	Message string
	Code    string
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type apiHandler func(http.ResponseWriter, *http.Request) *apiError

func (h *Handler) protect(next apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !validateToken(r, h.token) {
			writeJSONError(w, &apiError{Status: http.StatusUnauthorized, Message: "unauthorized"})
			return
		}
		if h.fleet == nil && r.URL.Path != "/metrics" {
			writeJSONError(w, &apiError{Status: http.StatusServiceUnavailable, Message: "fleet unavailable"})
			return
		}
		if err := next(w, r); err != nil {
			writeJSONError(w, err)
		}
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := h.metrics.WritePrometheus(w); err != nil {
		h.logger.Warn("write metrics failed", map[string]string{"error": err.Error()})
	}
	return nil
}

type clustersResponse struct {
	Clusters []fleet.ClusterInfo `json:"clusters"`
	Ready    int                 `json:"ready"`
}

func (h *Handler) handleClusters(w http.ResponseWriter, r *http.Request) *apiError {
	status := h.fleet.Status()
	ready := 0
	for _, info := range status {
		if info.Ready {
			ready++
		}
	}
	writeJSON(w, http.StatusOK, clustersResponse{Clusters: status, Ready: ready})
	return nil
}

type evalRequest struct {
	Script  script.Script `json:"script"`
	Cluster *int          `json:"cluster,omitempty"`
	Partial bool          `json:"partial,omitempty"`
}

type partialResult struct {
	Cluster int             `json:"cluster"`
	Value   json.RawMessage `json:"value,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (h *Handler) handleEval(w http.ResponseWriter, r *http.Request) *apiError {
	var req evalRequest
	if apiErr := decodeJSONBody(w, r, &req); apiErr != nil {
		return apiErr
	}
	if err := req.Script.Validate(); err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error(), Code: "invalid_script"}
	}

	switch {
	case req.Cluster != nil:
		value, err := h.fleet.BroadcastEvalOn(r.Context(), *req.Cluster, req.Script)
		if err != nil {
			return requestError(err)
		}
		writeJSON(w, http.StatusOK, map[string]json.RawMessage{"value": value})
	case req.Partial:
		results := h.fleet.BroadcastEvalPartial(r.Context(), req.Script)
		out := make([]partialResult, 0, len(results))
		for _, result := range results {
			item := partialResult{Cluster: result.ClusterID, Value: result.Value}
			if result.Err != nil {
				item.Error = result.Err.Error()
				item.Value = nil
			}
			out = append(out, item)
		}
		writeJSON(w, http.StatusOK, map[string][]partialResult{"results": out})
	default:
		values, err := h.fleet.BroadcastEval(r.Context(), req.Script)
		if err != nil {
			return requestError(err)
		}
		writeJSON(w, http.StatusOK, map[string][]json.RawMessage{"values": values})
	}
	return nil
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) *apiError {
	query := r.URL.Query()
	path := strings.TrimSpace(query.Get("path"))
	if path == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "path is required"}
	}
	if raw := query.Get("cluster"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return &apiError{Status: http.StatusBadRequest, Message: "cluster must be an integer"}
		}
		value, err := h.fleet.FetchClientValueOn(r.Context(), id, path)
		if err != nil {
			return requestError(err)
		}
		writeJSON(w, http.StatusOK, map[string]json.RawMessage{"value": value})
		return nil
	}
	values, err := h.fleet.FetchClientValues(r.Context(), path)
	if err != nil {
		return requestError(err)
	}
	writeJSON(w, http.StatusOK, map[string][]json.RawMessage{"values": values})
	return nil
}

type respawnAllRequest struct {
	ClusterDelayMS int64 `json:"cluster_delay_ms,omitempty"`
	RespawnDelayMS int64 `json:"respawn_delay_ms,omitempty"`
	TimeoutMS      int64 `json:"timeout_ms,omitempty"`
}

// handleRespawnAll starts a rolling respawn and answers before it finishes.
func (h *Handler) handleRespawnAll(w http.ResponseWriter, r *http.Request) *apiError {
	var req respawnAllRequest
	if r.ContentLength != 0 {
		if apiErr := decodeJSONBody(w, r, &req); apiErr != nil {
			return apiErr
		}
	}
	opts := fleet.RespawnAllOptions{
		ClusterDelay: time.Duration(req.ClusterDelayMS) * time.Millisecond,
		RespawnDelay: time.Duration(req.RespawnDelayMS) * time.Millisecond,
		Timeout:      time.Duration(req.TimeoutMS) * time.Millisecond,
	}

	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		if err := h.fleet.RespawnAll(h.ctx, opts); err != nil && h.ctx.Err() == nil {
			h.logger.Error("admin respawn failed", map[string]string{"error": err.Error()})
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "respawning"})
	return nil
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	buffer := h.logger.Buffer()
	if buffer == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "log buffer unavailable"}
	}
	entries := buffer.List()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "limit must be a positive integer"}
		}
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}
	if level := r.URL.Query().Get("level"); level != "" {
		minimum, ok := logging.ParseLevel(level)
		if !ok {
			return &apiError{Status: http.StatusBadRequest, Message: "unknown level"}
		}
		filtered := entries[:0:0]
		for _, entry := range entries {
			if levelRank(entry.Level) >= levelRank(minimum) {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}
	writeJSON(w, http.StatusOK, map[string][]logging.LogEntry{"entries": entries})
	return nil
}

func levelRank(level logging.Level) int {
	switch level {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarning:
		return 2
	default:
		return 3
	}
}

// requestError maps fleet and cluster errors to HTTP statuses.
func requestError(err error) *apiError {
	var evalErr *cluster.EvalError
	switch {
	case errors.As(err, &evalErr):
		return &apiError{Status: http.StatusUnprocessableEntity, Message: err.Error(), Code: "eval_error"}
	case errors.Is(err, fleet.ErrClusterNotFound):
		return &apiError{Status: http.StatusNotFound, Message: err.Error(), Code: "cluster_not_found"}
	case errors.Is(err, cluster.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return &apiError{Status: http.StatusGatewayTimeout, Message: err.Error(), Code: "timeout"}
	case errors.Is(err, cluster.ErrNotReady), errors.Is(err, cluster.ErrNotSpawned), errors.Is(err, cluster.ErrClusterDied):
		return &apiError{Status: http.StatusServiceUnavailable, Message: err.Error(), Code: "cluster_unavailable"}
	default:
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, target any) *apiError {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: "invalid request body: " + err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, err *apiError) {
	code := err.Code
	if code == "" {
		code = errorCodeForStatus(err.Status)
	}
	writeJSON(w, err.Status, errorResponse{Error: err.Message, Code: code})
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}

func validateToken(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == token
	}
	if queryToken := r.URL.Query().Get("token"); queryToken != "" {
		return queryToken == token
	}
	return false
}

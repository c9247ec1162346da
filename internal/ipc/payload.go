package ipc

import (
	"encoding/json"
	"time"

	"shardfleet/internal/script"
)

// FetchRequest names a dotted property path on the worker's client.
type FetchRequest struct {
	Path string `json:"path"`
}

// Result answers eval, fetch and fleet requests. Exactly one of Value or
// Error is meaningful.
type Result struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error *RemoteError    `json:"error,omitempty"`
}

// RemoteError is an error raised on the other side of a link.
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Cluster *int   `json:"cluster,omitempty"`
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// FleetEvalRequest asks the coordinator to evaluate on every cluster, or only
// on Cluster when set.
type FleetEvalRequest struct {
	Script  script.Script `json:"script"`
	Cluster *int          `json:"cluster,omitempty"`
}

type FleetFetchRequest struct {
	Path    string `json:"path"`
	Cluster *int   `json:"cluster,omitempty"`
}

// RespawnAllRequest carries respawn timings in milliseconds.
type RespawnAllRequest struct {
	ClusterDelayMS int64 `json:"cluster_delay_ms,omitempty"`
	RespawnDelayMS int64 `json:"respawn_delay_ms,omitempty"`
	TimeoutMS      int64 `json:"timeout_ms,omitempty"`
}

func Millis(d time.Duration) int64 {
	return d.Milliseconds()
}

func FromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

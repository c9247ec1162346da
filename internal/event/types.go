package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// Cluster lifecycle event types.
const (
	ClusterSpawn        = "spawn"
	ClusterDeath        = "death"
	ClusterDisconnect   = "disconnect"
	ClusterReady        = "ready"
	ClusterReconnecting = "reconnecting"
	ClusterError        = "error"
	ClusterMessage      = "message"
)

// ClusterEvent reports a change on one worker process handle.
type ClusterEvent struct {
	EventType string
	ClusterID int
	PID       int
	// Err is set for death and error events.
	Err error
	// Message holds the raw payload of a message event.
	Message    []byte
	OccurredAt time.Time
}

func NewClusterEvent(clusterID int, eventType string) ClusterEvent {
	return ClusterEvent{
		EventType:  eventType,
		ClusterID:  clusterID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e ClusterEvent) Type() string {
	return e.EventType
}

func (e ClusterEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// FleetClusterCreate is emitted when the coordinator creates a handle.
const FleetClusterCreate = "cluster_create"

// FleetEvent reports coordinator-level changes.
type FleetEvent struct {
	EventType  string
	ClusterID  int
	Shards     []int
	OccurredAt time.Time
}

func NewFleetEvent(eventType string, clusterID int, shards []int) FleetEvent {
	return FleetEvent{
		EventType:  eventType,
		ClusterID:  clusterID,
		Shards:     append([]int(nil), shards...),
		OccurredAt: time.Now().UTC(),
	}
}

func (e FleetEvent) Type() string {
	return e.EventType
}

func (e FleetEvent) Timestamp() time.Time {
	return e.OccurredAt
}

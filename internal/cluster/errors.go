package cluster

import (
	"errors"
	"fmt"

	"shardfleet/internal/ipc"
)

var (
	ErrAlreadySpawned = errors.New("cluster already spawned")
	ErrNotSpawned     = errors.New("cluster has no live process")
	ErrNotReady       = errors.New("cluster is not ready")
	ErrSpawnTimeout   = errors.New("cluster spawn timed out")
	ErrRequestTimeout = errors.New("cluster request timed out")
	ErrClusterDied    = errors.New("cluster process died")
)

// DiedError reports that the worker process exited. Outstanding requests are
// rejected with it. It matches ErrClusterDied.
type DiedError struct {
	ClusterID int
	PID       int
	// Err is the process exit error, nil for a clean exit.
	Err error
}

func (e *DiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cluster %d (pid %d) exited", e.ClusterID, e.PID)
	}
	return fmt.Sprintf("cluster %d (pid %d) exited: %v", e.ClusterID, e.PID, e.Err)
}

func (e *DiedError) Is(target error) bool {
	return target == ErrClusterDied
}

func (e *DiedError) Unwrap() error {
	return e.Err
}

// EvalError is an exception reported by the worker while evaluating a script
// or reading a property.
type EvalError struct {
	ClusterID int
	Name      string
	Message   string
}

func (e *EvalError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("cluster %d: %s", e.ClusterID, e.Message)
	}
	return fmt.Sprintf("cluster %d: %s: %s", e.ClusterID, e.Name, e.Message)
}

func evalErrorFrom(clusterID int, remote *ipc.RemoteError) *EvalError {
	if remote.Cluster != nil {
		clusterID = *remote.Cluster
	}
	return &EvalError{ClusterID: clusterID, Name: remote.Name, Message: remote.Message}
}

// RemoteError converts err into the form sent back over a link.
func RemoteError(err error) *ipc.RemoteError {
	if err == nil {
		return nil
	}
	var evalErr *EvalError
	if errors.As(err, &evalErr) {
		id := evalErr.ClusterID
		return &ipc.RemoteError{Name: evalErr.Name, Message: evalErr.Message, Cluster: &id}
	}
	var died *DiedError
	if errors.As(err, &died) {
		id := died.ClusterID
		return &ipc.RemoteError{Name: "ClusterDied", Message: err.Error(), Cluster: &id}
	}
	name := "Error"
	switch {
	case errors.Is(err, ErrRequestTimeout):
		name = "RequestTimeout"
	case errors.Is(err, ErrNotReady):
		name = "NotReady"
	case errors.Is(err, ErrNotSpawned):
		name = "NotSpawned"
	}
	return &ipc.RemoteError{Name: name, Message: err.Error()}
}

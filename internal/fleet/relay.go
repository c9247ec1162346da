package fleet

import (
	"context"
	"encoding/json"
	"strconv"

	"shardfleet/internal/ipc"
)

// relay serves the fleet-wide requests workers send to the coordinator.
type relay struct {
	m *Manager
}

func (r relay) RelayEval(ctx context.Context, from int, req ipc.FleetEvalRequest) (json.RawMessage, error) {
	if req.Cluster != nil {
		return r.m.BroadcastEvalOn(ctx, *req.Cluster, req.Script)
	}
	values, err := r.m.BroadcastEval(ctx, req.Script)
	if err != nil {
		return nil, err
	}
	return json.Marshal(values)
}

func (r relay) RelayFetch(ctx context.Context, from int, req ipc.FleetFetchRequest) (json.RawMessage, error) {
	if req.Cluster != nil {
		return r.m.FetchClientValueOn(ctx, *req.Cluster, req.Path)
	}
	values, err := r.m.FetchClientValues(ctx, req.Path)
	if err != nil {
		return nil, err
	}
	return json.Marshal(values)
}

// RelayRespawnAll starts a rolling respawn in the background. The requesting
// cluster is restarted along with the others.
func (r relay) RelayRespawnAll(from int, req ipc.RespawnAllRequest) {
	m := r.m
	m.mu.RLock()
	closed := m.closed
	if !closed {
		m.relays.Add(1)
	}
	m.mu.RUnlock()
	if closed {
		return
	}

	go func() {
		defer m.relays.Done()
		err := m.RespawnAll(m.ctx, RespawnAllOptions{
			ClusterDelay: ipc.FromMillis(req.ClusterDelayMS),
			RespawnDelay: ipc.FromMillis(req.RespawnDelayMS),
			Timeout:      ipc.FromMillis(req.TimeoutMS),
		})
		if err != nil && m.ctx.Err() == nil {
			m.logger.Error("worker-requested respawn failed", map[string]string{
				"requested_by": strconv.Itoa(from),
				"error":        err.Error(),
			})
		}
	}()
}

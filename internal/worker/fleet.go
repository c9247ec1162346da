package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shardfleet/internal/ipc"
	"shardfleet/internal/script"
)

// BroadcastEval evaluates s on every cluster, this one included, and returns
// the results ordered by cluster id.
func (u *Util) BroadcastEval(ctx context.Context, s script.Script) ([]json.RawMessage, error) {
	value, err := u.fleetRequest(ctx, ipc.KindFleetEval, ipc.FleetEvalRequest{Script: s})
	if err != nil {
		return nil, err
	}
	return decodeList(value)
}

// BroadcastEvalOn evaluates s on a single cluster.
func (u *Util) BroadcastEvalOn(ctx context.Context, clusterID int, s script.Script) (json.RawMessage, error) {
	return u.fleetRequest(ctx, ipc.KindFleetEval, ipc.FleetEvalRequest{Script: s, Cluster: &clusterID})
}

func (u *Util) FetchClientValues(ctx context.Context, path string) ([]json.RawMessage, error) {
	value, err := u.fleetRequest(ctx, ipc.KindFleetFetch, ipc.FleetFetchRequest{Path: path})
	if err != nil {
		return nil, err
	}
	return decodeList(value)
}

func (u *Util) FetchClientValueOn(ctx context.Context, clusterID int, path string) (json.RawMessage, error) {
	return u.fleetRequest(ctx, ipc.KindFleetFetch, ipc.FleetFetchRequest{Path: path, Cluster: &clusterID})
}

// RespawnAll asks the coordinator to restart every cluster, this one
// included. It returns once the request is sent.
func (u *Util) RespawnAll(clusterDelay, respawnDelay, timeout time.Duration) error {
	env, err := ipc.NewEnvelope(ipc.KindRespawnAll, ipc.RespawnAllRequest{
		ClusterDelayMS: ipc.Millis(clusterDelay),
		RespawnDelayMS: ipc.Millis(respawnDelay),
		TimeoutMS:      ipc.Millis(timeout),
	})
	if err != nil {
		return err
	}
	return u.link.Send(env)
}

func (u *Util) fleetRequest(ctx context.Context, kind ipc.Kind, payload any) (json.RawMessage, error) {
	env, err := ipc.NewRequest(kind, payload)
	if err != nil {
		return nil, err
	}
	replies := u.pending.Register(env.ID)
	if err := u.link.Send(env); err != nil {
		u.pending.Cancel(env.ID)
		return nil, fmt.Errorf("send %s: %w", kind, err)
	}

	var expired <-chan time.Time
	if u.fleetTimeout > 0 {
		timer := time.NewTimer(u.fleetTimeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case outcome := <-replies:
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Value, nil
	case <-expired:
		u.pending.Cancel(env.ID)
		return nil, fmt.Errorf("%s timed out after %s", kind, u.fleetTimeout)
	case <-ctx.Done():
		u.pending.Cancel(env.ID)
		return nil, ctx.Err()
	}
}

func decodeList(value json.RawMessage) ([]json.RawMessage, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(value, &list); err != nil {
		return nil, fmt.Errorf("decode fleet results: %w", err)
	}
	return list, nil
}

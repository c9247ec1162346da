package worker

import (
	"context"
	"encoding/json"
	"errors"

	"shardfleet/internal/ipc"
	"shardfleet/internal/script"
)

func (u *Util) serve(ctx context.Context, env ipc.Envelope) {
	if u.evalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.evalTimeout)
		defer cancel()
	}

	var (
		value json.RawMessage
		err   error
	)
	switch env.Kind {
	case ipc.KindEval:
		var s script.Script
		if err = ipc.DecodePayload(env, &s); err == nil {
			value, err = u.evaluator.Eval(ctx, s, u.Properties())
		}
	case ipc.KindFetch:
		var req ipc.FetchRequest
		if err = ipc.DecodePayload(env, &req); err == nil {
			value, err = u.fetch(req.Path)
		}
	}

	result := ipc.Result{Value: value}
	if err != nil {
		result = ipc.Result{Error: remoteError(err)}
		u.logger.Debug("request failed", map[string]string{"kind": string(env.Kind), "error": err.Error()})
	}
	kind, _ := env.Kind.ResponseKind()
	reply, err := ipc.NewResponse(kind, env.ID, result)
	if err != nil {
		u.logger.Error("encode reply failed", map[string]string{"error": err.Error()})
		return
	}
	if err := u.link.Send(reply); err != nil && !errors.Is(err, ipc.ErrLinkClosed) {
		u.logger.Warn("send reply failed", map[string]string{"error": err.Error()})
	}
}

func (u *Util) fetch(path string) (json.RawMessage, error) {
	value, err := script.Lookup(u.Properties(), path)
	if err != nil {
		return nil, err
	}
	return json.Marshal(value)
}

// Properties is the client's property tree with the worker's shard and
// cluster identity merged in.
func (u *Util) Properties() map[string]any {
	props := make(map[string]any)
	for key, value := range u.client.Properties() {
		props[key] = value
	}
	props["shard"] = map[string]any{
		"ids":   append([]int(nil), u.params.Shards...),
		"count": len(u.params.Shards),
	}
	props["cluster"] = map[string]any{
		"id":           u.params.ClusterID,
		"count":        u.params.TotalClusters,
		"total_shards": u.params.TotalShards,
	}
	return props
}

func remoteError(err error) *ipc.RemoteError {
	name := "Error"
	switch {
	case errors.Is(err, script.ErrCompile):
		name = "CompileError"
	case errors.Is(err, script.ErrInvalidScript):
		name = "InvalidScript"
	case errors.Is(err, script.ErrUnknownOp):
		name = "UnknownOperation"
	case errors.Is(err, script.ErrPropertyNotFound):
		name = "PropertyNotFound"
	case errors.Is(err, context.DeadlineExceeded):
		name = "Timeout"
	}
	return &ipc.RemoteError{Name: name, Message: err.Error()}
}

package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"shardfleet/internal/cluster"
	"shardfleet/internal/script"
)

// Result is one cluster's answer in a partial fan-out.
type Result struct {
	ClusterID int
	Value     json.RawMessage
	Err       error
}

// Broadcast sends msg to every cluster. It returns once each send has been
// written and joins the per-cluster failures.
func (m *Manager) Broadcast(msg any) error {
	var sendErr error
	for _, handle := range m.Clusters() {
		if err := handle.Send(msg); err != nil {
			sendErr = errors.Join(sendErr, fmt.Errorf("cluster %d: %w", handle.ID(), err))
		}
	}
	return sendErr
}

// BroadcastEval runs s on every cluster in parallel and returns the results
// ordered by cluster id. The first failure cancels the remaining requests and
// is returned.
func (m *Manager) BroadcastEval(ctx context.Context, s script.Script) ([]json.RawMessage, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return m.fanOut(ctx, "fleet.broadcast_eval", func(ctx context.Context, handle *cluster.Cluster) (json.RawMessage, error) {
		return handle.Eval(ctx, s)
	}, attribute.String("script.lang", string(s.Lang)))
}

// BroadcastEvalOn runs s on a single cluster.
func (m *Manager) BroadcastEvalOn(ctx context.Context, id int, s script.Script) (json.RawMessage, error) {
	handle, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return handle.Eval(ctx, s)
}

// BroadcastEvalPartial runs s on every cluster and reports each outcome
// separately instead of failing the whole call.
func (m *Manager) BroadcastEvalPartial(ctx context.Context, s script.Script) []Result {
	return m.fanOutPartial(ctx, func(ctx context.Context, handle *cluster.Cluster) (json.RawMessage, error) {
		return handle.Eval(ctx, s)
	})
}

// FetchClientValues reads path from every cluster, ordered by cluster id.
func (m *Manager) FetchClientValues(ctx context.Context, path string) ([]json.RawMessage, error) {
	return m.fanOut(ctx, "fleet.fetch_client_values", func(ctx context.Context, handle *cluster.Cluster) (json.RawMessage, error) {
		return handle.FetchClientValue(ctx, path)
	}, attribute.String("fetch.path", path))
}

func (m *Manager) FetchClientValueOn(ctx context.Context, id int, path string) (json.RawMessage, error) {
	handle, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return handle.FetchClientValue(ctx, path)
}

func (m *Manager) FetchClientValuesPartial(ctx context.Context, path string) []Result {
	return m.fanOutPartial(ctx, func(ctx context.Context, handle *cluster.Cluster) (json.RawMessage, error) {
		return handle.FetchClientValue(ctx, path)
	})
}

type requestFunc func(ctx context.Context, handle *cluster.Cluster) (json.RawMessage, error)

func (m *Manager) fanOut(ctx context.Context, spanName string, call requestFunc, attrs ...attribute.KeyValue) (values []json.RawMessage, err error) {
	handles := m.Clusters()
	attrs = append(attrs, attribute.Int("fleet.clusters", len(handles)))
	ctx, span := m.tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	values = make([]json.RawMessage, len(handles))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, handle := range handles {
		group.Go(func() error {
			value, err := call(groupCtx, handle)
			if err != nil {
				return err
			}
			values[i] = value
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

func (m *Manager) fanOutPartial(ctx context.Context, call requestFunc) []Result {
	handles := m.Clusters()
	results := make([]Result, len(handles))
	var group errgroup.Group
	for i, handle := range handles {
		group.Go(func() error {
			value, err := call(ctx, handle)
			results[i] = Result{ClusterID: handle.ID(), Value: value, Err: err}
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (m *Manager) lookup(id int) (*cluster.Cluster, error) {
	handle, ok := m.Cluster(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrClusterNotFound, id)
	}
	return handle, nil
}

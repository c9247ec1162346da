package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"shardfleet/internal/ipc"
	"shardfleet/internal/script"
)

// Eval runs s on the worker and returns the JSON-encoded result.
func (c *Cluster) Eval(ctx context.Context, s script.Script) (json.RawMessage, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return c.request(ctx, "eval", ipc.KindEval, s, func(sess *session) *ipc.Pending { return sess.evals },
		attribute.String("script.lang", string(s.Lang)))
}

// FetchClientValue reads a dotted property path from the worker's client.
func (c *Cluster) FetchClientValue(ctx context.Context, path string) (json.RawMessage, error) {
	if path == "" {
		return nil, errors.New("fetch path is required")
	}
	return c.request(ctx, "fetch", ipc.KindFetch, ipc.FetchRequest{Path: path}, func(sess *session) *ipc.Pending { return sess.fetches },
		attribute.String("fetch.path", path))
}

func (c *Cluster) request(ctx context.Context, name string, kind ipc.Kind, payload any, table func(*session) *ipc.Pending, attrs ...attribute.KeyValue) (value json.RawMessage, err error) {
	attrs = append(attrs, attribute.Int("cluster.id", c.id))
	ctx, span := c.tracer.Start(ctx, "cluster."+name, trace.WithAttributes(attrs...))
	started := time.Now()
	timedOut := false
	defer func() {
		c.metrics.RecordRequest(name, time.Since(started), err, timedOut)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sess, err := c.readySession()
	if err != nil {
		return nil, err
	}
	env, err := ipc.NewRequest(kind, payload)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("request.id", env.ID))

	pending := table(sess)
	replies := pending.Register(env.ID)
	if err := sess.link.Send(env); err != nil {
		pending.Cancel(env.ID)
		if errors.Is(err, ipc.ErrLinkClosed) {
			select {
			case <-sess.exited:
				return nil, sess.diedErr
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, fmt.Errorf("send %s to cluster %d: %w", name, c.id, err)
	}

	var expired <-chan time.Time
	if c.opts.RequestTimeout > 0 {
		timer := time.NewTimer(c.opts.RequestTimeout)
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
		pending.Cancel(env.ID)
		timedOut = true
		return nil, fmt.Errorf("cluster %d %s: %w after %s", c.id, name, ErrRequestTimeout, c.opts.RequestTimeout)
	case <-ctx.Done():
		pending.Cancel(env.ID)
		return nil, ctx.Err()
	}
}

func (c *Cluster) readySession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, fmt.Errorf("cluster %d: %w", c.id, ErrNotSpawned)
	}
	if !c.sess.connected.Load() {
		return nil, fmt.Errorf("cluster %d: %w", c.id, ErrNotReady)
	}
	return c.sess, nil
}

func outcomeFrom(clusterID int, result ipc.Result) ipc.Outcome {
	if result.Error != nil {
		return ipc.Outcome{Err: evalErrorFrom(clusterID, result.Error)}
	}
	value := result.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return ipc.Outcome{Value: value}
}

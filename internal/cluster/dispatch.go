package cluster

import (
	"encoding/json"
	"errors"
	"strconv"

	"shardfleet/internal/event"
	"shardfleet/internal/ipc"
)

func (c *Cluster) readLoop(sess *session) {
	for {
		env, err := sess.link.Receive()
		if err != nil {
			if errors.Is(err, ipc.ErrMalformed) {
				c.logger.Warn("dropping malformed envelope", map[string]string{"error": err.Error()})
				c.publishError(err)
				continue
			}
			return
		}
		c.dispatch(sess, env)
	}
}

func (c *Cluster) dispatch(sess *session, env ipc.Envelope) {
	switch env.Kind {
	case ipc.KindReady:
		c.markReady(sess)
	case ipc.KindDisconnect:
		sess.connected.Store(false)
		c.publish(sess, event.ClusterDisconnect)
	case ipc.KindReconnecting:
		sess.connected.Store(false)
		c.publish(sess, event.ClusterReconnecting)
	case ipc.KindMessage:
		msg := event.NewClusterEvent(c.id, event.ClusterMessage)
		msg.PID = sess.proc.PID()
		msg.Message = append([]byte(nil), env.Payload...)
		c.bus.Publish(msg)
	case ipc.KindEvalResult:
		c.resolve(sess.evals, env)
	case ipc.KindFetchResult:
		c.resolve(sess.fetches, env)
	case ipc.KindFleetEval, ipc.KindFleetFetch:
		go c.serveRelay(sess, env)
	case ipc.KindRespawnAll:
		c.relayRespawnAll(env)
	default:
		c.logger.Warn("unexpected envelope from worker", map[string]string{"kind": string(env.Kind)})
	}
}

func (c *Cluster) markReady(sess *session) {
	sess.connected.Store(true)
	sess.everReady.Store(true)
	c.mu.Lock()
	if c.sess == sess {
		c.state = StateReady
	}
	c.mu.Unlock()
	sess.readyOnce.Do(func() { close(sess.ready) })
	c.logger.Info("cluster ready", nil)
	c.publish(sess, event.ClusterReady)
}

func (c *Cluster) resolve(pending *ipc.Pending, env ipc.Envelope) {
	var result ipc.Result
	if err := ipc.DecodePayload(env, &result); err != nil {
		result = ipc.Result{Error: &ipc.RemoteError{Name: "DecodeError", Message: err.Error()}}
	}
	if !pending.Resolve(env.ID, outcomeFrom(c.id, result)) {
		c.metrics.IncLateReply()
		c.logger.Debug("dropping reply for unknown request", map[string]string{"kind": string(env.Kind), "request_id": env.ID})
	}
}

func (c *Cluster) serveRelay(sess *session, env ipc.Envelope) {
	value, err := c.relay(sess, env)
	result := ipc.Result{Value: value}
	if err != nil {
		result = ipc.Result{Error: RemoteError(err)}
	}
	reply, err := ipc.NewResponse(ipc.KindFleetResult, env.ID, result)
	if err != nil {
		c.logger.Error("encode relay reply failed", map[string]string{"error": err.Error()})
		return
	}
	if err := sess.link.Send(reply); err != nil && !errors.Is(err, ipc.ErrLinkClosed) {
		c.logger.Warn("send relay reply failed", map[string]string{"error": err.Error()})
	}
}

func (c *Cluster) relay(sess *session, env ipc.Envelope) (json.RawMessage, error) {
	if c.opts.Relay == nil {
		return nil, errors.New("fleet relay is not available")
	}
	switch env.Kind {
	case ipc.KindFleetEval:
		var req ipc.FleetEvalRequest
		if err := ipc.DecodePayload(env, &req); err != nil {
			return nil, err
		}
		return c.opts.Relay.RelayEval(sess.ctx, c.id, req)
	default:
		var req ipc.FleetFetchRequest
		if err := ipc.DecodePayload(env, &req); err != nil {
			return nil, err
		}
		return c.opts.Relay.RelayFetch(sess.ctx, c.id, req)
	}
}

func (c *Cluster) relayRespawnAll(env ipc.Envelope) {
	if c.opts.Relay == nil {
		c.logger.Warn("respawn_all ignored without a fleet relay", nil)
		return
	}
	var req ipc.RespawnAllRequest
	if len(env.Payload) > 0 {
		if err := ipc.DecodePayload(env, &req); err != nil {
			c.logger.Warn("invalid respawn_all request", map[string]string{"error": err.Error()})
			return
		}
	}
	c.logger.Info("worker requested fleet respawn", map[string]string{
		"cluster_delay_ms": strconv.FormatInt(req.ClusterDelayMS, 10),
	})
	c.opts.Relay.RelayRespawnAll(c.id, req)
}

func (c *Cluster) publish(sess *session, eventType string) {
	evt := event.NewClusterEvent(c.id, eventType)
	evt.PID = sess.proc.PID()
	c.bus.Publish(evt)
}

func (c *Cluster) publishError(err error) {
	evt := event.NewClusterEvent(c.id, event.ClusterError)
	evt.Err = err
	c.bus.Publish(evt)
}

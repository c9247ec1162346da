package worker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"shardfleet/internal/ipc"
)

// SimulatedClient stands in for a chat client: each shard "connects" after
// ConnectDelay and the property tree reports synthetic guild counts.
type SimulatedClient struct {
	Name           string
	GuildsPerShard int
	ConnectDelay   time.Duration
	// Extra is merged into Properties under the built-in keys.
	Extra map[string]any

	mu        sync.Mutex
	params    ipc.Params
	connected []int
	readyAt   time.Time
}

func NewSimulatedClient(name string, guildsPerShard int) *SimulatedClient {
	return &SimulatedClient{Name: name, GuildsPerShard: guildsPerShard}
}

func (c *SimulatedClient) Login(ctx context.Context, params ipc.Params) error {
	c.mu.Lock()
	c.params = params
	c.connected = nil
	c.mu.Unlock()

	for _, shard := range params.Shards {
		if c.ConnectDelay > 0 {
			timer := time.NewTimer(c.ConnectDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		c.mu.Lock()
		c.connected = append(c.connected, shard)
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.readyAt = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *SimulatedClient) Properties() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	props := make(map[string]any, len(c.Extra)+4)
	for key, value := range c.Extra {
		props[key] = value
	}
	connected := append([]int(nil), c.connected...)
	guilds := c.GuildsPerShard * len(connected)
	props["user"] = map[string]any{
		"username": c.Name,
		"tag":      c.Name + "#" + strconv.Itoa(c.params.ClusterID),
	}
	props["guilds"] = map[string]any{"size": guilds}
	props["ws"] = map[string]any{
		"shards": connected,
		"status": wsStatus(len(connected), len(c.params.Shards)),
	}
	var uptime int64
	if !c.readyAt.IsZero() {
		uptime = time.Since(c.readyAt).Milliseconds()
	}
	props["uptime"] = uptime
	return props
}

func wsStatus(connected, assigned int) string {
	switch {
	case assigned == 0 || connected == 0:
		return "idle"
	case connected < assigned:
		return "connecting"
	default:
		return "ready"
	}
}

func (c *SimulatedClient) Close() error {
	c.mu.Lock()
	c.connected = nil
	c.readyAt = time.Time{}
	c.mu.Unlock()
	return nil
}

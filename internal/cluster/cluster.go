// Package cluster supervises one worker process: spawn, readiness, request and
// response exchange, death handling, and respawn.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"shardfleet/internal/event"
	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
	"shardfleet/internal/metrics"
	"shardfleet/internal/process"
)

const (
	DefaultRequestTimeout  = 15 * time.Second
	DefaultSpawnTimeout    = 30 * time.Second
	DefaultRespawnDelay    = 500 * time.Millisecond
	DefaultRespawnInterval = 10 * time.Second
	DefaultRespawnBurst    = 3
)

type State string

const (
	StateUnspawned  State = "unspawned"
	StateSpawning   State = "spawning"
	StateReady      State = "ready"
	StateDead       State = "dead"
	StateRespawning State = "respawning"
)

// Relay serves requests a worker addresses to the whole fleet.
type Relay interface {
	RelayEval(ctx context.Context, from int, req ipc.FleetEvalRequest) (json.RawMessage, error)
	RelayFetch(ctx context.Context, from int, req ipc.FleetFetchRequest) (json.RawMessage, error)
	// RelayRespawnAll must return without waiting for the respawn.
	RelayRespawnAll(from int, req ipc.RespawnAllRequest)
}

type Options struct {
	ID            int
	Shards        []int
	TotalShards   int
	TotalClusters int
	Token         string
	// Spec is the base command. Startup parameters are appended to its Env.
	Spec     process.Spec
	Launcher process.Launcher
	// Respawn restarts the worker after an unexpected exit.
	Respawn bool
	// RequestTimeout bounds eval and fetch. 0 means DefaultRequestTimeout and
	// a negative value disables the bound.
	RequestTimeout time.Duration
	// RespawnDelay and SpawnTimeout apply to automatic respawns.
	RespawnDelay   time.Duration
	SpawnTimeout   time.Duration
	RespawnLimiter *rate.Limiter
	Relay          Relay
	Bus            *event.Bus[event.ClusterEvent]
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	Tracer         trace.Tracer
}

// Cluster is the coordinator-side handle of one worker. The handle outlives
// the processes it spawns.
type Cluster struct {
	id      int
	shards  []int
	opts    Options
	bus     *event.Bus[event.ClusterEvent]
	ownsBus bool
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer

	mu             sync.Mutex
	state          State
	sess           *session
	starting       bool
	respawnCancel  context.CancelFunc
	pendingRespawn sync.WaitGroup
}

// session is one spawned process together with its pending requests.
type session struct {
	proc    process.Process
	link    *ipc.Link
	evals   *ipc.Pending
	fetches *ipc.Pending
	ctx     context.Context
	cancel  context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	connected atomic.Bool
	everReady atomic.Bool
	killed    atomic.Bool
	exited    chan struct{}
	diedErr   error
}

func New(opts Options) *Cluster {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.RespawnDelay == 0 {
		opts.RespawnDelay = DefaultRespawnDelay
	}
	if opts.SpawnTimeout == 0 {
		opts.SpawnTimeout = DefaultSpawnTimeout
	}
	c := &Cluster{
		id:      opts.ID,
		shards:  append([]int(nil), opts.Shards...),
		opts:    opts,
		bus:     opts.Bus,
		limiter: opts.RespawnLimiter,
		logger:  opts.Logger.With(map[string]string{"cluster_id": strconv.Itoa(opts.ID)}),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		state:   StateUnspawned,
	}
	if c.bus == nil {
		c.bus = event.NewBus[event.ClusterEvent](context.Background(), event.BusOptions{
			Name:     "cluster",
			Registry: opts.Metrics,
			Logger:   opts.Logger,
		})
		c.ownsBus = true
	}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Every(DefaultRespawnInterval), DefaultRespawnBurst)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("shardfleet/cluster")
	}
	return c
}

func (c *Cluster) ID() int {
	return c.id
}

func (c *Cluster) Shards() []int {
	return append([]int(nil), c.shards...)
}

func (c *Cluster) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the live worker has every shard connected.
func (c *Cluster) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && c.sess.connected.Load()
}

// PID returns the worker's process id, or 0 without a live process.
func (c *Cluster) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.proc.PID()
}

// Subscribe receives this cluster's lifecycle events.
func (c *Cluster) Subscribe() (<-chan event.ClusterEvent, func()) {
	return c.bus.SubscribeFiltered(func(evt event.ClusterEvent) bool {
		return evt.ClusterID == c.id
	})
}

// SubscribeTypes receives only the named event types for this cluster.
func (c *Cluster) SubscribeTypes(eventTypes ...string) (<-chan event.ClusterEvent, func()) {
	wanted := make(map[string]struct{}, len(eventTypes))
	for _, eventType := range eventTypes {
		wanted[eventType] = struct{}{}
	}
	return c.bus.SubscribeFiltered(func(evt event.ClusterEvent) bool {
		_, ok := wanted[evt.EventType]
		return ok && evt.ClusterID == c.id
	})
}

// Spawn starts the worker and waits until it reports ready. A timeout <= 0
// waits indefinitely. On timeout or cancellation the process is killed so
// Spawn can be retried.
func (c *Cluster) Spawn(ctx context.Context, timeout time.Duration) error {
	sess, err := c.start(ctx)
	if err != nil {
		c.metrics.IncSpawnFailed()
		return err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-sess.ready:
		return nil
	case <-sess.exited:
		c.metrics.IncSpawnFailed()
		return sess.diedErr
	case <-expired:
		c.metrics.IncSpawnFailed()
		c.logger.Warn("cluster spawn timed out", map[string]string{"timeout": timeout.String()})
		_ = c.stopSession(context.Background(), sess)
		return fmt.Errorf("%w after %s", ErrSpawnTimeout, timeout)
	case <-ctx.Done():
		c.metrics.IncSpawnFailed()
		_ = c.stopSession(context.Background(), sess)
		return ctx.Err()
	}
}

func (c *Cluster) start(ctx context.Context) (*session, error) {
	c.mu.Lock()
	if c.sess != nil || c.starting {
		c.mu.Unlock()
		return nil, ErrAlreadySpawned
	}
	if c.opts.Launcher == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("cluster %d: no launcher configured", c.id)
	}
	c.starting = true
	c.state = StateSpawning
	c.mu.Unlock()

	spec := c.opts.Spec
	spec.Name = "cluster-" + strconv.Itoa(c.id)
	params := ipc.Params{
		ClusterID:     c.id,
		Shards:        c.Shards(),
		TotalShards:   c.opts.TotalShards,
		TotalClusters: c.opts.TotalClusters,
		Token:         c.opts.Token,
	}
	spec.Env = append(append([]string(nil), spec.Env...), params.Environ()...)

	proc, err := c.opts.Launcher.Launch(ctx, spec)

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.state = StateUnspawned
		c.mu.Unlock()
		c.logger.Error("cluster launch failed", map[string]string{"error": err.Error()})
		return nil, fmt.Errorf("launch cluster %d: %w", c.id, err)
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		proc:    proc,
		link:    proc.Link(),
		evals:   ipc.NewPending(),
		fetches: ipc.NewPending(),
		ctx:     sessCtx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		exited:  make(chan struct{}),
	}
	c.sess = sess
	c.mu.Unlock()

	c.metrics.IncSpawn()
	c.logger.Info("cluster spawned", map[string]string{"pid": strconv.Itoa(proc.PID())})
	spawned := event.NewClusterEvent(c.id, event.ClusterSpawn)
	spawned.PID = proc.PID()
	c.bus.Publish(spawned)

	go c.readLoop(sess)
	go c.watchExit(sess)
	return sess, nil
}

// Respawn kills the current worker, waits delay, and spawns a replacement
// with the same id and shards. A delay of 0 means DefaultRespawnDelay and a
// timeout of 0 means DefaultSpawnTimeout; negative values disable each.
func (c *Cluster) Respawn(ctx context.Context, delay, timeout time.Duration) error {
	if err := c.Kill(ctx); err != nil {
		c.logger.Warn("cluster stop before respawn failed", map[string]string{"error": err.Error()})
	}
	c.metrics.IncRespawn()
	c.setState(StateRespawning)
	if err := sleepContext(ctx, defaultDuration(delay, DefaultRespawnDelay)); err != nil {
		c.setState(StateUnspawned)
		return err
	}
	return c.Spawn(ctx, defaultDuration(timeout, DefaultSpawnTimeout))
}

// Kill terminates the worker without scheduling a respawn and waits for its
// exit to be handled. It is a no-op without a live process.
func (c *Cluster) Kill(ctx context.Context) error {
	c.mu.Lock()
	if c.respawnCancel != nil {
		c.respawnCancel()
		c.respawnCancel = nil
	}
	sess := c.sess
	if sess == nil {
		c.state = StateUnspawned
	}
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	return c.stopSession(ctx, sess)
}

func (c *Cluster) stopSession(ctx context.Context, sess *session) error {
	sess.killed.Store(true)
	err := sess.proc.Stop(ctx)
	select {
	case <-sess.exited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Close kills the worker and waits for any scheduled respawn to finish.
func (c *Cluster) Close(ctx context.Context) error {
	err := c.Kill(ctx)
	c.pendingRespawn.Wait()
	if c.ownsBus {
		c.bus.Close()
	}
	return err
}

// Send delivers msg to the worker as a fire-and-forget message.
func (c *Cluster) Send(msg any) error {
	sess := c.currentSession()
	if sess == nil {
		return ErrNotSpawned
	}
	env, err := ipc.NewEnvelope(ipc.KindMessage, msg)
	if err != nil {
		return err
	}
	if err := sess.link.Send(env); err != nil {
		return fmt.Errorf("send to cluster %d: %w", c.id, err)
	}
	return nil
}

func (c *Cluster) currentSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Cluster) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Cluster) watchExit(sess *session) {
	<-sess.proc.Done()
	sess.cancel()
	_ = sess.link.Close()

	died := &DiedError{ClusterID: c.id, PID: sess.proc.PID(), Err: sess.proc.ExitErr()}
	rejected := sess.evals.RejectAll(died) + sess.fetches.RejectAll(died)
	killed := sess.killed.Load()

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
		if killed {
			c.state = StateUnspawned
		} else {
			c.state = StateDead
		}
	}
	c.mu.Unlock()
	sess.diedErr = died
	close(sess.exited)

	c.metrics.IncDeath()
	fields := map[string]string{"pid": strconv.Itoa(died.PID), "rejected": strconv.Itoa(rejected)}
	if died.Err != nil {
		fields["error"] = died.Err.Error()
	}
	if killed {
		c.logger.Info("cluster stopped", fields)
	} else {
		c.logger.Warn("cluster died", fields)
	}
	death := event.NewClusterEvent(c.id, event.ClusterDeath)
	death.PID = died.PID
	death.Err = died
	c.bus.Publish(death)

	if !killed && sess.everReady.Load() && c.opts.Respawn {
		c.scheduleRespawn()
	}
}

func (c *Cluster) scheduleRespawn() {
	if !c.limiter.Allow() {
		c.metrics.IncRespawnSuppressed()
		c.logger.Error("cluster respawn suppressed by rate limit", nil)
		failed := event.NewClusterEvent(c.id, event.ClusterError)
		failed.Err = fmt.Errorf("cluster %d: automatic respawn suppressed by rate limit", c.id)
		c.bus.Publish(failed)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.sess != nil || c.starting {
		c.mu.Unlock()
		cancel()
		return
	}
	c.state = StateRespawning
	c.respawnCancel = cancel
	c.pendingRespawn.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.pendingRespawn.Done()
		defer cancel()
		c.metrics.IncRespawn()
		if err := sleepContext(ctx, defaultDuration(c.opts.RespawnDelay, DefaultRespawnDelay)); err != nil {
			return
		}
		if err := c.Spawn(ctx, defaultDuration(c.opts.SpawnTimeout, DefaultSpawnTimeout)); err != nil && ctx.Err() == nil {
			c.logger.Error("cluster respawn failed", map[string]string{"error": err.Error()})
			failed := event.NewClusterEvent(c.id, event.ClusterError)
			failed.Err = err
			c.bus.Publish(failed)
		}
	}()
}

// defaultDuration maps 0 to fallback and negative values to 0 (none).
func defaultDuration(value, fallback time.Duration) time.Duration {
	switch {
	case value == 0:
		return fallback
	case value < 0:
		return 0
	default:
		return value
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

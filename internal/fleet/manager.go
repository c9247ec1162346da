// Package fleet coordinates every cluster of a sharded bot: it resolves the
// shard assignment, spawns workers in sequence, fans requests out across
// clusters, and serves the fleet-wide requests workers relay to it.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"shardfleet/internal/cluster"
	"shardfleet/internal/event"
	"shardfleet/internal/logging"
	"shardfleet/internal/metrics"
	"shardfleet/internal/process"
	"shardfleet/internal/shardalloc"
)

const (
	DefaultSpawnDelay          = 5500 * time.Millisecond
	DefaultSpawnTimeout        = 30 * time.Second
	DefaultRespawnClusterDelay = 5 * time.Second
	DefaultRespawnDelay        = 500 * time.Millisecond
	DefaultRespawnTimeout      = 30 * time.Second
)

var (
	ErrClosed          = errors.New("fleet is closed")
	ErrNotPlanned      = errors.New("fleet has no shard assignment")
	ErrAlreadyStarted  = errors.New("fleet already spawned")
	ErrClusterNotFound = errors.New("cluster not found")
	ErrClusterExists   = errors.New("cluster already exists")
)

type Options struct {
	TotalShards   shardalloc.Count
	TotalClusters shardalloc.Count
	// ClusterList limits which cluster ids this coordinator runs.
	ClusterList    []int
	ShardList      []int
	GuildsPerShard int
	GuildCount     int
	Token          string
	// Gateway answers "auto" shard counts.
	Gateway shardalloc.GatewayQuerier

	Spec     process.Spec
	Launcher process.Launcher
	// Registry, when set, is drained on Close to stop any straggling process.
	Registry *process.Registry

	Respawn         bool
	RequestTimeout  time.Duration
	RespawnDelay    time.Duration
	SpawnTimeout    time.Duration
	RespawnInterval time.Duration
	RespawnBurst    int

	EventHistory int
	Logger       *logging.Logger
	Metrics      *metrics.Registry
	Tracer       trace.Tracer
}

// SpawnOptions override the configured counts for one Spawn call. Zero
// durations select the defaults and negative ones disable the wait.
type SpawnOptions struct {
	Clusters shardalloc.Count
	Shards   shardalloc.Count
	Delay    time.Duration
	Timeout  time.Duration
}

type RespawnAllOptions struct {
	ClusterDelay time.Duration
	RespawnDelay time.Duration
	Timeout      time.Duration
}

// ClusterInfo is a point-in-time view of one handle.
type ClusterInfo struct {
	ID     int           `json:"id"`
	Shards []int         `json:"shards"`
	State  cluster.State `json:"state"`
	Ready  bool          `json:"ready"`
	PID    int           `json:"pid,omitempty"`
}

// Manager owns the cluster handles. Spawn and RespawnAll are serialized.
type Manager struct {
	opts       Options
	logger     *logging.Logger
	metrics    *metrics.Registry
	tracer     trace.Tracer
	clusterBus *event.Bus[event.ClusterEvent]
	fleetBus   *event.Bus[event.FleetEvent]

	ctx    context.Context
	cancel context.CancelFunc
	relays sync.WaitGroup

	lifecycle sync.Mutex

	mu         sync.RWMutex
	assignment *shardalloc.Assignment
	clusters   map[int]*cluster.Cluster
	closed     bool
}

func New(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		ctx:      ctx,
		cancel:   cancel,
		clusters: make(map[int]*cluster.Cluster),
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("shardfleet/fleet")
	}
	m.clusterBus = event.NewBus[event.ClusterEvent](ctx, event.BusOptions{
		Name:        "cluster",
		HistorySize: opts.EventHistory,
		Registry:    opts.Metrics,
		Logger:      opts.Logger,
	})
	m.fleetBus = event.NewBus[event.FleetEvent](ctx, event.BusOptions{
		Name:        "fleet",
		HistorySize: opts.EventHistory,
		Registry:    opts.Metrics,
		Logger:      opts.Logger,
	})
	return m
}

// Plan resolves "auto" counts and computes the shard assignment without
// creating any handle.
func (m *Manager) Plan(ctx context.Context) (shardalloc.Assignment, error) {
	return m.plan(ctx, m.opts.TotalShards, m.opts.TotalClusters)
}

func (m *Manager) plan(ctx context.Context, shards, clusters shardalloc.Count) (shardalloc.Assignment, error) {
	totalShards, totalClusters, err := shardalloc.Resolve(ctx, shardalloc.Options{
		TotalShards:    shards,
		TotalClusters:  clusters,
		GuildsPerShard: m.opts.GuildsPerShard,
		GuildCount:     m.opts.GuildCount,
	}, m.opts.Gateway)
	if err != nil {
		return shardalloc.Assignment{}, err
	}
	assignment, err := shardalloc.Allocate(shardalloc.Plan{
		TotalShards:   totalShards,
		TotalClusters: totalClusters,
		ClusterList:   m.opts.ClusterList,
		ShardList:     m.opts.ShardList,
	})
	if err != nil {
		return shardalloc.Assignment{}, err
	}

	m.mu.Lock()
	m.assignment = &assignment
	m.mu.Unlock()
	m.logger.Info("fleet planned", map[string]string{
		"total_shards":   strconv.Itoa(totalShards),
		"total_clusters": strconv.Itoa(totalClusters),
		"clusters":       strconv.Itoa(len(assignment.Clusters())),
	})
	return assignment, nil
}

// Assignment returns the last computed shard assignment.
func (m *Manager) Assignment() (shardalloc.Assignment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.assignment == nil {
		return shardalloc.Assignment{}, false
	}
	return *m.assignment, true
}

// Spawn plans the fleet, creates every handle and spawns them one after the
// other, waiting Delay between spawns. It stops at the first failure and
// leaves the remaining handles unspawned.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) ([]*cluster.Cluster, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.RLock()
	closed, started := m.closed, len(m.clusters) > 0
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if started {
		return nil, ErrAlreadyStarted
	}

	shards, clusters := m.opts.TotalShards, m.opts.TotalClusters
	if !opts.Shards.IsZero() {
		shards = opts.Shards
	}
	if !opts.Clusters.IsZero() {
		clusters = opts.Clusters
	}
	assignment, err := m.plan(ctx, shards, clusters)
	if err != nil {
		return nil, err
	}

	ids := assignment.Clusters()
	handles := make([]*cluster.Cluster, 0, len(ids))
	for _, id := range ids {
		handle, err := m.CreateCluster(id)
		if err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}

	ctx, cancel := m.runContext(ctx)
	defer cancel()
	delay := durationOr(opts.Delay, DefaultSpawnDelay)
	timeout := durationOr(opts.Timeout, DefaultSpawnTimeout)
	for i, handle := range handles {
		if i > 0 {
			if err := sleepContext(ctx, delay); err != nil {
				return handles, err
			}
		}
		m.logger.Info("spawning cluster", map[string]string{
			"cluster_id": strconv.Itoa(handle.ID()),
			"shards":     formatShards(handle.Shards()),
		})
		if err := handle.Spawn(ctx, timeout); err != nil {
			m.logger.Error("cluster spawn failed", map[string]string{
				"cluster_id": strconv.Itoa(handle.ID()),
				"error":      err.Error(),
			})
			return handles, fmt.Errorf("spawn cluster %d: %w", handle.ID(), err)
		}
	}
	m.logger.Info("fleet ready", map[string]string{"clusters": strconv.Itoa(len(handles))})
	return handles, nil
}

// CreateCluster builds the handle for id from the current assignment without
// spawning it.
func (m *Manager) CreateCluster(id int) (*cluster.Cluster, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.assignment == nil {
		m.mu.Unlock()
		return nil, ErrNotPlanned
	}
	if _, ok := m.clusters[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrClusterExists, id)
	}
	shards, ok := m.assignment.ShardsFor(id)
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d outside the assignment", ErrClusterNotFound, id)
	}

	var limiter *rate.Limiter
	if m.opts.RespawnInterval > 0 {
		burst := m.opts.RespawnBurst
		if burst <= 0 {
			burst = cluster.DefaultRespawnBurst
		}
		limiter = rate.NewLimiter(rate.Every(m.opts.RespawnInterval), burst)
	}
	handle := cluster.New(cluster.Options{
		ID:             id,
		Shards:         shards,
		TotalShards:    m.assignment.TotalShards,
		TotalClusters:  m.assignment.TotalClusters,
		Token:          m.opts.Token,
		Spec:           m.opts.Spec,
		Launcher:       m.opts.Launcher,
		Respawn:        m.opts.Respawn,
		RequestTimeout: m.opts.RequestTimeout,
		RespawnDelay:   m.opts.RespawnDelay,
		SpawnTimeout:   m.opts.SpawnTimeout,
		RespawnLimiter: limiter,
		Relay:          relay{m},
		Bus:            m.clusterBus,
		Logger:         m.logger,
		Metrics:        m.metrics,
		Tracer:         m.tracer,
	})
	m.clusters[id] = handle
	count := len(m.clusters)
	m.mu.Unlock()

	m.metrics.SetClusters(count)
	m.fleetBus.Publish(event.NewFleetEvent(event.FleetClusterCreate, id, shards))
	return handle, nil
}

// Cluster returns the handle for id.
func (m *Manager) Cluster(id int) (*cluster.Cluster, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handle, ok := m.clusters[id]
	return handle, ok
}

// Clusters returns every handle ordered by id.
func (m *Manager) Clusters() []*cluster.Cluster {
	m.mu.RLock()
	handles := make([]*cluster.Cluster, 0, len(m.clusters))
	for _, handle := range m.clusters {
		handles = append(handles, handle)
	}
	m.mu.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID() < handles[j].ID() })
	return handles
}

func (m *Manager) Status() []ClusterInfo {
	handles := m.Clusters()
	infos := make([]ClusterInfo, 0, len(handles))
	for _, handle := range handles {
		infos = append(infos, ClusterInfo{
			ID:     handle.ID(),
			Shards: handle.Shards(),
			State:  handle.State(),
			Ready:  handle.Ready(),
			PID:    handle.PID(),
		})
	}
	return infos
}

// SubscribeClusters receives lifecycle events from every handle.
func (m *Manager) SubscribeClusters() (<-chan event.ClusterEvent, func()) {
	return m.clusterBus.Subscribe()
}

// SubscribeFleet receives coordinator events such as cluster_create.
func (m *Manager) SubscribeFleet() (<-chan event.FleetEvent, func()) {
	return m.fleetBus.Subscribe()
}

// RecentClusterEvents returns up to count buffered lifecycle events, oldest
// first. It needs Options.EventHistory.
func (m *Manager) RecentClusterEvents(count int) []event.ClusterEvent {
	return m.clusterBus.History(count)
}

// RespawnAll restarts every cluster in id order, waiting ClusterDelay between
// respawns. It stops at the first failure.
func (m *Manager) RespawnAll(ctx context.Context, opts RespawnAllOptions) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.isClosed() {
		return ErrClosed
	}

	clusterDelay := durationOr(opts.ClusterDelay, DefaultRespawnClusterDelay)
	respawnDelay := opts.RespawnDelay
	if respawnDelay == 0 {
		respawnDelay = DefaultRespawnDelay
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultRespawnTimeout
	}

	ctx, cancel := m.runContext(ctx)
	defer cancel()
	handles := m.Clusters()
	m.logger.Info("respawning fleet", map[string]string{"clusters": strconv.Itoa(len(handles))})
	for i, handle := range handles {
		if i > 0 {
			if err := sleepContext(ctx, clusterDelay); err != nil {
				return err
			}
		}
		if err := handle.Respawn(ctx, respawnDelay, timeout); err != nil {
			m.logger.Error("cluster respawn failed", map[string]string{
				"cluster_id": strconv.Itoa(handle.ID()),
				"error":      err.Error(),
			})
			return fmt.Errorf("respawn cluster %d: %w", handle.ID(), err)
		}
	}
	return nil
}

// Close kills every cluster and drains the process registry. The manager
// cannot be reused.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.relays.Wait()
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	var closeErr error
	for _, handle := range m.Clusters() {
		if err := handle.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close cluster %d: %w", handle.ID(), err))
		}
	}
	if err := m.opts.Registry.StopAll(ctx); err != nil {
		closeErr = errors.Join(closeErr, err)
	}
	m.clusterBus.Close()
	m.fleetBus.Close()
	m.logger.Info("fleet closed", nil)
	return closeErr
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// runContext returns a context that is also cancelled by Close.
func (m *Manager) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

func durationOr(value, fallback time.Duration) time.Duration {
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

func formatShards(shards []int) string {
	if len(shards) == 0 {
		return ""
	}
	return strconv.Itoa(shards[0]) + "-" + strconv.Itoa(shards[len(shards)-1])
}

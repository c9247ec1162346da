package metrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	spawns      atomic.Int64
	spawnFailed atomic.Int64
	deaths      atomic.Int64
	respawns    atomic.Int64
	respawnSkip atomic.Int64
	lateReplies atomic.Int64
	clusters    atomic.Int64
	requests    sync.Map
	events      sync.Map
	subscribers sync.Map
}

type requestStats struct {
	count         atomic.Int64
	failures      atomic.Int64
	timeouts      atomic.Int64
	durationNanos atomic.Int64
}

type eventStats struct {
	published atomic.Int64
	dropped   atomic.Int64
}

type subscriberStats struct {
	filtered   atomic.Int64
	unfiltered atomic.Int64
}

type eventKey struct {
	bus       string
	eventType string
}

var Default = &Registry{}

func (r *Registry) IncSpawn() {
	if r == nil {
		return
	}
	r.spawns.Add(1)
}

func (r *Registry) IncSpawnFailed() {
	if r == nil {
		return
	}
	r.spawnFailed.Add(1)
}

func (r *Registry) IncDeath() {
	if r == nil {
		return
	}
	r.deaths.Add(1)
}

func (r *Registry) IncRespawn() {
	if r == nil {
		return
	}
	r.respawns.Add(1)
}

// IncRespawnSuppressed counts automatic respawns refused by the rate limit.
func (r *Registry) IncRespawnSuppressed() {
	if r == nil {
		return
	}
	r.respawnSkip.Add(1)
}

// IncLateReply counts responses that arrived after their request settled.
func (r *Registry) IncLateReply() {
	if r == nil {
		return
	}
	r.lateReplies.Add(1)
}

func (r *Registry) SetClusters(count int) {
	if r == nil {
		return
	}
	r.clusters.Store(int64(count))
}

// RecordRequest records one eval or fetch exchange.
func (r *Registry) RecordRequest(kind string, duration time.Duration, err error, timedOut bool) {
	if r == nil {
		return
	}
	if strings.TrimSpace(kind) == "" {
		kind = "unknown"
	}
	stats := r.requestStats(kind)
	stats.count.Add(1)
	stats.durationNanos.Add(duration.Nanoseconds())
	if err != nil {
		stats.failures.Add(1)
	}
	if timedOut {
		stats.timeouts.Add(1)
	}
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.eventStats(bus, eventType).published.Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.eventStats(bus, eventType).dropped.Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	value, _ := r.subscribers.LoadOrStore(bus, &subscriberStats{})
	stats := value.(*subscriberStats)
	stats.filtered.Store(int64(filtered))
	stats.unfiltered.Store(int64(unfiltered))
}

// Snapshot is a point-in-time copy of the fleet counters.
type Snapshot struct {
	Spawns             int64
	SpawnFailures      int64
	Deaths             int64
	Respawns           int64
	RespawnsSuppressed int64
	LateReplies        int64
	Clusters           int64
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		Spawns:             r.spawns.Load(),
		SpawnFailures:      r.spawnFailed.Load(),
		Deaths:             r.deaths.Load(),
		Respawns:           r.respawns.Load(),
		RespawnsSuppressed: r.respawnSkip.Load(),
		LateReplies:        r.lateReplies.Load(),
		Clusters:           r.clusters.Load(),
	}
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "shardfleet_spawns_total", "Worker processes spawned", r.spawns.Load())
	writeCounter(writer, "shardfleet_spawn_failures_total", "Worker spawns that failed or timed out", r.spawnFailed.Load())
	writeCounter(writer, "shardfleet_deaths_total", "Worker process exits", r.deaths.Load())
	writeCounter(writer, "shardfleet_respawns_total", "Worker respawns", r.respawns.Load())
	writeCounter(writer, "shardfleet_respawns_suppressed_total", "Automatic respawns refused by the rate limit", r.respawnSkip.Load())
	writeCounter(writer, "shardfleet_late_replies_total", "Responses received after their request settled", r.lateReplies.Load())
	writeGauge(writer, "shardfleet_clusters", "Cluster handles managed by the coordinator", r.clusters.Load())

	kinds := r.requestKinds()
	sort.Strings(kinds)

	writeHelp(writer, "shardfleet_request_duration_seconds", "Request duration in seconds")
	fmt.Fprintln(writer, "# TYPE shardfleet_request_duration_seconds summary")
	writeHelp(writer, "shardfleet_request_failures_total", "Requests that failed")
	fmt.Fprintln(writer, "# TYPE shardfleet_request_failures_total counter")
	writeHelp(writer, "shardfleet_request_timeouts_total", "Requests that timed out")
	fmt.Fprintln(writer, "# TYPE shardfleet_request_timeouts_total counter")

	for _, kind := range kinds {
		stats := r.requestStats(kind)
		label := formatLabel(kind)
		durationSeconds := float64(stats.durationNanos.Load()) / float64(time.Second)
		fmt.Fprintf(writer, "shardfleet_request_duration_seconds_sum{kind=%s} %.6f\n", label, durationSeconds)
		fmt.Fprintf(writer, "shardfleet_request_duration_seconds_count{kind=%s} %d\n", label, stats.count.Load())
		fmt.Fprintf(writer, "shardfleet_request_failures_total{kind=%s} %d\n", label, stats.failures.Load())
		fmt.Fprintf(writer, "shardfleet_request_timeouts_total{kind=%s} %d\n", label, stats.timeouts.Load())
	}

	keys := r.eventKeys()
	writeHelp(writer, "shardfleet_events_published_total", "Events published per bus and type")
	fmt.Fprintln(writer, "# TYPE shardfleet_events_published_total counter")
	writeHelp(writer, "shardfleet_events_dropped_total", "Events dropped per bus and type")
	fmt.Fprintln(writer, "# TYPE shardfleet_events_dropped_total counter")
	for _, key := range keys {
		stats := r.eventStats(key.bus, key.eventType)
		labels := "bus=" + formatLabel(key.bus) + ",type=" + formatLabel(key.eventType)
		fmt.Fprintf(writer, "shardfleet_events_published_total{%s} %d\n", labels, stats.published.Load())
		fmt.Fprintf(writer, "shardfleet_events_dropped_total{%s} %d\n", labels, stats.dropped.Load())
	}

	buses := r.subscriberBuses()
	writeHelp(writer, "shardfleet_event_subscribers", "Event bus subscribers")
	fmt.Fprintln(writer, "# TYPE shardfleet_event_subscribers gauge")
	for _, bus := range buses {
		value, _ := r.subscribers.Load(bus)
		stats := value.(*subscriberStats)
		fmt.Fprintf(writer, "shardfleet_event_subscribers{bus=%s,filtered=\"true\"} %d\n", formatLabel(bus), stats.filtered.Load())
		fmt.Fprintf(writer, "shardfleet_event_subscribers{bus=%s,filtered=\"false\"} %d\n", formatLabel(bus), stats.unfiltered.Load())
	}

	return nil
}

func (r *Registry) requestStats(kind string) *requestStats {
	value, _ := r.requests.LoadOrStore(kind, &requestStats{})
	return value.(*requestStats)
}

func (r *Registry) eventStats(bus, eventType string) *eventStats {
	value, _ := r.events.LoadOrStore(eventKey{bus: bus, eventType: eventType}, &eventStats{})
	return value.(*eventStats)
}

func (r *Registry) requestKinds() []string {
	var kinds []string
	r.requests.Range(func(key, value interface{}) bool {
		if kind, ok := key.(string); ok {
			kinds = append(kinds, kind)
		}
		return true
	})
	return kinds
}

func (r *Registry) eventKeys() []eventKey {
	var keys []eventKey
	r.events.Range(func(key, value interface{}) bool {
		if typed, ok := key.(eventKey); ok {
			keys = append(keys, typed)
		}
		return true
	})
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].bus != keys[j].bus {
			return keys[i].bus < keys[j].bus
		}
		return keys[i].eventType < keys[j].eventType
	})
	return keys
}

func (r *Registry) subscriberBuses() []string {
	var buses []string
	r.subscribers.Range(func(key, value interface{}) bool {
		if bus, ok := key.(string); ok {
			buses = append(buses, bus)
		}
		return true
	})
	sort.Strings(buses)
	return buses
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %s\n", metric, strconv.FormatInt(value, 10))
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}

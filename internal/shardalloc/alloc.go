package shardalloc

import (
	"errors"
	"fmt"
	"sort"
)

var ErrConfiguration = errors.New("invalid fleet configuration")

// ConfigError reports a shard or cluster setting that cannot produce a valid
// assignment. It matches ErrConfiguration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Plan is the resolved input to Allocate.
type Plan struct {
	TotalShards   int
	TotalClusters int
	// ClusterList restricts the output to these cluster ids. Empty means all.
	ClusterList []int
	// ShardList replaces 0..TotalShards-1 as the shard-id space. Empty means all.
	ShardList []int
}

// Assignment maps every cluster id to its contiguous shard range.
type Assignment struct {
	TotalShards   int
	TotalClusters int
	clusters      []int
	shards        [][]int
}

// Clusters returns the requested cluster ids in ascending order.
func (a Assignment) Clusters() []int {
	return append([]int(nil), a.clusters...)
}

// ShardsFor returns the shard ids owned by a cluster. It reports false for ids
// outside 0..TotalClusters-1.
func (a Assignment) ShardsFor(clusterID int) ([]int, bool) {
	if clusterID < 0 || clusterID >= len(a.shards) {
		return nil, false
	}
	return append([]int(nil), a.shards[clusterID]...), true
}

// Allocate splits the shard-id space into TotalClusters contiguous chunks whose
// sizes differ by at most one; the earliest clusters take the remainder.
func Allocate(plan Plan) (Assignment, error) {
	if plan.TotalClusters <= 0 {
		return Assignment{}, configErrorf("total_clusters", "must be > 0, got %d", plan.TotalClusters)
	}
	if plan.TotalShards <= 0 {
		return Assignment{}, configErrorf("total_shards", "must be > 0, got %d", plan.TotalShards)
	}

	shards, err := shardSpace(plan)
	if err != nil {
		return Assignment{}, err
	}
	if len(shards) < plan.TotalClusters {
		return Assignment{}, configErrorf("total_clusters", "%d clusters cannot share %d shards", plan.TotalClusters, len(shards))
	}

	clusters, err := clusterSpace(plan)
	if err != nil {
		return Assignment{}, err
	}

	chunks := make([][]int, plan.TotalClusters)
	base := len(shards) / plan.TotalClusters
	extra := len(shards) % plan.TotalClusters
	start := 0
	for i := range chunks {
		size := base
		if i < extra {
			size++
		}
		chunks[i] = shards[start : start+size : start+size]
		start += size
	}

	return Assignment{
		TotalShards:   plan.TotalShards,
		TotalClusters: plan.TotalClusters,
		clusters:      clusters,
		shards:        chunks,
	}, nil
}

func shardSpace(plan Plan) ([]int, error) {
	if len(plan.ShardList) == 0 {
		shards := make([]int, plan.TotalShards)
		for i := range shards {
			shards[i] = i
		}
		return shards, nil
	}
	shards, err := uniqueSorted(plan.ShardList, plan.TotalShards, "shard_list")
	if err != nil {
		return nil, err
	}
	return shards, nil
}

func clusterSpace(plan Plan) ([]int, error) {
	if len(plan.ClusterList) == 0 {
		clusters := make([]int, plan.TotalClusters)
		for i := range clusters {
			clusters[i] = i
		}
		return clusters, nil
	}
	return uniqueSorted(plan.ClusterList, plan.TotalClusters, "cluster_list")
}

func uniqueSorted(values []int, limit int, field string) ([]int, error) {
	seen := make(map[int]struct{}, len(values))
	out := make([]int, 0, len(values))
	for _, value := range values {
		if value < 0 || value >= limit {
			return nil, configErrorf(field, "id %d outside 0..%d", value, limit-1)
		}
		if _, ok := seen[value]; ok {
			return nil, configErrorf(field, "duplicate id %d", value)
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Ints(out)
	return out, nil
}

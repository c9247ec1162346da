package ipc

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Startup parameters are injected into every worker as environment variables.
const (
	EnvClusterID     = "SHARDFLEET_CLUSTER_ID"
	EnvShards        = "SHARDFLEET_SHARDS"
	EnvTotalShards   = "SHARDFLEET_TOTAL_SHARDS"
	EnvTotalClusters = "SHARDFLEET_TOTAL_CLUSTERS"
	EnvToken         = "SHARDFLEET_TOKEN"
)

// Params identifies a worker and the shards it must connect.
type Params struct {
	ClusterID     int
	Shards        []int
	TotalShards   int
	TotalClusters int
	Token         string
}

// Environ renders the parameters as KEY=VALUE pairs.
func (p Params) Environ() []string {
	shards := make([]string, len(p.Shards))
	for i, shard := range p.Shards {
		shards[i] = strconv.Itoa(shard)
	}
	return []string{
		EnvClusterID + "=" + strconv.Itoa(p.ClusterID),
		EnvShards + "=" + strings.Join(shards, ","),
		EnvTotalShards + "=" + strconv.Itoa(p.TotalShards),
		EnvTotalClusters + "=" + strconv.Itoa(p.TotalClusters),
		EnvToken + "=" + p.Token,
	}
}

// ParamsFromEnv reads the parameters from the process environment.
func ParamsFromEnv() (Params, error) {
	return ParseParams(os.LookupEnv)
}

// ParseParams reads the parameters through lookup.
func ParseParams(lookup func(string) (string, bool)) (Params, error) {
	var params Params
	var err error
	if params.ClusterID, err = requiredInt(lookup, EnvClusterID, 0); err != nil {
		return Params{}, err
	}
	if params.TotalShards, err = requiredInt(lookup, EnvTotalShards, 1); err != nil {
		return Params{}, err
	}
	if params.TotalClusters, err = requiredInt(lookup, EnvTotalClusters, 1); err != nil {
		return Params{}, err
	}
	if params.ClusterID >= params.TotalClusters {
		return Params{}, fmt.Errorf("%s %d outside 0..%d", EnvClusterID, params.ClusterID, params.TotalClusters-1)
	}

	raw, ok := lookup(EnvShards)
	if !ok || strings.TrimSpace(raw) == "" {
		return Params{}, fmt.Errorf("%s is required", EnvShards)
	}
	for _, part := range strings.Split(raw, ",") {
		shard, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return Params{}, fmt.Errorf("%s: invalid shard id %q", EnvShards, part)
		}
		if shard < 0 || shard >= params.TotalShards {
			return Params{}, fmt.Errorf("%s: shard %d outside 0..%d", EnvShards, shard, params.TotalShards-1)
		}
		params.Shards = append(params.Shards, shard)
	}
	params.Token, _ = lookup(EnvToken)
	return params, nil
}

func requiredInt(lookup func(string) (string, bool), key string, min int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if value < min {
		return 0, fmt.Errorf("%s must be >= %d, got %d", key, min, value)
	}
	return value, nil
}

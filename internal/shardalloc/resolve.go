package shardalloc

import (
	"context"
	"fmt"
)

// DefaultGuildsPerShard is the guild density the gateway's recommendation is
// computed against.
const DefaultGuildsPerShard = 1000

// GatewayQuerier reports the protocol's recommended shard count.
type GatewayQuerier interface {
	RecommendedShards(ctx context.Context) (int, error)
}

// Options holds the unresolved counts and the heuristics used for "auto".
type Options struct {
	TotalShards    Count
	TotalClusters  Count
	GuildsPerShard int
	// GuildCount is the known number of guilds, or 0 when unknown.
	GuildCount int
}

// Resolve turns "auto" counts into integers. Unset counts are treated as "auto".
func Resolve(ctx context.Context, opts Options, gateway GatewayQuerier) (shards int, clusters int, err error) {
	shards, err = resolveShards(ctx, opts, gateway)
	if err != nil {
		return 0, 0, err
	}
	clusters, err = resolveClusters(opts, shards)
	if err != nil {
		return 0, 0, err
	}
	return shards, clusters, nil
}

func resolveShards(ctx context.Context, opts Options, gateway GatewayQuerier) (int, error) {
	if !opts.TotalShards.Auto && !opts.TotalShards.IsZero() {
		if opts.TotalShards.N <= 0 {
			return 0, configErrorf("total_shards", "must be > 0, got %d", opts.TotalShards.N)
		}
		return opts.TotalShards.N, nil
	}
	if gateway == nil {
		return 0, configErrorf("total_shards", "auto requires a gateway to query")
	}
	recommended, err := gateway.RecommendedShards(ctx)
	if err != nil {
		return 0, fmt.Errorf("query recommended shards: %w", err)
	}
	if recommended <= 0 {
		return 0, configErrorf("total_shards", "gateway recommended %d shards", recommended)
	}
	if opts.GuildsPerShard > 0 && opts.GuildsPerShard != DefaultGuildsPerShard {
		recommended = ceilDiv(recommended*DefaultGuildsPerShard, opts.GuildsPerShard)
	}
	return recommended, nil
}

func resolveClusters(opts Options, shards int) (int, error) {
	if !opts.TotalClusters.Auto && !opts.TotalClusters.IsZero() {
		if opts.TotalClusters.N <= 0 {
			return 0, configErrorf("total_clusters", "must be > 0, got %d", opts.TotalClusters.N)
		}
		return opts.TotalClusters.N, nil
	}
	if opts.GuildsPerShard <= 0 || opts.GuildCount <= 0 {
		return 1, nil
	}
	clusters := ceilDiv(opts.GuildCount, opts.GuildsPerShard)
	if clusters > shards {
		clusters = shards
	}
	if clusters < 1 {
		clusters = 1
	}
	return clusters, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// ShardForGuild maps a guild snowflake to the shard that receives its events.
// Coordinator and workers must agree on this function bit for bit.
func ShardForGuild(guildID uint64, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	return int((guildID >> 22) % uint64(shardCount))
}

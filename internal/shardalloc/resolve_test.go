package shardalloc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	shards int
	err    error
	calls  int
}

func (g *stubGateway) RecommendedShards(context.Context) (int, error) {
	g.calls++
	return g.shards, g.err
}

func TestResolveFixedCountsSkipGateway(t *testing.T) {
	gateway := &stubGateway{shards: 99}
	shards, clusters, err := Resolve(context.Background(), Options{
		TotalShards:   Fixed(8),
		TotalClusters: Fixed(2),
	}, gateway)
	require.NoError(t, err)
	require.Equal(t, 8, shards)
	require.Equal(t, 2, clusters)
	require.Zero(t, gateway.calls)
}

func TestResolveAutoShardsQueriesGateway(t *testing.T) {
	gateway := &stubGateway{shards: 3}
	shards, clusters, err := Resolve(context.Background(), Options{TotalShards: Auto()}, gateway)
	require.NoError(t, err)
	require.Equal(t, 3, shards)
	require.Equal(t, 1, clusters)
	require.Equal(t, 1, gateway.calls)
}

func TestResolveAutoShardsScalesByGuildDensity(t *testing.T) {
	gateway := &stubGateway{shards: 3}
	shards, _, err := Resolve(context.Background(), Options{
		TotalShards:    Auto(),
		GuildsPerShard: 500,
	}, gateway)
	require.NoError(t, err)
	require.Equal(t, 6, shards)
}

func TestResolveAutoClustersFromGuildCount(t *testing.T) {
	shards, clusters, err := Resolve(context.Background(), Options{
		TotalShards:    Fixed(16),
		TotalClusters:  Auto(),
		GuildsPerShard: 1000,
		GuildCount:     4500,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 16, shards)
	require.Equal(t, 5, clusters)
}

func TestResolveAutoClustersClampedToShards(t *testing.T) {
	_, clusters, err := Resolve(context.Background(), Options{
		TotalShards:    Fixed(2),
		TotalClusters:  Auto(),
		GuildsPerShard: 10,
		GuildCount:     1000,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, clusters)
}

func TestResolveAutoWithoutGatewayFails(t *testing.T) {
	_, _, err := Resolve(context.Background(), Options{TotalShards: Auto()}, nil)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestResolveWrapsGatewayError(t *testing.T) {
	boom := errors.New("unauthorized")
	_, _, err := Resolve(context.Background(), Options{TotalShards: Auto()}, &stubGateway{err: boom})
	require.ErrorIs(t, err, boom)
}

func TestParseCount(t *testing.T) {
	cases := map[string]Count{
		"auto": Auto(),
		"AUTO": Auto(),
		" 12 ": Fixed(12),
		"":     {},
	}
	for input, want := range cases {
		got, err := ParseCount(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}
	for _, input := range []string{"0", "-3", "lots"} {
		_, err := ParseCount(input)
		require.Error(t, err, input)
	}
}

func TestCountJSON(t *testing.T) {
	var count Count
	require.NoError(t, count.UnmarshalJSON([]byte(`"auto"`)))
	require.True(t, count.Auto)
	require.NoError(t, count.UnmarshalJSON([]byte(`4`)))
	require.Equal(t, Fixed(4), count)
	data, err := Auto().MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `"auto"`, string(data))
}

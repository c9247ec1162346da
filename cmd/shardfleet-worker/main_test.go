package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"shardfleet/internal/ipc"
	"shardfleet/internal/script"
)

func TestClientFactoryUsesFlags(t *testing.T) {
	factory := newClientFactory(workerFlags{name: "tester", guildsPerShard: 4})
	client, err := factory(ipc.Params{ClusterID: 0, Shards: []int{0, 1, 2}, TotalShards: 3, TotalClusters: 1})
	require.NoError(t, err)
	require.NoError(t, client.Login(context.Background(), ipc.Params{ClusterID: 0, Shards: []int{0, 1, 2}, TotalShards: 3, TotalClusters: 1}))
	defer client.Close()

	props := client.Properties()
	require.Equal(t, map[string]any{"size": 12}, props["guilds"])
	require.Contains(t, props, "pid")

	_, err = newClientFactory(workerFlags{guildsPerShard: -1})(ipc.Params{})
	require.Error(t, err)
}

func TestRegisteredOps(t *testing.T) {
	evaluator, err := script.NewEvaluator()
	require.NoError(t, err)
	registerOps(evaluator)

	props := map[string]any{"ws": map[string]any{"shards": []int{4, 5}}}
	value, err := evaluator.Eval(context.Background(), script.Op("shard_ids"), props)
	require.NoError(t, err)
	require.JSONEq(t, "[4,5]", string(value))

	value, err = evaluator.Eval(context.Background(), script.Script{Lang: script.LangOp, Source: "echo", Context: json.RawMessage(`{"a":1}`)}, props)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(value))
}

func TestRootCommandRejectsBadLevel(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--log-level=loud"})
	require.ErrorContains(t, cmd.Execute(), "unknown log level")
}

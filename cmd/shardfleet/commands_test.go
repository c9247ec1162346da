package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanPrintsAssignment(t *testing.T) {
	te := newTestEnv(nil)
	code := te.run("plan", "--total-shards=5", "--total-clusters=2")
	require.Equal(t, 0, code, te.stderr.String())

	out := te.stdout.String()
	require.Contains(t, out, "5 shards across 2 clusters")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, []string{"0", "0-2", "3"}, strings.Fields(lines[2]))
	require.Equal(t, []string{"1", "3-4", "2"}, strings.Fields(lines[3]))
}

func TestPlanJSONResolvesAutoCounts(t *testing.T) {
	te := newTestEnv(map[string]string{"SHARDFLEET_TOTAL_SHARDS": "auto"})
	code := te.run("plan", "--json")
	require.Equal(t, 0, code, te.stderr.String())

	var out planOutput
	require.NoError(t, json.Unmarshal([]byte(te.stdout.String()), &out))
	require.Equal(t, 3, out.TotalShards)
	require.Equal(t, 1, out.TotalClusters)
	require.Equal(t, []planCluster{{ID: 0, Shards: []int{0, 1, 2}}}, out.Clusters)
}

func TestPlanRejectsInvalidFlag(t *testing.T) {
	te := newTestEnv(nil)
	require.Equal(t, 2, te.run("plan", "--guilds-per-shard=lots"))
	require.Contains(t, te.stderr.String(), "guilds-per-shard")
}

func TestConfigShowReportsSources(t *testing.T) {
	te := newTestEnv(map[string]string{
		"SHARDFLEET_TOKEN":        "secret-token",
		"SHARDFLEET_RESPAWN_BURST": "7",
	})
	code := te.run("config", "show", "--respawn-burst=9", "--log-level=debug")
	require.Equal(t, 0, code, te.stderr.String())

	rows := map[string][]string{}
	for _, line := range strings.Split(te.stdout.String(), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 {
			rows[fields[0]] = fields[1:]
		}
	}
	require.Equal(t, []string{"********", "env"}, rows["token"])
	require.Equal(t, []string{"9", "flag"}, rows["respawn-burst"])
	require.Equal(t, []string{"debug", "flag"}, rows["log-level"])
	require.Equal(t, []string{"auto", "default"}, rows["total-shards"])
	require.NotContains(t, te.stdout.String(), "secret-token")
}

func TestConfigSchemaIsJSON(t *testing.T) {
	te := newTestEnv(nil)
	require.Equal(t, 0, te.run("config", "schema"))

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(te.stdout.String()), &schema))
	require.Equal(t, "shardfleet fleet file", schema["title"])
}

func TestVersionCommand(t *testing.T) {
	te := newTestEnv(nil)
	require.Equal(t, 0, te.run("version"))
	require.True(t, strings.HasPrefix(te.stdout.String(), "shardfleet dev"))

	te = newTestEnv(nil)
	require.Equal(t, 0, te.run("version", "--json"))
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(te.stdout.String()), &info))
	require.Equal(t, "dev", info["version"])
}

func TestShardRange(t *testing.T) {
	require.Equal(t, "-", shardRange(nil))
	require.Equal(t, "4", shardRange([]int{4}))
	require.Equal(t, "2-5", shardRange([]int{2, 3, 4, 5}))
}

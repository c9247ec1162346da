package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shardfleet/internal/shardalloc"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(LoadOptions{Lookup: envMap(nil)})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.TotalShards.Auto || !cfg.TotalClusters.Auto {
		t.Fatalf("expected auto counts, got %s/%s", cfg.TotalShards, cfg.TotalClusters)
	}
	if cfg.SpawnDelay != 5500*time.Millisecond || cfg.SpawnTimeout != 30*time.Second {
		t.Fatalf("unexpected spawn defaults %s/%s", cfg.SpawnDelay, cfg.SpawnTimeout)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Fatalf("unexpected request timeout %s", cfg.RequestTimeout)
	}
	if !cfg.Respawn {
		t.Fatalf("expected respawn enabled by default")
	}
	for _, key := range Keys() {
		if cfg.Sources[key] != SourceDefault {
			t.Fatalf("expected %s from defaults, got %s", key, cfg.Sources[key])
		}
	}
}

const tomlFleet = `
total_shards = 16
total_clusters = "auto"
cluster_list = [0, 2]
guilds_per_shard = 1500
token = "file-token"
respawn = false

[worker]
path = "/usr/local/bin/bot"
args = ["--mode", "cluster"]
env = { NODE_ENV = "production", A = "1" }

[timeouts]
request = "2s"
spawn_delay = 250
respawn_burst = 5

[watch]
enabled = true
debounce = "1s"

[log]
level = "debug"
`

func TestLoadTOMLFile(t *testing.T) {
	path := writeFile(t, "fleet.toml", tomlFleet)
	cfg, err := Load(LoadOptions{Path: path, Lookup: envMap(nil)})
	require.NoError(t, err)

	require.Equal(t, shardalloc.Fixed(16), cfg.TotalShards)
	require.True(t, cfg.TotalClusters.Auto)
	require.Equal(t, []int{0, 2}, cfg.ClusterList)
	require.Equal(t, 1500, cfg.GuildsPerShard)
	require.Equal(t, "file-token", cfg.Token)
	require.False(t, cfg.Respawn)
	require.Equal(t, "/usr/local/bin/bot", cfg.WorkerPath)
	require.Equal(t, []string{"--mode", "cluster"}, cfg.WorkerArgs)
	require.Equal(t, []string{"A=1", "NODE_ENV=production"}, cfg.WorkerEnv)
	require.Equal(t, 2*time.Second, cfg.RequestTimeout)
	require.Equal(t, 250*time.Millisecond, cfg.SpawnDelay)
	require.Equal(t, 30*time.Second, cfg.SpawnTimeout)
	require.Equal(t, 5, cfg.RespawnBurst)
	require.True(t, cfg.Watch)
	require.Equal(t, time.Second, cfg.WatchDebounce)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, path, cfg.ConfigPath)

	require.Equal(t, SourceFile, cfg.Sources["total-shards"])
	require.Equal(t, SourceFile, cfg.Sources["respawn"])
	require.Equal(t, SourceDefault, cfg.Sources["spawn-timeout"])
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeFile(t, "fleet.yaml", strings.Join([]string{
		"total_shards: auto",
		"total_clusters: 3",
		"shard_list: [0, 1, 2, 3, 4, 5]",
		"worker:",
		"  path: ./bot",
		"timeouts:",
		"  spawn: 45s",
		"admin:",
		"  addr: 127.0.0.1:9090",
		"",
	}, "\n"))
	cfg, err := Load(LoadOptions{Path: path, Lookup: envMap(nil)})
	require.NoError(t, err)
	require.True(t, cfg.TotalShards.Auto)
	require.Equal(t, shardalloc.Fixed(3), cfg.TotalClusters)
	require.Len(t, cfg.ShardList, 6)
	require.Equal(t, 45*time.Second, cfg.SpawnTimeout)
	require.Equal(t, "127.0.0.1:9090", cfg.AdminAddr)
}

func TestLoadJSONFile(t *testing.T) {
	path := writeFile(t, "fleet.json", `{"total_shards": 4, "timeouts": {"respawn_delay": 100}}`)
	cfg, err := Load(LoadOptions{Path: path, Lookup: envMap(nil)})
	require.NoError(t, err)
	require.Equal(t, shardalloc.Fixed(4), cfg.TotalShards)
	require.Equal(t, 100*time.Millisecond, cfg.RespawnDelay)
}

func TestUnknownKeysAreRejected(t *testing.T) {
	cases := map[string]string{
		"fleet.toml": "total_shards = 4\nshards_per_cluster = 2\n",
		"fleet.yaml": "total_shards: 4\nshards_per_cluster: 2\n",
		"fleet.json": `{"total_shards": 4, "shards_per_cluster": 2}`,
	}
	for name, contents := range cases {
		path := writeFile(t, name, contents)
		if _, err := Load(LoadOptions{Path: path, Lookup: envMap(nil)}); err == nil || !strings.Contains(err.Error(), "shards_per_cluster") {
			t.Fatalf("%s: expected unknown key error, got %v", name, err)
		}
	}
}

func TestUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "fleet.ini", "total_shards=4")
	_, err := Load(LoadOptions{Path: path, Lookup: envMap(nil)})
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestInvalidCountInFile(t *testing.T) {
	path := writeFile(t, "fleet.toml", "total_shards = 0\n")
	_, err := Load(LoadOptions{Path: path, Lookup: envMap(nil)})
	require.Error(t, err)
}

func TestLayering(t *testing.T) {
	path := writeFile(t, "fleet.toml", "total_shards = 16\ntotal_clusters = 4\ntoken = \"file\"\n")
	cfg, err := Load(LoadOptions{
		Path: path,
		Lookup: envMap(map[string]string{
			"SHARDFLEET_TOTAL_CLUSTERS": "2",
			"SHARDFLEET_TOKEN":          "env",
			"SHARDFLEET_RESPAWN":        "false",
			"SHARDFLEET_SPAWN_DELAY":    "",
		}),
		Flags: map[string]string{"token": "flag", "cluster-list": "1"},
	})
	require.NoError(t, err)

	require.Equal(t, 16, cfg.TotalShards.N)
	require.Equal(t, SourceFile, cfg.Sources["total-shards"])
	require.Equal(t, 2, cfg.TotalClusters.N)
	require.Equal(t, SourceEnv, cfg.Sources["total-clusters"])
	require.Equal(t, "flag", cfg.Token)
	require.Equal(t, SourceFlag, cfg.Sources["token"])
	require.False(t, cfg.Respawn)
	require.Equal(t, []int{1}, cfg.ClusterList)
	require.Equal(t, SourceDefault, cfg.Sources["spawn-delay"])
}

func TestConfigPathFromEnv(t *testing.T) {
	path := writeFile(t, "fleet.toml", "total_shards = 2\n")
	cfg, err := Load(LoadOptions{Lookup: envMap(map[string]string{EnvConfigPath: path})})
	require.NoError(t, err)
	require.Equal(t, 2, cfg.TotalShards.N)
	require.Equal(t, path, cfg.ConfigPath)
}

func TestInvalidOverrides(t *testing.T) {
	cases := []LoadOptions{
		{Lookup: envMap(map[string]string{"SHARDFLEET_TOTAL_SHARDS": "many"})},
		{Lookup: envMap(map[string]string{"SHARDFLEET_REQUEST_TIMEOUT": "soon"})},
		{Lookup: envMap(nil), Flags: map[string]string{"respawn": "maybe"}},
		{Lookup: envMap(nil), Flags: map[string]string{"log-level": "loud"}},
		{Lookup: envMap(nil), Flags: map[string]string{"no-such-key": "1"}},
		{Lookup: envMap(nil), Flags: map[string]string{"worker-env": "JUSTKEY"}},
		{Lookup: envMap(nil), Flags: map[string]string{"total-shards": "2", "total-clusters": "3"}},
		{Lookup: envMap(nil), Flags: map[string]string{"respawn-burst": "-1"}},
	}
	for i, opts := range cases {
		if _, err := Load(opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName("guilds-per-shard"); got != "SHARDFLEET_GUILDS_PER_SHARD" {
		t.Fatalf("unexpected env name %q", got)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1500":  1500 * time.Millisecond,
		"2s":    2 * time.Second,
		" 5m ":  5 * time.Minute,
		"-1":    -time.Millisecond,
		"250ms": 250 * time.Millisecond,
	}
	for input, want := range cases {
		got, err := ParseDuration(input)
		if err != nil || got != want {
			t.Fatalf("ParseDuration(%q) = %s, %v; want %s", input, got, err, want)
		}
	}
	if _, err := ParseDuration(""); err == nil {
		t.Fatalf("expected error for empty duration")
	}
}

func TestDisplayMasksSecrets(t *testing.T) {
	cfg, err := Load(LoadOptions{
		Lookup: envMap(nil),
		Flags: map[string]string{
			"token":        "bot-token",
			"admin-token":  "admin-secret",
			"cluster-list": "0,2",
		},
	})
	require.NoError(t, err)

	for _, key := range Keys() {
		if _, ok := cfg.Display(key); !ok {
			t.Fatalf("no display value for %q", key)
		}
	}
	token, _ := cfg.Display("token")
	require.Equal(t, "********", token)
	adminToken, _ := cfg.Display("admin-token")
	require.Equal(t, "********", adminToken)
	list, _ := cfg.Display("cluster-list")
	require.Equal(t, "0,2", list)
	shards, _ := cfg.Display("total-shards")
	require.Equal(t, "auto", shards)
	require.Equal(t, SourceFlag, cfg.Sources["admin-token"])

	_, ok := cfg.Display("nope")
	require.False(t, ok)
}

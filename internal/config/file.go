package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"shardfleet/internal/shardalloc"
)

var ErrUnsupportedFormat = errors.New("unsupported config format")

// File is the on-disk fleet description. Every field is optional.
type File struct {
	TotalShards    shardalloc.Count `toml:"total_shards" yaml:"total_shards" json:"total_shards,omitempty" jsonschema:"description=Shard count or \"auto\""`
	TotalClusters  shardalloc.Count `toml:"total_clusters" yaml:"total_clusters" json:"total_clusters,omitempty" jsonschema:"description=Cluster count or \"auto\""`
	ClusterList    []int            `toml:"cluster_list" yaml:"cluster_list" json:"cluster_list,omitempty" jsonschema:"description=Cluster ids this coordinator runs"`
	ShardList      []int            `toml:"shard_list" yaml:"shard_list" json:"shard_list,omitempty"`
	GuildsPerShard int              `toml:"guilds_per_shard" yaml:"guilds_per_shard" json:"guilds_per_shard,omitempty" jsonschema:"minimum=1"`
	GuildCount     int              `toml:"guild_count" yaml:"guild_count" json:"guild_count,omitempty" jsonschema:"minimum=0"`
	Token          string           `toml:"token" yaml:"token" json:"token,omitempty"`
	Worker         WorkerFile       `toml:"worker" yaml:"worker" json:"worker,omitempty"`
	Respawn        *bool            `toml:"respawn" yaml:"respawn" json:"respawn,omitempty"`
	Timeouts       TimeoutsFile     `toml:"timeouts" yaml:"timeouts" json:"timeouts,omitempty"`
	Gateway        GatewayFile      `toml:"gateway" yaml:"gateway" json:"gateway,omitempty"`
	Admin          AdminFile        `toml:"admin" yaml:"admin" json:"admin,omitempty"`
	Watch          WatchFile        `toml:"watch" yaml:"watch" json:"watch,omitempty"`
	Log            LogFile          `toml:"log" yaml:"log" json:"log,omitempty"`
}

type WorkerFile struct {
	Path string            `toml:"path" yaml:"path" json:"path,omitempty" jsonschema:"description=Worker executable"`
	Args []string          `toml:"args" yaml:"args" json:"args,omitempty"`
	Env  map[string]string `toml:"env" yaml:"env" json:"env,omitempty"`
	Dir  string            `toml:"dir" yaml:"dir" json:"dir,omitempty"`
}

type TimeoutsFile struct {
	Request         Duration `toml:"request" yaml:"request" json:"request,omitempty"`
	SpawnDelay      Duration `toml:"spawn_delay" yaml:"spawn_delay" json:"spawn_delay,omitempty"`
	Spawn           Duration `toml:"spawn" yaml:"spawn" json:"spawn,omitempty"`
	RespawnDelay    Duration `toml:"respawn_delay" yaml:"respawn_delay" json:"respawn_delay,omitempty"`
	RespawnInterval Duration `toml:"respawn_interval" yaml:"respawn_interval" json:"respawn_interval,omitempty" jsonschema:"description=Minimum spacing of automatic respawns"`
	RespawnBurst    int      `toml:"respawn_burst" yaml:"respawn_burst" json:"respawn_burst,omitempty" jsonschema:"minimum=0"`
}

type GatewayFile struct {
	URL string `toml:"url" yaml:"url" json:"url,omitempty"`
}

type AdminFile struct {
	Addr  string `toml:"addr" yaml:"addr" json:"addr,omitempty" jsonschema:"description=Listen address for the admin HTTP server"`
	Token string `toml:"token" yaml:"token" json:"token,omitempty" jsonschema:"description=Bearer token required by the admin API"`
}

type WatchFile struct {
	Enabled  bool     `toml:"enabled" yaml:"enabled" json:"enabled,omitempty"`
	Debounce Duration `toml:"debounce" yaml:"debounce" json:"debounce,omitempty"`
}

type LogFile struct {
	Level string `toml:"level" yaml:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warning,enum=error"`
}

// ReadFile decodes a fleet file, choosing the format by extension. Unknown
// keys are rejected.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	file, err := DecodeFile(data, filepath.Ext(path))
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

func DecodeFile(data []byte, ext string) (File, error) {
	switch strings.ToLower(ext) {
	case ".toml":
		return decodeTOML(data)
	case ".yaml", ".yml":
		return decodeYAML(data)
	case ".json":
		return decodeJSON(data)
	default:
		return File{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func decodeTOML(data []byte) (File, error) {
	var file File
	meta, err := toml.Decode(string(data), &file)
	if err != nil {
		return File{}, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return File{}, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return file, nil
}

func decodeYAML(data []byte) (File, error) {
	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, nil
		}
		return File{}, err
	}
	return file, nil
}

func decodeJSON(data []byte) (File, error) {
	var file File
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&file); err != nil {
		return File{}, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return File{}, errors.New("trailing data after JSON object")
	}
	return file, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"shardfleet/internal/gateway"
	"shardfleet/internal/logging"
	"shardfleet/internal/shardalloc"
)

type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

const envPrefix = "SHARDFLEET_"

// EnvConfigPath names the fleet file when --config is not given.
const EnvConfigPath = envPrefix + "CONFIG"

// Config is the resolved coordinator configuration.
type Config struct {
	TotalShards     shardalloc.Count
	TotalClusters   shardalloc.Count
	ClusterList     []int
	ShardList       []int
	GuildsPerShard  int
	GuildCount      int
	Token           string
	WorkerPath      string
	WorkerArgs      []string
	WorkerEnv       []string
	WorkerDir       string
	Respawn         bool
	RequestTimeout  time.Duration
	SpawnDelay      time.Duration
	SpawnTimeout    time.Duration
	RespawnDelay    time.Duration
	RespawnInterval time.Duration
	RespawnBurst    int
	GatewayURL      string
	AdminAddr       string
	AdminToken      string
	Watch           bool
	WatchDebounce   time.Duration
	LogLevel        string
	// ConfigPath is the fleet file that was read, if any.
	ConfigPath string
	Sources    map[string]Source
}

func Defaults() Config {
	cfg := Config{
		TotalShards:     shardalloc.Auto(),
		TotalClusters:   shardalloc.Auto(),
		GuildsPerShard:  shardalloc.DefaultGuildsPerShard,
		Respawn:         true,
		RequestTimeout:  15 * time.Second,
		SpawnDelay:      5500 * time.Millisecond,
		SpawnTimeout:    30 * time.Second,
		RespawnDelay:    500 * time.Millisecond,
		RespawnInterval: 10 * time.Second,
		RespawnBurst:    3,
		GatewayURL:      gateway.DefaultBaseURL,
		WatchDebounce:   500 * time.Millisecond,
		LogLevel:        "info",
		Sources:         make(map[string]Source),
	}
	for _, s := range settings {
		cfg.Sources[s.key] = SourceDefault
	}
	return cfg
}

// LoadOptions selects the layers Load merges over the defaults.
type LoadOptions struct {
	// Path is the fleet file. Empty falls back to SHARDFLEET_CONFIG, then to
	// no file.
	Path string
	// Lookup reads environment variables. Nil means os.LookupEnv.
	Lookup func(string) (string, bool)
	// Flags holds explicitly set command-line values by key.
	Flags map[string]string
}

// Load merges defaults, the fleet file, SHARDFLEET_* variables and flags,
// in that order, and records where each key came from.
func Load(opts LoadOptions) (Config, error) {
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Defaults()

	path := strings.TrimSpace(opts.Path)
	if path == "" {
		if value, ok := lookup(EnvConfigPath); ok {
			path = strings.TrimSpace(value)
		}
	}
	if path != "" {
		file, err := ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.ApplyFile(file)
		cfg.ConfigPath = path
	}

	for _, s := range settings {
		value, ok := lookup(EnvName(s.key))
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := cfg.Set(s.key, value, SourceEnv); err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvName(s.key), err)
		}
	}

	flagKeys := make([]string, 0, len(opts.Flags))
	for key := range opts.Flags {
		flagKeys = append(flagKeys, key)
	}
	sort.Strings(flagKeys)
	for _, key := range flagKeys {
		if err := cfg.Set(key, opts.Flags[key], SourceFlag); err != nil {
			return Config{}, fmt.Errorf("invalid --%s: %w", key, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// Keys lists every configurable key in declaration order.
func Keys() []string {
	keys := make([]string, len(settings))
	for i, s := range settings {
		keys[i] = s.key
	}
	return keys
}

// Set parses raw into key and records source.
func (c *Config) Set(key, raw string, source Source) error {
	for _, s := range settings {
		if s.key != key {
			continue
		}
		if err := s.apply(c, strings.TrimSpace(raw)); err != nil {
			return err
		}
		c.markSource(key, source)
		return nil
	}
	return fmt.Errorf("unknown config key %q", key)
}

// Display renders the value of key for humans. Secrets are masked.
func (c Config) Display(key string) (string, bool) {
	switch key {
	case "total-shards":
		return c.TotalShards.String(), true
	case "total-clusters":
		return c.TotalClusters.String(), true
	case "cluster-list":
		return joinInts(c.ClusterList), true
	case "shard-list":
		return joinInts(c.ShardList), true
	case "guilds-per-shard":
		return strconv.Itoa(c.GuildsPerShard), true
	case "guild-count":
		return strconv.Itoa(c.GuildCount), true
	case "token":
		return mask(c.Token), true
	case "worker-path":
		return c.WorkerPath, true
	case "worker-args":
		return strings.Join(c.WorkerArgs, " "), true
	case "worker-env":
		return strings.Join(c.WorkerEnv, ","), true
	case "worker-dir":
		return c.WorkerDir, true
	case "respawn":
		return strconv.FormatBool(c.Respawn), true
	case "request-timeout":
		return c.RequestTimeout.String(), true
	case "spawn-delay":
		return c.SpawnDelay.String(), true
	case "spawn-timeout":
		return c.SpawnTimeout.String(), true
	case "respawn-delay":
		return c.RespawnDelay.String(), true
	case "respawn-interval":
		return c.RespawnInterval.String(), true
	case "respawn-burst":
		return strconv.Itoa(c.RespawnBurst), true
	case "gateway-url":
		return c.GatewayURL, true
	case "admin-addr":
		return c.AdminAddr, true
	case "admin-token":
		return mask(c.AdminToken), true
	case "watch":
		return strconv.FormatBool(c.Watch), true
	case "watch-debounce":
		return c.WatchDebounce.String(), true
	case "log-level":
		return c.LogLevel, true
	default:
		return "", false
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, value := range values {
		parts[i] = strconv.Itoa(value)
	}
	return strings.Join(parts, ",")
}

func (c *Config) markSource(key string, source Source) {
	if c.Sources == nil {
		c.Sources = make(map[string]Source)
	}
	c.Sources[key] = source
}

// ApplyFile overlays every field the file sets.
func (c *Config) ApplyFile(file File) {
	mark := func(key string) { c.markSource(key, SourceFile) }
	if !file.TotalShards.IsZero() {
		c.TotalShards = file.TotalShards
		mark("total-shards")
	}
	if !file.TotalClusters.IsZero() {
		c.TotalClusters = file.TotalClusters
		mark("total-clusters")
	}
	if len(file.ClusterList) > 0 {
		c.ClusterList = append([]int(nil), file.ClusterList...)
		mark("cluster-list")
	}
	if len(file.ShardList) > 0 {
		c.ShardList = append([]int(nil), file.ShardList...)
		mark("shard-list")
	}
	if file.GuildsPerShard != 0 {
		c.GuildsPerShard = file.GuildsPerShard
		mark("guilds-per-shard")
	}
	if file.GuildCount != 0 {
		c.GuildCount = file.GuildCount
		mark("guild-count")
	}
	if file.Token != "" {
		c.Token = file.Token
		mark("token")
	}
	if file.Worker.Path != "" {
		c.WorkerPath = file.Worker.Path
		mark("worker-path")
	}
	if len(file.Worker.Args) > 0 {
		c.WorkerArgs = append([]string(nil), file.Worker.Args...)
		mark("worker-args")
	}
	if len(file.Worker.Env) > 0 {
		c.WorkerEnv = environ(file.Worker.Env)
		mark("worker-env")
	}
	if file.Worker.Dir != "" {
		c.WorkerDir = file.Worker.Dir
		mark("worker-dir")
	}
	if file.Respawn != nil {
		c.Respawn = *file.Respawn
		mark("respawn")
	}

	durations := []struct {
		key   string
		value Duration
		dest  *time.Duration
	}{
		{"request-timeout", file.Timeouts.Request, &c.RequestTimeout},
		{"spawn-delay", file.Timeouts.SpawnDelay, &c.SpawnDelay},
		{"spawn-timeout", file.Timeouts.Spawn, &c.SpawnTimeout},
		{"respawn-delay", file.Timeouts.RespawnDelay, &c.RespawnDelay},
		{"respawn-interval", file.Timeouts.RespawnInterval, &c.RespawnInterval},
		{"watch-debounce", file.Watch.Debounce, &c.WatchDebounce},
	}
	for _, d := range durations {
		if d.value.IsSet() {
			*d.dest = d.value.Duration
			mark(d.key)
		}
	}

	if file.Timeouts.RespawnBurst != 0 {
		c.RespawnBurst = file.Timeouts.RespawnBurst
		mark("respawn-burst")
	}
	if file.Gateway.URL != "" {
		c.GatewayURL = file.Gateway.URL
		mark("gateway-url")
	}
	if file.Admin.Addr != "" {
		c.AdminAddr = file.Admin.Addr
		mark("admin-addr")
	}
	if file.Admin.Token != "" {
		c.AdminToken = file.Admin.Token
		mark("admin-token")
	}
	if file.Watch.Enabled {
		c.Watch = true
		mark("watch")
	}
	if file.Log.Level != "" {
		c.LogLevel = file.Log.Level
		mark("log-level")
	}
}

// Validate checks the values that do not depend on the gateway.
func (c Config) Validate() error {
	var errs error
	if c.GuildsPerShard <= 0 {
		errs = errors.Join(errs, fmt.Errorf("guilds-per-shard must be > 0, got %d", c.GuildsPerShard))
	}
	if c.GuildCount < 0 {
		errs = errors.Join(errs, fmt.Errorf("guild-count must be >= 0, got %d", c.GuildCount))
	}
	if c.RespawnBurst < 0 {
		errs = errors.Join(errs, fmt.Errorf("respawn-burst must be >= 0, got %d", c.RespawnBurst))
	}
	if c.RespawnInterval < 0 {
		errs = errors.Join(errs, fmt.Errorf("respawn-interval must be >= 0, got %s", c.RespawnInterval))
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		errs = errors.Join(errs, fmt.Errorf("unknown log-level %q", c.LogLevel))
	}
	if !c.TotalShards.Auto && !c.TotalClusters.Auto && c.TotalShards.N > 0 && c.TotalClusters.N > c.TotalShards.N {
		errs = errors.Join(errs, fmt.Errorf("total-clusters %d exceeds total-shards %d", c.TotalClusters.N, c.TotalShards.N))
	}
	return errs
}

type setting struct {
	key   string
	apply func(c *Config, raw string) error
}

var settings = []setting{
	{"total-shards", func(c *Config, raw string) (err error) {
		c.TotalShards, err = parseCount(raw)
		return err
	}},
	{"total-clusters", func(c *Config, raw string) (err error) {
		c.TotalClusters, err = parseCount(raw)
		return err
	}},
	{"cluster-list", func(c *Config, raw string) (err error) {
		c.ClusterList, err = parseIntList(raw)
		return err
	}},
	{"shard-list", func(c *Config, raw string) (err error) {
		c.ShardList, err = parseIntList(raw)
		return err
	}},
	{"guilds-per-shard", intSetter(func(c *Config) *int { return &c.GuildsPerShard })},
	{"guild-count", intSetter(func(c *Config) *int { return &c.GuildCount })},
	{"token", func(c *Config, raw string) error {
		c.Token = raw
		return nil
	}},
	{"worker-path", func(c *Config, raw string) error {
		c.WorkerPath = raw
		return nil
	}},
	{"worker-args", func(c *Config, raw string) error {
		c.WorkerArgs = strings.Fields(raw)
		return nil
	}},
	{"worker-env", func(c *Config, raw string) error {
		var env []string
		for _, entry := range strings.Split(raw, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			if !strings.Contains(entry, "=") {
				return fmt.Errorf("env entry %q is not KEY=VALUE", entry)
			}
			env = append(env, entry)
		}
		c.WorkerEnv = env
		return nil
	}},
	{"worker-dir", func(c *Config, raw string) error {
		c.WorkerDir = raw
		return nil
	}},
	{"respawn", boolSetter(func(c *Config) *bool { return &c.Respawn })},
	{"request-timeout", durationSetter(func(c *Config) *time.Duration { return &c.RequestTimeout })},
	{"spawn-delay", durationSetter(func(c *Config) *time.Duration { return &c.SpawnDelay })},
	{"spawn-timeout", durationSetter(func(c *Config) *time.Duration { return &c.SpawnTimeout })},
	{"respawn-delay", durationSetter(func(c *Config) *time.Duration { return &c.RespawnDelay })},
	{"respawn-interval", durationSetter(func(c *Config) *time.Duration { return &c.RespawnInterval })},
	{"respawn-burst", intSetter(func(c *Config) *int { return &c.RespawnBurst })},
	{"gateway-url", func(c *Config, raw string) error {
		c.GatewayURL = strings.TrimRight(raw, "/")
		return nil
	}},
	{"admin-addr", func(c *Config, raw string) error {
		c.AdminAddr = raw
		return nil
	}},
	{"admin-token", func(c *Config, raw string) error {
		c.AdminToken = raw
		return nil
	}},
	{"watch", boolSetter(func(c *Config) *bool { return &c.Watch })},
	{"watch-debounce", durationSetter(func(c *Config) *time.Duration { return &c.WatchDebounce })},
	{"log-level", func(c *Config, raw string) error {
		if _, ok := logging.ParseLevel(raw); !ok {
			return fmt.Errorf("unknown level %q", raw)
		}
		c.LogLevel = strings.ToLower(raw)
		return nil
	}},
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, raw string) error {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("must be an integer")
		}
		*field(c) = parsed
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, raw string) error {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("must be true or false")
		}
		*field(c) = parsed
		return nil
	}
}

func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, raw string) error {
		parsed, err := ParseDuration(raw)
		if err != nil {
			return err
		}
		*field(c) = parsed
		return nil
	}
}

func parseCount(raw string) (shardalloc.Count, error) {
	count, err := shardalloc.ParseCount(raw)
	if err != nil {
		return shardalloc.Count{}, err
	}
	if count.IsZero() {
		return shardalloc.Auto(), nil
	}
	return count, nil
}

func parseIntList(raw string) ([]int, error) {
	var values []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		value, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		values = append(values, value)
	}
	return values, nil
}

func environ(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	entries := make([]string, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, key+"="+env[key])
	}
	return entries
}

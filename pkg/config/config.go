package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Server struct {
	Addr      string `koanf:"addr"`
	AdminAddr string `koanf:"admin_addr"`
}

type Redis struct {
	Addr     string `koanf:"addr"`
	DB       int    `koanf:"db"`
	Password string `koanf:"password"`
}

type Proxy struct {
	// DefaultUpstream receives traffic that no rule routes elsewhere.
	DefaultUpstream string `koanf:"default_upstream"`
	// MaxBodyBytes caps the buffered request body for write methods.
	MaxBodyBytes int64 `koanf:"max_body_bytes"`
}

type Intervals struct {
	StatsFlushSeconds    int `koanf:"stats_flush_seconds"`
	BroadcastSeconds     int `koanf:"broadcast_seconds"`
	QueueCleanupSeconds  int `koanf:"queue_cleanup_seconds"`
	ConfigRefreshSeconds int `koanf:"config_refresh_seconds"`
}

type Config struct {
	Server    Server    `koanf:"server"`
	Redis     Redis     `koanf:"redis"`
	Proxy     Proxy     `koanf:"proxy"`
	Intervals Intervals `koanf:"intervals"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config usable without a yaml file, driven by env fallbacks.
func Default() *Config {
	cfg := &Config{
		Server: Server{
			Addr:      MustEnv("PMRL_HTTP_ADDR", ":8080"),
			AdminAddr: MustEnv("PMRL_ADMIN_ADDR", "127.0.0.1:9090"),
		},
		Redis: Redis{
			Addr: MustEnv("REDIS_ADDR", "localhost:6379"),
		},
		Proxy: Proxy{
			DefaultUpstream: MustEnv("UPSTREAM_URL", "http://localhost:8081"),
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = "127.0.0.1:9090"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Proxy.MaxBodyBytes <= 0 {
		c.Proxy.MaxBodyBytes = 1 << 20
	}
	if c.Intervals.StatsFlushSeconds <= 0 {
		c.Intervals.StatsFlushSeconds = 5
	}
	if c.Intervals.BroadcastSeconds <= 0 {
		c.Intervals.BroadcastSeconds = 2
	}
	if c.Intervals.QueueCleanupSeconds <= 0 {
		c.Intervals.QueueCleanupSeconds = 60
	}
	if c.Intervals.ConfigRefreshSeconds <= 0 {
		c.Intervals.ConfigRefreshSeconds = 300
	}
}

func (i Intervals) StatsFlush() time.Duration    { return time.Duration(i.StatsFlushSeconds) * time.Second }
func (i Intervals) Broadcast() time.Duration     { return time.Duration(i.BroadcastSeconds) * time.Second }
func (i Intervals) QueueCleanup() time.Duration  { return time.Duration(i.QueueCleanupSeconds) * time.Second }
func (i Intervals) ConfigRefresh() time.Duration { return time.Duration(i.ConfigRefreshSeconds) * time.Second }

func MustEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

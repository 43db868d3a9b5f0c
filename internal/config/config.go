package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tailscale/hujson"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Server ServerConfig `json:"server"`
	CDP    CDPConfig    `json:"cdp"`
	Store  StoreConfig  `json:"store"`
	Queue  QueueConfig  `json:"queue"`
	Log    LogConfig    `json:"log"`
}

type ServerConfig struct {
	ListenAddr string `json:"listen_addr" env:"MAPPER_LISTEN_ADDR"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Path       string `json:"path" env:"MAPPER_PATH"`
	AuthToken  string `json:"auth_token" env:"MAPPER_AUTH_TOKEN"`
}

type CDPConfig struct {
	// URL is the browser's websocket debugger URL.
	URL         string   `json:"url" env:"MAPPER_CDP_URL"`
	DialTimeout Duration `json:"dial_timeout" env:"MAPPER_CDP_DIAL_TIMEOUT"`
}

type StoreConfig struct {
	// Backend is memory or redis. Empty picks redis when RedisAddr is set.
	Backend    string   `json:"backend" env:"MAPPER_STORE"`
	RedisAddr  string   `json:"redis_addr" env:"MAPPER_REDIS_ADDR"`
	CommandTTL Duration `json:"command_ttl" env:"MAPPER_COMMAND_TTL"`
}

type QueueConfig struct {
	// ResolveTimeout bounds how long one outgoing message may hold back the
	// ones behind it. Negative disables the bound.
	ResolveTimeout Duration `json:"resolve_timeout" env:"MAPPER_RESOLVE_TIMEOUT"`
}

type LogConfig struct {
	Level       string `json:"level" env:"MAPPER_LOG_LEVEL"`
	Development bool   `json:"development" env:"MAPPER_LOG_DEVELOPMENT"`
}

// Duration reads either a Go duration string ("30s") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %w", err)
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			Path:       "/session",
		},
		CDP: CDPConfig{
			DialTimeout: Duration(time.Minute),
		},
		Store: StoreConfig{
			CommandTTL: Duration(time.Hour),
		},
		Queue: QueueConfig{
			ResolveTimeout: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the JSON-with-comments file at path over the defaults, then
// applies MAPPER_* environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config failed: %w", err)
		}
		standard, err := hujson.Standardize(content)
		if err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
		if err := json.Unmarshal(standard, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.Server.Path == "" {
		c.Server.Path = "/session"
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		c.Server.Path = "/" + c.Server.Path
	}
	if c.Server.ListenAddr == "" {
		if c.Server.Host != "" && c.Server.Port > 0 {
			c.Server.ListenAddr = fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
		} else {
			c.Server.ListenAddr = ":8080"
		}
	}
	if c.CDP.DialTimeout <= 0 {
		c.CDP.DialTimeout = Duration(time.Minute)
	}
	if c.Store.CommandTTL <= 0 {
		c.Store.CommandTTL = Duration(time.Hour)
	}

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	switch c.Store.Backend {
	case "":
		c.Store.Backend = BackendMemory
		if c.Store.RedisAddr != "" {
			c.Store.Backend = BackendRedis
		}
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store backend %q requires redis_addr", BackendRedis)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

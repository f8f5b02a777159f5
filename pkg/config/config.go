// Package config loads the chat server configuration from a TOML file, a
// .env file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverScylla   = "scylla"

	PolicyOpen          = "open"
	PolicySharedChannel = "shared-channel"
)

// Duration decodes TOML strings such as "8s" or "168h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server    ServerSection    `toml:"server"`
	Auth      AuthSection      `toml:"auth"`
	Storage   StorageSection   `toml:"storage"`
	History   HistorySection   `toml:"history"`
	Limits    LimitsSection    `toml:"limits"`
	Presence  PresenceSection  `toml:"presence"`
	Signaling SignalingSection `toml:"signaling"`
	Events    EventsSection    `toml:"events"`
}

type ServerSection struct {
	Addr           string   `toml:"addr"`
	MetricsAddr    string   `toml:"metrics_addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	LogFile        string   `toml:"log_file"`
	MaxFrameBytes  int64    `toml:"max_frame_bytes"`
	SendBuffer     int      `toml:"send_buffer"`
}

type AuthSection struct {
	JWTSecret string   `toml:"jwt_secret"`
	TokenTTL  Duration `toml:"token_ttl"`

	// ServiceToken authorizes the context hooks. Empty disables them.
	ServiceToken string `toml:"service_token"`
}

type StorageSection struct {
	Driver         string   `toml:"driver"`
	SQLitePath     string   `toml:"sqlite_path"`
	PostgresURL    string   `toml:"postgres_url"`
	ScyllaHosts    []string `toml:"scylla_hosts"`
	ScyllaKeyspace string   `toml:"scylla_keyspace"`
	NodeID         int64    `toml:"node_id"`
}

type HistorySection struct {
	DefaultLimit int `toml:"default_limit"`
	MaxLimit     int `toml:"max_limit"`
}

type LimitsSection struct {
	MaxContentLength int      `toml:"max_content_length"`
	RateBurst        int      `toml:"rate_burst"`
	RateInterval     Duration `toml:"rate_interval"`
	RequestTimeout   Duration `toml:"request_timeout"`
}

type PresenceSection struct {
	// TypingTTL bounds how long a typing indicator lives without a stop.
	// Zero keeps indicators until an explicit stop or disconnect.
	TypingTTL Duration `toml:"typing_ttl"`
	RedisAddr string   `toml:"redis_addr"`
}

type SignalingSection struct {
	Policy string `toml:"policy"`
}

type EventsSection struct {
	KafkaBrokers []string `toml:"kafka_brokers"`
	Topic        string   `toml:"topic"`
	GroupID      string   `toml:"group_id"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerSection{
			Addr:           ":8080",
			MetricsAddr:    ":9090",
			AllowedOrigins: []string{"http://localhost:5173"},
			MaxFrameBytes:  64 << 10,
			SendBuffer:     256,
		},
		Auth: AuthSection{
			TokenTTL: Duration{7 * 24 * time.Hour},
		},
		Storage: StorageSection{
			Driver:         DriverSQLite,
			SQLitePath:     "chat.db",
			ScyllaHosts:    []string{"localhost:9042"},
			ScyllaKeyspace: "chat",
			NodeID:         1,
		},
		History: HistorySection{
			DefaultLimit: 50,
			MaxLimit:     100,
		},
		Limits: LimitsSection{
			MaxContentLength: 4000,
			RateBurst:        10,
			RateInterval:     Duration{time.Second},
			RequestTimeout:   Duration{5 * time.Second},
		},
		Presence: PresenceSection{
			TypingTTL: Duration{8 * time.Second},
		},
		Signaling: SignalingSection{
			Policy: PolicyOpen,
		},
		Events: EventsSection{
			Topic:   "chat-events",
			GroupID: "messaging-audit",
		},
	}
}

// Load reads .env (if present), then the TOML file at path (if it exists),
// then applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return Config{}, fmt.Errorf("config: home directory: %w", err)
			}
			path = filepath.Join(home, path[2:])
		}
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	cfg = applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides applies CHAT_SECTION_KEY variables. The legacy names
// JWT_SECRET, REDIS_ADDR, KAFKA_BROKERS and SCYLLA_HOSTS are honoured too.
func applyEnvOverrides(cfg Config) Config {
	envString("CHAT_SERVER_ADDR", &cfg.Server.Addr)
	envString("CHAT_SERVER_METRICS_ADDR", &cfg.Server.MetricsAddr)
	envList("CHAT_SERVER_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	envString("CHAT_SERVER_LOG_FILE", &cfg.Server.LogFile)
	envInt64("CHAT_SERVER_MAX_FRAME_BYTES", &cfg.Server.MaxFrameBytes)
	envInt("CHAT_SERVER_SEND_BUFFER", &cfg.Server.SendBuffer)

	envString("JWT_SECRET", &cfg.Auth.JWTSecret)
	envString("CHAT_AUTH_JWT_SECRET", &cfg.Auth.JWTSecret)
	envDuration("CHAT_AUTH_TOKEN_TTL", &cfg.Auth.TokenTTL)
	envString("CHAT_AUTH_SERVICE_TOKEN", &cfg.Auth.ServiceToken)

	envString("CHAT_STORAGE_DRIVER", &cfg.Storage.Driver)
	envString("CHAT_STORAGE_SQLITE_PATH", &cfg.Storage.SQLitePath)
	envString("DATABASE_URL", &cfg.Storage.PostgresURL)
	envString("CHAT_STORAGE_POSTGRES_URL", &cfg.Storage.PostgresURL)
	envList("SCYLLA_HOSTS", &cfg.Storage.ScyllaHosts)
	envList("CHAT_STORAGE_SCYLLA_HOSTS", &cfg.Storage.ScyllaHosts)
	envString("CHAT_STORAGE_SCYLLA_KEYSPACE", &cfg.Storage.ScyllaKeyspace)
	envInt64("CHAT_STORAGE_NODE_ID", &cfg.Storage.NodeID)

	envInt("CHAT_HISTORY_DEFAULT_LIMIT", &cfg.History.DefaultLimit)
	envInt("CHAT_HISTORY_MAX_LIMIT", &cfg.History.MaxLimit)

	envInt("CHAT_LIMITS_MAX_CONTENT_LENGTH", &cfg.Limits.MaxContentLength)
	envInt("CHAT_LIMITS_RATE_BURST", &cfg.Limits.RateBurst)
	envDuration("CHAT_LIMITS_RATE_INTERVAL", &cfg.Limits.RateInterval)
	envDuration("CHAT_LIMITS_REQUEST_TIMEOUT", &cfg.Limits.RequestTimeout)

	envDuration("CHAT_PRESENCE_TYPING_TTL", &cfg.Presence.TypingTTL)
	envString("REDIS_ADDR", &cfg.Presence.RedisAddr)
	envString("CHAT_PRESENCE_REDIS_ADDR", &cfg.Presence.RedisAddr)

	envString("CHAT_SIGNALING_POLICY", &cfg.Signaling.Policy)

	envList("KAFKA_BROKERS", &cfg.Events.KafkaBrokers)
	envList("CHAT_EVENTS_KAFKA_BROKERS", &cfg.Events.KafkaBrokers)
	envString("CHAT_EVENTS_TOPIC", &cfg.Events.Topic)
	envString("CHAT_EVENTS_GROUP_ID", &cfg.Events.GroupID)

	return cfg
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("config: storage.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return errors.New("config: storage.postgres_url is required for the postgres driver")
		}
	case DriverScylla:
		if len(c.Storage.ScyllaHosts) == 0 || c.Storage.ScyllaKeyspace == "" {
			return errors.New("config: storage.scylla_hosts and storage.scylla_keyspace are required for the scylla driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Signaling.Policy {
	case PolicyOpen, PolicySharedChannel:
	default:
		return fmt.Errorf("config: unknown signaling policy %q", c.Signaling.Policy)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwt_secret (or JWT_SECRET) is required")
	}
	if c.History.DefaultLimit <= 0 || c.History.MaxLimit <= 0 {
		return errors.New("config: history limits must be positive")
	}
	if c.History.DefaultLimit > c.History.MaxLimit {
		return fmt.Errorf("config: history.default_limit %d exceeds history.max_limit %d", c.History.DefaultLimit, c.History.MaxLimit)
	}
	if c.Presence.TypingTTL.Duration < 0 {
		return errors.New("config: presence.typing_ttl must not be negative")
	}
	if c.Server.SendBuffer <= 0 {
		return errors.New("config: server.send_buffer must be positive")
	}
	return nil
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envList(key string, dst *[]string) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	parts := strings.Split(val, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			dst.Duration = d
		}
	}
}

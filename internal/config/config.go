// Package config загружает настройки streamer: defaults → YAML → ENV (STREAMER_*).
package config

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/YaganovValera/openapi-streamer/common/configloader"
	"github.com/YaganovValera/openapi-streamer/common/httpserver"
	producer "github.com/YaganovValera/openapi-streamer/common/kafka/producer"
	"github.com/YaganovValera/openapi-streamer/common/logger"
	commonredis "github.com/YaganovValera/openapi-streamer/common/redis"
	"github.com/YaganovValera/openapi-streamer/common/telemetry"
	"github.com/YaganovValera/openapi-streamer/internal/codec"
	"github.com/YaganovValera/openapi-streamer/internal/session"
	"github.com/YaganovValera/openapi-streamer/internal/subscription"
	"github.com/YaganovValera/openapi-streamer/internal/transport"
)

const EnvPrefix = "STREAMER"

// Config: все настройки сервиса.
type Config struct {
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	Logging        logger.Config     `mapstructure:"logging"`
	Telemetry      telemetry.Config  `mapstructure:"telemetry"`
	HTTP           httpserver.Config `mapstructure:"http"`
	Streaming      Streaming         `mapstructure:"streaming"`
	Subscriptions  []Subscription    `mapstructure:"subscriptions"`
	Kafka          Kafka             `mapstructure:"kafka"`
	Checkpoint     Checkpoint        `mapstructure:"checkpoint"`
}

// Streaming: потоковое соединение и REST-эндпоинты подписок.
type Streaming struct {
	WSURL          string              `mapstructure:"ws_url"`
	APIBaseURL     string              `mapstructure:"api_base_url"`
	ContextID      string              `mapstructure:"context_id"`
	Token          string              `mapstructure:"token" json:"-"`
	TokenFile      string              `mapstructure:"token_file"`
	Resume         bool                `mapstructure:"resume"`
	RequestTimeout time.Duration       `mapstructure:"request_timeout"`
	Transport      transport.Config    `mapstructure:"transport"`
	Reconnect      session.RetryConfig `mapstructure:"reconnect"`
}

// Subscription: подписка, создаваемая при старте.
// Arguments: JSON-объект строкой: viper приводит ключи map к нижнему регистру.
type Subscription struct {
	Name        string       `mapstructure:"name"`
	Path        string       `mapstructure:"path"`
	Format      codec.Format `mapstructure:"format"`
	RefreshRate int          `mapstructure:"refresh_rate"`
	Tag         string       `mapstructure:"tag"`
	Arguments   string       `mapstructure:"arguments"`
}

// Params переводит запись конфига в параметры подписки.
func (s Subscription) Params() (subscription.Params, error) {
	p := subscription.Params{
		Path:        s.Path,
		Format:      s.Format,
		RefreshRate: s.RefreshRate,
		Tag:         s.Tag,
	}
	if strings.TrimSpace(s.Arguments) != "" {
		if err := json.Unmarshal([]byte(s.Arguments), &p.Arguments); err != nil {
			return p, fmt.Errorf("subscription %q: arguments: %w", s.Name, err)
		}
	}
	return p, p.Validate()
}

// Kafka: пересылка декодированных сообщений.
type Kafka struct {
	Enabled         bool          `mapstructure:"enabled"`
	Topic           string        `mapstructure:"topic"`
	producer.Config `mapstructure:",squash"`
}

// Checkpoint: хранение последнего sequence id.
type Checkpoint struct {
	Backend            string        `mapstructure:"backend"` // none | memory | redis
	TTL                time.Duration `mapstructure:"ttl"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
	commonredis.Config `mapstructure:",squash"`
}

func init() {
	configloader.RegisterDefaultsMap(map[string]interface{}{
		"service_name":    "openapi-streamer",
		"service_version": "v0.1.0",

		"logging.level":    "info",
		"logging.dev_mode": false,

		"telemetry.enabled":       false,
		"telemetry.otel_endpoint": "otel-collector:4317",
		"telemetry.insecure":      true,

		"http.addr":             ":8080",
		"http.read_timeout":     "10s",
		"http.write_timeout":    "15s",
		"http.idle_timeout":     "60s",
		"http.shutdown_timeout": "5s",
		"http.metrics_path":     "/metrics",
		"http.healthz_path":     "/healthz",
		"http.readyz_path":      "/readyz",

		"streaming.ws_url":          "",
		"streaming.api_base_url":    "",
		"streaming.context_id":      "",
		"streaming.token":           "",
		"streaming.token_file":      "",
		"streaming.resume":          true,
		"streaming.request_timeout": "10s",

		"streaming.transport.handshake_timeout": "10s",
		"streaming.transport.read_timeout":      "60s",
		"streaming.transport.write_timeout":     "5s",
		"streaming.transport.buffer_size":       256,

		"streaming.reconnect.policy":                   "always",
		"streaming.reconnect.max_attempts":             4,
		"streaming.reconnect.max_rounds":               0,
		"streaming.reconnect.cooldown":                 "30s",
		"streaming.reconnect.backoff.initial_interval": "1s",
		"streaming.reconnect.backoff.max_interval":     "10s",
		"streaming.reconnect.backoff.multiplier":       2.0,

		"kafka.enabled":     false,
		"kafka.topic":       "openapi.stream",
		"kafka.acks":        "all",
		"kafka.compression": "none",
		"kafka.timeout":     "15s",

		"checkpoint.backend":        "memory",
		"checkpoint.ttl":            "24h",
		"checkpoint.flush_interval": "5s",
		"checkpoint.redis_url":      "",
	})
}

// Load читает конфиг из path (может быть пустым) и ENV.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := configloader.Load(path, EnvPrefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет весь конфиг.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	c.Telemetry.ServiceName = c.ServiceName
	c.Telemetry.ServiceVersion = c.ServiceVersion
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	if err := c.validateStreaming(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		if err := subscription.ValidateName(s.Name); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("subscriptions[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
		if _, err := s.Params(); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}

	switch c.Checkpoint.Backend {
	case "none", "memory":
	case "redis":
		if c.Checkpoint.URL == "" {
			return fmt.Errorf("checkpoint.redis_url is required for redis backend")
		}
		// позиция хранится по context id; случайный id после рестарта её не найдёт
		if c.Streaming.Resume && c.Streaming.ContextID == "" {
			return fmt.Errorf("streaming.context_id is required to resume from a redis checkpoint")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be one of [none, memory, redis]")
	}

	if !strings.HasPrefix(c.HTTP.MetricsPath, "/") {
		return fmt.Errorf("http.metrics_path must start with '/'")
	}
	return nil
}

func (c *Config) validateStreaming() error {
	s := c.Streaming
	u, err := url.Parse(s.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("streaming.ws_url must be a ws:// or wss:// url, got %q", s.WSURL)
	}
	b, err := url.Parse(s.APIBaseURL)
	if err != nil || (b.Scheme != "http" && b.Scheme != "https") || b.Host == "" {
		return fmt.Errorf("streaming.api_base_url must be an http(s) url, got %q", s.APIBaseURL)
	}
	if s.Token == "" && s.TokenFile == "" {
		return fmt.Errorf("streaming.token or streaming.token_file is required")
	}
	if len(s.ContextID) > 50 || strings.HasPrefix(s.ContextID, "_") {
		return fmt.Errorf("streaming.context_id must be ≤ 50 chars and not start with '_'")
	}
	if _, err := session.ParsePolicy(s.Reconnect.Policy, s.Reconnect.MaxRounds); err != nil {
		return fmt.Errorf("streaming.reconnect.policy: %w", err)
	}
	if s.Reconnect.MaxAttempts < 0 || s.Reconnect.MaxRounds < 0 {
		return fmt.Errorf("streaming.reconnect limits must be ≥ 0")
	}
	return nil
}

// Print выводит конфиг без токена.
func (c *Config) Print(w io.Writer) error {
	return configloader.PrintConfig(w, c)
}

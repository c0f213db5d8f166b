// common/redis/config.go
package redis

import (
	"fmt"
	"time"

	"github.com/YaganovValera/openapi-streamer/common/backoff"
)

// Config хранит параметры подключения к Redis.
type Config struct {
	URL         string         `mapstructure:"redis_url"` // e.g. "redis://host:6379/0"
	PingTimeout time.Duration  `mapstructure:"ping_timeout"`
	Backoff     backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = 5
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis: URL required")
	}
	return nil
}

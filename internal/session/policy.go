package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/YaganovValera/openapi-streamer/common/backoff"
)

// ReconnectPolicy решает, переподключаться ли после нечистого закрытия.
// round: номер серии попыток, начиная с 1.
type ReconnectPolicy interface {
	ShouldReconnect(ctx context.Context, cause *DisconnectError, round int) bool
}

// PolicyFunc адаптирует функцию к ReconnectPolicy.
type PolicyFunc func(ctx context.Context, cause *DisconnectError, round int) bool

func (f PolicyFunc) ShouldReconnect(ctx context.Context, cause *DisconnectError, round int) bool {
	return f(ctx, cause, round)
}

// AlwaysReconnect разрешает не больше maxRounds серий; 0 снимает ограничение.
func AlwaysReconnect(maxRounds int) ReconnectPolicy {
	return PolicyFunc(func(_ context.Context, _ *DisconnectError, round int) bool {
		return maxRounds <= 0 || round <= maxRounds
	})
}

// NeverReconnect: любое нечистое закрытие терминально.
func NeverReconnect() ReconnectPolicy {
	return PolicyFunc(func(context.Context, *DisconnectError, int) bool { return false })
}

// ParsePolicy возвращает политику по имени из конфигурации.
func ParsePolicy(name string, maxRounds int) (ReconnectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "always":
		return AlwaysReconnect(maxRounds), nil
	case "never":
		return NeverReconnect(), nil
	default:
		return nil, fmt.Errorf("session: unknown reconnect policy %q", name)
	}
}

// RetryConfig: бюджет переподключения: серия из MaxAttempts попыток
// с экспоненциальной паузой, затем Cooldown и новое решение политики.
type RetryConfig struct {
	Policy      string         `mapstructure:"policy"`
	MaxAttempts int            `mapstructure:"max_attempts"`
	MaxRounds   int            `mapstructure:"max_rounds"`
	Cooldown    time.Duration  `mapstructure:"cooldown"`
	Backoff     backoff.Config `mapstructure:"backoff"`
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
}

func (c RetryConfig) burst() backoff.Config {
	bo := c.Backoff
	bo.MaxAttempts = c.MaxAttempts
	return bo
}

// Package pingchecker turns a Ping function into a health check, e.g. for the
// database pool or the redis client.
package pingchecker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/memohai/chatgate/internal/healthcheck"
)

const defaultTimeout = 3 * time.Second

// PingFunc checks a dependency.
type PingFunc func(ctx context.Context) error

type Checker struct {
	name    string
	ping    PingFunc
	timeout time.Duration
	logger  *slog.Logger
}

func NewChecker(log *slog.Logger, name string, ping PingFunc) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		name:    name,
		ping:    ping,
		timeout: defaultTimeout,
		logger:  log.With(slog.String("checker", "healthcheck_"+name)),
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:      c.name + ".ping",
		Type:    c.name,
		Status:  healthcheck.StatusOK,
		Summary: fmt.Sprintf("%s is reachable.", c.name),
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	if err := c.ping(ctx); err != nil {
		c.logger.Warn("ping failed", slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = fmt.Sprintf("%s is unreachable.", c.name)
		item.Detail = err.Error()
	}
	item.Metadata = map[string]any{"latency_ms": time.Since(start).Milliseconds()}
	return []healthcheck.CheckResult{item}
}

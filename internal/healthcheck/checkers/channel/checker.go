// Package channelchecker reports the health of long-lived platform
// connections.
package channelchecker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/healthcheck"
)

const checkTypeChannelConnection = "channel.connection"

// ConnectionObserver reads runtime channel connection statuses.
type ConnectionObserver interface {
	ConnectionStatuses() []channel.ConnectionStatus
}

// Checker turns each managed connection into one check.
type Checker struct {
	logger   *slog.Logger
	observer ConnectionObserver
}

func NewChecker(log *slog.Logger, observer ConnectionObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "channel_connection")),
		observer: observer,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if ctx.Err() != nil {
		return []healthcheck.CheckResult{}
	}
	if c.observer == nil {
		c.logger.Warn("connection manager not wired")
		return []healthcheck.CheckResult{{
			ID:      checkTypeChannelConnection + ".service",
			Type:    checkTypeChannelConnection,
			Status:  healthcheck.StatusWarn,
			Summary: "Connection manager is not available.",
		}}
	}

	statuses := c.observer.ConnectionStatuses()
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].IntegrationID < statuses[j].IntegrationID
	})
	checks := make([]healthcheck.CheckResult, 0, len(statuses))
	for idx, status := range statuses {
		platform := status.ChannelType.String()
		if platform == "" {
			platform = "unknown"
		}
		item := healthcheck.CheckResult{
			ID:       buildCheckID(status.IntegrationID, idx),
			Type:     checkTypeChannelConnection,
			Subtitle: buildSubtitle(platform, status.IntegrationID),
			Metadata: map[string]any{
				"integration_id": status.IntegrationID,
				"platform":       platform,
			},
		}
		if !status.UpdatedAt.IsZero() {
			item.Metadata["updated_at"] = status.UpdatedAt.UTC().Format(time.RFC3339)
		}
		if status.Running {
			item.Status = healthcheck.StatusOK
			item.Summary = fmt.Sprintf("%s connection is up.", platform)
		} else {
			item.Status = healthcheck.StatusError
			item.Summary = fmt.Sprintf("%s connection is down.", platform)
			item.Detail = strings.TrimSpace(status.LastError)
		}
		checks = append(checks, item)
	}
	return checks
}

func buildCheckID(integrationID string, idx int) string {
	if id := strings.TrimSpace(integrationID); id != "" {
		return checkTypeChannelConnection + "." + id
	}
	return fmt.Sprintf("%s.unknown_%d", checkTypeChannelConnection, idx+1)
}

// buildSubtitle shortens the integration uuid for display.
func buildSubtitle(platform, integrationID string) string {
	id := strings.TrimSpace(integrationID)
	if id == "" {
		return platform
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return platform + " (" + id + ")"
}

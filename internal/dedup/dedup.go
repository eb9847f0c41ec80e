// Package dedup remembers recently processed platform message ids so a
// redelivered webhook is not answered twice.
package dedup

import (
	"context"
	"log/slog"
	"strings"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/config"
)

// Guard reports whether a key is seen for the first time within its TTL.
// Forget releases a key whose message could not be processed.
type Guard interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Key builds the idempotency key of an inbound message. It is empty when the
// platform supplied no message id.
func Key(platform channel.ChannelType, integrationID, messageID string) string {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return ""
	}
	return platform.String() + ":" + strings.TrimSpace(integrationID) + ":" + messageID
}

// Disabled lets every message through.
type Disabled struct{}

func (Disabled) FirstSeen(context.Context, string) (bool, error) {
	return true, nil
}

func (Disabled) Forget(context.Context, string) error {
	return nil
}

// New picks the guard for cfg. Dedup is opt-in; with it enabled a redis
// client shares state across replicas and nil falls back to memory.
func New(log *slog.Logger, cfg config.DedupConfig, client KeyStore) Guard {
	if !cfg.Enabled {
		return Disabled{}
	}
	if client != nil {
		return NewRedisGuard(client, cfg.TTLDuration())
	}
	return NewMemoryGuard(log, cfg.TTLDuration())
}

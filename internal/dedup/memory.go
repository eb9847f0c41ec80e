package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// MemoryGuard keeps seen keys in process. A cron job sweeps expired keys.
type MemoryGuard struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time
	cron *cron.Cron
}

func NewMemoryGuard(log *slog.Logger, ttl time.Duration) *MemoryGuard {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryGuard{
		ttl:    ttl,
		now:    time.Now,
		logger: log.With(slog.String("service", "dedup")),
		seen:   map[string]time.Time{},
	}
}

func (g *MemoryGuard) FirstSeen(_ context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if expires, ok := g.seen[key]; ok && now.Before(expires) {
		return false, nil
	}
	g.seen[key] = now.Add(g.ttl)
	return true, nil
}

func (g *MemoryGuard) Forget(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.seen, key)
	g.mu.Unlock()
	return nil
}

// Sweep drops expired keys and returns how many were removed.
func (g *MemoryGuard) Sweep() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, expires := range g.seen {
		if !now.Before(expires) {
			delete(g.seen, key)
			removed++
		}
	}
	return removed
}

// Start schedules Sweep every minute.
func (g *MemoryGuard) Start(context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		if n := g.Sweep(); n > 0 {
			g.logger.Debug("dedup sweep", slog.Int("removed", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule dedup sweep: %w", err)
	}
	c.Start()
	g.mu.Lock()
	g.cron = c
	g.mu.Unlock()
	return nil
}

func (g *MemoryGuard) Stop(context.Context) error {
	g.mu.Lock()
	c := g.cron
	g.cron = nil
	g.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	return nil
}

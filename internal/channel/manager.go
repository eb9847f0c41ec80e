package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRefreshSpec is the cron spec used when none is configured.
const DefaultRefreshSpec = "@every 1m"

// ConnectionStatus describes runtime status for one long-lived integration connection.
type ConnectionStatus struct {
	IntegrationID string      `json:"integration_id"`
	ChannelType   ChannelType `json:"channel_type"`
	Running       bool        `json:"running"`
	LastError     string      `json:"last_error,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Manager keeps one connection per integration whose adapter is a Receiver,
// reconciling against the store on a cron schedule.
// Connection lifecycle lives in connection.go.
type Manager struct {
	registry    *Registry
	store       IntegrationStore
	handler     InboundHandler
	refreshSpec string
	logger      *slog.Logger

	cron           *cron.Cron
	mu             sync.Mutex
	refreshMu      sync.Mutex
	connections    map[string]*connectionEntry
	connectionMeta map[string]ConnectionStatus
}

// NewManager creates a Manager. handler receives every message read from a
// Receiver connection.
func NewManager(log *slog.Logger, registry *Registry, store IntegrationStore, handler InboundHandler, refreshSpec string) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if strings.TrimSpace(refreshSpec) == "" {
		refreshSpec = DefaultRefreshSpec
	}
	return &Manager{
		registry:       registry,
		store:          store,
		handler:        handler,
		refreshSpec:    refreshSpec,
		connections:    map[string]*connectionEntry{},
		connectionMeta: map[string]ConnectionStatus{},
		logger:         log.With(slog.String("component", "channel")),
	}
}

// Start reconciles once and schedules periodic reconciles.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("manager start", slog.String("refresh", m.refreshSpec))
	runCtx := context.WithoutCancel(ctx)
	m.refresh(runCtx)

	c := cron.New()
	if _, err := c.AddFunc(m.refreshSpec, func() { m.refresh(runCtx) }); err != nil {
		return fmt.Errorf("schedule channel refresh: %w", err)
	}
	c.Start()
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	return nil
}

// Shutdown stops the refresh schedule and all active connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	m.stopAll(ctx)
	m.logger.Info("manager stop")
	return nil
}

// ConnectionStatuses returns observed connection statuses ordered by channel then id.
func (m *Manager) ConnectionStatuses() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]ConnectionStatus, 0, len(m.connectionMeta))
	for _, status := range m.connectionMeta {
		items = append(items, status)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ChannelType == items[j].ChannelType {
			return items[i].IntegrationID < items[j].IntegrationID
		}
		return items[i].ChannelType < items[j].ChannelType
	})
	return items
}

// ConnectionStatus returns the status of one integration connection.
func (m *Manager) ConnectionStatus(integrationID string) (ConnectionStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.connectionMeta[strings.TrimSpace(integrationID)]
	return status, ok
}

func (m *Manager) inboundHandler() InboundHandler {
	handler := m.handler
	if handler == nil {
		handler = func(context.Context, Integration, InboundMessage) error { return nil }
	}
	return handler
}

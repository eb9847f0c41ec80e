package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type connectionEntry struct {
	integration Integration
	connection  Connection
}

func (m *Manager) refresh(ctx context.Context) {
	// Serialize refresh calls so concurrent callers wait instead of silently skipping.
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if m.store == nil {
		return
	}
	integrations := make([]Integration, 0)
	for _, channelType := range m.registry.Types() {
		if _, ok := m.registry.GetReceiver(channelType); !ok {
			continue
		}
		items, err := m.store.ListByPlatform(ctx, channelType)
		if err != nil {
			m.logger.Error("list integrations failed", slog.String("channel", channelType.String()), slog.Any("error", err))
			continue
		}
		integrations = append(integrations, items...)
	}
	m.reconcile(ctx, integrations)
}

func (m *Manager) reconcile(ctx context.Context, integrations []Integration) {
	active := map[string]Integration{}
	for _, item := range integrations {
		// Disconnected integrations fall out of active and get stopped below.
		if item.ID == "" || !item.Connected() {
			continue
		}
		active[item.ID] = item
		if err := m.ensureConnection(ctx, item); err != nil {
			m.markConnectionStatus(item, false, err)
			m.logger.Error(
				"adapter start failed",
				slog.String("integration_id", item.ID),
				slog.String("channel", item.Platform.String()),
				slog.Any("error", err),
			)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.connections {
		if _, ok := active[id]; ok {
			continue
		}
		m.stopEntryLocked(ctx, id, entry)
	}
	for id := range m.connectionMeta {
		if _, ok := active[id]; !ok {
			delete(m.connectionMeta, id)
		}
	}
}

func (m *Manager) ensureConnection(ctx context.Context, integration Integration) error {
	receiver, ok := m.registry.GetReceiver(integration.Platform)
	if !ok {
		m.markConnectionStatus(integration, false, fmt.Errorf("receiver not available"))
		return nil
	}

	m.mu.Lock()
	entry := m.connections[integration.ID]

	// Integration unchanged and link alive: nothing to do.
	if entry != nil && !entry.integration.UpdatedAt.Before(integration.UpdatedAt) && entry.connection != nil && entry.connection.Running() {
		m.setConnectionStatusLocked(entry.integration, true, nil)
		m.mu.Unlock()
		return nil
	}

	var oldConn Connection
	if entry != nil {
		oldConn = entry.connection
		delete(m.connections, integration.ID)
	}
	m.mu.Unlock()

	if oldConn != nil {
		m.logger.Info(
			"adapter restart",
			slog.String("integration_id", integration.ID),
			slog.String("channel", integration.Platform.String()),
		)
		if err := oldConn.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.markConnectionStatus(integration, false, err)
			return err
		}
	}

	m.logger.Info(
		"adapter start",
		slog.String("integration_id", integration.ID),
		slog.String("channel", integration.Platform.String()),
	)
	// Decouple long-lived adapter connections from short-lived request contexts.
	connectCtx := context.WithoutCancel(ctx)
	conn, err := receiver.Connect(connectCtx, integration, m.inboundHandler())
	if err != nil {
		m.markConnectionStatus(integration, false, err)
		return err
	}

	m.mu.Lock()
	// Another goroutine raced and inserted first: keep the existing one.
	if existing, ok := m.connections[integration.ID]; ok && existing != nil {
		running := existing.connection != nil && existing.connection.Running()
		m.setConnectionStatusLocked(existing.integration, running, nil)
		m.mu.Unlock()
		_ = conn.Stop(context.Background())
		return nil
	}
	m.connections[integration.ID] = &connectionEntry{
		integration: integration,
		connection:  conn,
	}
	m.setConnectionStatusLocked(integration, true, nil)
	m.mu.Unlock()
	return nil
}

func (m *Manager) stopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.connections {
		m.stopEntryLocked(ctx, id, entry)
	}
}

func (m *Manager) stopEntryLocked(ctx context.Context, id string, entry *connectionEntry) {
	if entry != nil && entry.connection != nil {
		m.logger.Info(
			"adapter stop",
			slog.String("integration_id", id),
			slog.String("channel", entry.integration.Platform.String()),
		)
		if err := entry.connection.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.logger.Warn(
				"adapter stop failed",
				slog.String("integration_id", id),
				slog.String("channel", entry.integration.Platform.String()),
				slog.Any("error", err),
			)
		}
	}
	delete(m.connections, id)
	delete(m.connectionMeta, id)
}

func (m *Manager) markConnectionStatus(integration Integration, running bool, checkErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setConnectionStatusLocked(integration, running, checkErr)
}

func (m *Manager) setConnectionStatusLocked(integration Integration, running bool, checkErr error) {
	if strings.TrimSpace(integration.ID) == "" {
		return
	}
	previous, hasPrevious := m.connectionMeta[integration.ID]
	status := ConnectionStatus{
		IntegrationID: integration.ID,
		ChannelType:   integration.Platform,
		Running:       running,
		UpdatedAt:     time.Now().UTC(),
	}
	if checkErr != nil {
		status.LastError = checkErr.Error()
	}
	m.connectionMeta[integration.ID] = status
	if checkErr != nil && (!hasPrevious || previous.LastError != status.LastError || previous.Running != status.Running) {
		m.logger.Warn(
			"connection health check failed",
			slog.String("integration_id", integration.ID),
			slog.String("channel", integration.Platform.String()),
			slog.Any("error", checkErr),
		)
	}
	if running && hasPrevious && strings.TrimSpace(previous.LastError) != "" {
		m.logger.Info(
			"connection health recovered",
			slog.String("integration_id", integration.ID),
			slog.String("channel", integration.Platform.String()),
		)
	}
}

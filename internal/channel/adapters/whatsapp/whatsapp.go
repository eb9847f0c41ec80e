// Package whatsapp implements the linked-device WhatsApp adapter on top of
// whatsmeow. Each integration pairs one device by QR code; its session keys
// live in a per-integration SQLite file under the configured data directory.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/markup"
)

// Type is the registered channel type of the adapter.
const Type = channel.TypeWhatsApp

var (
	// ErrNotConnected means the integration has no live device session.
	ErrNotConnected = errors.New("whatsapp device not connected")
	// ErrAlreadyPaired means the device is logged in and no QR code is pending.
	ErrAlreadyPaired = errors.New("whatsapp device already paired")
	// ErrQRPending means pairing started but no code has been issued yet.
	ErrQRPending = errors.New("whatsapp qr code not ready")
)

// qrLifetime is how long WhatsApp accepts a pairing code.
const qrLifetime = 60 * time.Second

// Adapter manages one whatsmeow client per integration.
type Adapter struct {
	dataDir string
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*deviceSession
}

// NewAdapter creates the adapter storing device databases under dataDir.
func NewAdapter(log *slog.Logger, dataDir string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		dataDir:  strings.TrimSpace(dataDir),
		logger:   log.With(slog.String("adapter", Type.String())),
		sessions: make(map[string]*deviceSession),
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:         Type,
		DisplayName:  "WhatsApp",
		Capabilities: channel.Capabilities{Receiver: true, Markdown: true},
	}
}

// deviceSession is the live state of one linked device.
type deviceSession struct {
	integration channel.Integration
	client      *whatsmeow.Client
	container   *sqlstore.Container
	handler     channel.InboundHandler
	conn        *channel.BaseConnection
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	qrMu   sync.RWMutex
	qrCode string
	qrAt   time.Time
}

// Connect opens the device store of the integration and connects the client.
// Unpaired devices start the QR login flow in the background; the current
// code is available from QRCode until the device is paired.
func (a *Adapter) Connect(ctx context.Context, integration channel.Integration, handler channel.InboundHandler) (channel.Connection, error) {
	if handler == nil {
		return nil, fmt.Errorf("inbound handler is required")
	}
	dbPath, err := a.devicePath(integration.ID)
	if err != nil {
		return nil, err
	}
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &deviceSession{
		integration: integration,
		client:      whatsmeow.NewClient(device, waLog.Noop),
		container:   container,
		handler:     handler,
		logger:      a.logger.With(slog.String("integration_id", integration.ID)),
		ctx:         sessCtx,
		cancel:      cancel,
	}
	s.client.EnableAutoReconnect = true
	s.client.AddEventHandler(s.handleEvent)
	s.conn = channel.NewConnection(integration, func(context.Context) error {
		a.removeSession(integration.ID, s)
		s.close()
		return nil
	})

	if s.client.Store.ID == nil {
		qrChan, err := s.client.GetQRChannel(sessCtx)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("qr channel: %w", err)
		}
		if err := s.client.Connect(); err != nil {
			s.close()
			return nil, fmt.Errorf("connect: %w", err)
		}
		go s.watchQR(qrChan)
		s.logger.Info("device not paired, waiting for qr scan")
	} else {
		if err := s.client.Connect(); err != nil {
			s.close()
			return nil, fmt.Errorf("connect: %w", err)
		}
		s.logger.Info("device connected", slog.String("jid", s.client.Store.ID.String()))
	}

	a.mu.Lock()
	previous := a.sessions[integration.ID]
	a.sessions[integration.ID] = s
	a.mu.Unlock()
	if previous != nil {
		previous.close()
	}
	return s.conn, nil
}

func (a *Adapter) devicePath(integrationID string) (string, error) {
	integrationID = strings.TrimSpace(integrationID)
	if integrationID == "" {
		return "", fmt.Errorf("integration id is required")
	}
	if strings.ContainsAny(integrationID, `/\`) {
		return "", fmt.Errorf("invalid integration id %q", integrationID)
	}
	dir := a.dataDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return filepath.Join(dir, integrationID+".db"), nil
}

func (a *Adapter) session(integrationID string) *deviceSession {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessions[integrationID]
}

func (a *Adapter) removeSession(integrationID string, s *deviceSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions[integrationID] == s {
		delete(a.sessions, integrationID)
	}
}

// Send delivers a text message to a phone number or JID.
func (a *Adapter) Send(ctx context.Context, integration channel.Integration, msg channel.OutboundMessage) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return fmt.Errorf("message is required")
	}
	jid, err := parseJID(msg.Target)
	if err != nil {
		return err
	}
	s := a.session(integration.ID)
	if s == nil || !s.client.IsConnected() || !s.client.IsLoggedIn() {
		return ErrNotConnected
	}
	if _, err := s.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(msg.Text)}); err != nil {
		s.logger.Error("send message failed", slog.Any("error", err))
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Acknowledge sends a read receipt for an inbound message.
func (a *Adapter) Acknowledge(ctx context.Context, integration channel.Integration, msg channel.InboundMessage) error {
	if msg.MessageID == "" {
		return nil
	}
	s := a.session(integration.ID)
	if s == nil || !s.client.IsConnected() {
		return ErrNotConnected
	}
	chat, err := types.ParseJID(msg.Meta(metaChatJID))
	if err != nil {
		return fmt.Errorf("parse chat jid: %w", err)
	}
	sender, err := types.ParseJID(msg.Meta(metaSenderJID))
	if err != nil {
		return fmt.Errorf("parse sender jid: %w", err)
	}
	return s.client.MarkRead(ctx, []types.MessageID{types.MessageID(msg.MessageID)}, time.Now(), chat, sender)
}

// Format converts generic markdown to WhatsApp formatting.
func (a *Adapter) Format(text string) string {
	return markup.ToWhatsApp(text)
}

// QRCode returns the pending pairing code of an integration.
func (a *Adapter) QRCode(integrationID string) (string, error) {
	s := a.session(integrationID)
	if s == nil {
		return "", ErrNotConnected
	}
	if s.client.Store.ID != nil {
		return "", ErrAlreadyPaired
	}
	s.qrMu.RLock()
	defer s.qrMu.RUnlock()
	if s.qrCode == "" || time.Since(s.qrAt) > qrLifetime {
		return "", ErrQRPending
	}
	return s.qrCode, nil
}

// DeviceState describes a linked device for health reporting.
type DeviceState struct {
	IntegrationID string
	Paired        bool
	Connected     bool
	JID           string
}

// Devices lists the state of every device session, sorted by integration id.
func (a *Adapter) Devices() []DeviceState {
	a.mu.RLock()
	out := make([]DeviceState, 0, len(a.sessions))
	for id, s := range a.sessions {
		state := DeviceState{IntegrationID: id, Connected: s.client.IsConnected()}
		if s.client.Store.ID != nil {
			state.Paired = true
			state.JID = s.client.Store.ID.String()
		}
		out = append(out, state)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IntegrationID < out[j].IntegrationID })
	return out
}

func (s *deviceSession) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				s.qrMu.Lock()
				s.qrCode = evt.Code
				s.qrAt = time.Now()
				s.qrMu.Unlock()
				s.logger.Info("qr code issued")
			case "success":
				s.clearQR()
				s.logger.Info("device paired")
				return
			case "timeout":
				s.clearQR()
				s.logger.Warn("qr code expired")
				s.conn.MarkStopped()
				return
			default:
				if evt.Error != nil {
					s.clearQR()
					s.logger.Error("qr login failed", slog.Any("error", evt.Error))
					s.conn.MarkStopped()
					return
				}
			}
		}
	}
}

func (s *deviceSession) clearQR() {
	s.qrMu.Lock()
	s.qrCode = ""
	s.qrAt = time.Time{}
	s.qrMu.Unlock()
}

func (s *deviceSession) close() {
	s.cancel()
	s.client.Disconnect()
	if err := s.container.Close(); err != nil {
		s.logger.Warn("close device store failed", slog.Any("error", err))
	}
}

// Package dispatch turns one decoded inbound message into a persisted turn and
// a reply on the platform it came from.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/memohai/chatgate/internal/bots"
	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/dedup"
	"github.com/memohai/chatgate/internal/responder"
	"github.com/memohai/chatgate/internal/session"
)

// NotConfiguredNotice is sent when no bot serves the integration.
const NotConfiguredNotice = "Bot not configured. Please contact support."

// Status summarizes what Handle did with a message.
type Status string

const (
	StatusReplied       Status = "replied"
	StatusNotConfigured Status = "not_configured"
	StatusDuplicate     Status = "duplicate"
	StatusSendFailed    Status = "send_failed"
)

// Outcome is the result of handling one message.
type Outcome struct {
	Status    Status
	SessionID string
	Reply     string
	SendErr   error
}

type BotSource interface {
	BoundBot(ctx context.Context, integrationID string) (bots.Bot, error)
}

type Sessions interface {
	FindOrCreate(ctx context.Context, integrationID, senderID string, meta session.Metadata) (session.Session, error)
	RecentTurns(ctx context.Context, sessionID string, n int) ([]session.Turn, error)
	AddTurn(ctx context.Context, sess session.Session, in session.TurnInput) (session.Turn, error)
}

type Generator interface {
	Generate(ctx context.Context, req responder.Request) string
}

// Options tune outbound delivery.
type Options struct {
	SendTimeout  time.Duration
	SendRate     float64
	SendBurst    int
	HistoryTurns int
}

// OptionsFromConfig reads the platform and LLM sections.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		SendTimeout:  cfg.Platforms.SendTimeoutDuration(),
		SendRate:     cfg.Platforms.SendRate,
		SendBurst:    cfg.Platforms.SendBurst,
		HistoryTurns: cfg.LLM.HistoryTurns,
	}
}

// Dispatcher runs the inbound pipeline against the adapters of a registry.
type Dispatcher struct {
	registry  *channel.Registry
	bots      BotSource
	sessions  Sessions
	generator Generator
	guard     dedup.Guard
	opts      Options
	logger    *slog.Logger

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	limiterCap int
}

// defaultLimiterCap bounds the per-integration limiter map.
const defaultLimiterCap = 1024

func New(log *slog.Logger, registry *channel.Registry, botSource BotSource, sessions Sessions, generator Generator, guard dedup.Guard, opts Options) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if guard == nil {
		guard = dedup.Disabled{}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = responder.DefaultHistoryTurns
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 1
	}
	return &Dispatcher{
		registry:  registry,
		bots:      botSource,
		sessions:  sessions,
		generator: generator,
		guard:     guard,
		opts:      opts,
		logger:    log.With(slog.String("service", "dispatch")),
		limiters:  map[string]*rate.Limiter{},

		limiterCap: defaultLimiterCap,
	}
}

// Handle answers msg on behalf of integration. Delivery problems are
// reported in the Outcome; the error is reserved for store failures.
func (d *Dispatcher) Handle(ctx context.Context, integration channel.Integration, msg channel.InboundMessage) (Outcome, error) {
	logger := d.logger.With(
		slog.String("integration_id", integration.ID),
		slog.String("platform", integration.Platform.String()),
		slog.String("sender_id", msg.SenderID),
	)

	key := dedup.Key(integration.Platform, integration.ID, msg.MessageID)
	first, err := d.guard.FirstSeen(ctx, key)
	if err != nil {
		// A broken cache must not silence the bot.
		logger.Warn("dedup check failed", slog.Any("error", err))
		first = true
	}
	if !first {
		logger.Info("duplicate delivery skipped", slog.String("message_id", msg.MessageID))
		return Outcome{Status: StatusDuplicate}, nil
	}

	d.acknowledge(ctx, integration, msg)

	out, err := d.answer(ctx, logger, integration, msg)
	if err != nil {
		// Release the key so the platform's redelivery gets another attempt.
		if ferr := d.guard.Forget(ctx, key); ferr != nil {
			logger.Warn("dedup release failed", slog.Any("error", ferr))
		}
		return Outcome{}, err
	}
	return out, nil
}

func (d *Dispatcher) answer(ctx context.Context, logger *slog.Logger, integration channel.Integration, msg channel.InboundMessage) (Outcome, error) {
	bot, err := d.bots.BoundBot(ctx, integration.ID)
	if errors.Is(err, bots.ErrNoBotBound) {
		logger.Warn("no bot bound to integration")
		out := Outcome{Status: StatusNotConfigured, Reply: NotConfiguredNotice}
		if err := d.send(ctx, integration, msg, NotConfiguredNotice); err != nil {
			out.SendErr = err
		}
		return out, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load bound bot: %w", err)
	}

	sess, err := d.sessions.FindOrCreate(ctx, integration.ID, msg.SenderID, session.Metadata{
		SenderName: msg.SenderName,
		SenderType: string(msg.SenderKind),
		Extra:      msg.Metadata,
	})
	if err != nil {
		return Outcome{}, err
	}
	history, err := d.sessions.RecentTurns(ctx, sess.ID, d.opts.HistoryTurns)
	if err != nil {
		return Outcome{}, err
	}

	var formatter channel.Formatter
	if f, ok := d.registry.GetFormatter(integration.Platform); ok {
		formatter = f
	}
	reply := d.generator.Generate(ctx, responder.Request{
		Bot:       bot,
		TeamID:    integration.TeamID,
		Text:      msg.Text,
		History:   history,
		Formatter: formatter,
	})

	if _, err := d.sessions.AddTurn(ctx, sess, session.TurnInput{
		Message:           msg.Text,
		Response:          reply,
		ExternalMessageID: msg.MessageID,
	}); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Status: StatusReplied, SessionID: sess.ID, Reply: reply}
	if err := d.send(ctx, integration, msg, reply); err != nil {
		out.Status = StatusSendFailed
		out.SendErr = err
	}
	return out, nil
}

// HandleBatch handles each message independently and returns the first
// internal error after all messages were tried.
func (d *Dispatcher) HandleBatch(ctx context.Context, integration channel.Integration, msgs []channel.InboundMessage) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(msgs))
	var firstErr error
	for _, msg := range msgs {
		out, err := d.Handle(ctx, integration, msg)
		if err != nil {
			d.logger.Error("handle inbound message failed",
				slog.String("integration_id", integration.ID),
				slog.String("message_id", msg.MessageID),
				slog.Any("error", err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, firstErr
}

// InboundHandler adapts Handle to the callback long-lived receivers invoke.
func (d *Dispatcher) InboundHandler() channel.InboundHandler {
	return func(ctx context.Context, integration channel.Integration, msg channel.InboundMessage) error {
		_, err := d.Handle(ctx, integration, msg)
		return err
	}
}

func (d *Dispatcher) acknowledge(ctx context.Context, integration channel.Integration, msg channel.InboundMessage) {
	ack, ok := d.registry.GetAcknowledger(integration.Platform)
	if !ok {
		return
	}
	ackCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	if err := ack.Acknowledge(ackCtx, integration, msg); err != nil {
		d.logger.Debug("acknowledge failed", slog.String("integration_id", integration.ID), slog.Any("error", err))
	}
}

func (d *Dispatcher) send(ctx context.Context, integration channel.Integration, msg channel.InboundMessage, text string) error {
	sender, ok := d.registry.GetSender(integration.Platform)
	if !ok {
		err := fmt.Errorf("no sender for platform %q", integration.Platform)
		d.logger.Error("send reply failed", slog.String("integration_id", integration.ID), slog.Any("error", err))
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	if err := d.limiter(integration.ID).Wait(sendCtx); err != nil {
		d.logger.Warn("send rate limit wait aborted", slog.String("integration_id", integration.ID), slog.Any("error", err))
		return fmt.Errorf("rate limit: %w", err)
	}
	err := sender.Send(sendCtx, integration, channel.OutboundMessage{
		Target: msg.Target(),
		Text:   text,
	})
	if err != nil {
		d.logger.Error("send reply failed",
			slog.String("integration_id", integration.ID),
			slog.String("target", msg.Target()),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func (d *Dispatcher) limiter(integrationID string) *rate.Limiter {
	integrationID = strings.TrimSpace(integrationID)
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[integrationID]
	if !ok {
		if len(d.limiters) >= d.limiterCap {
			d.pruneLimitersLocked()
		}
		limit := rate.Inf
		if d.opts.SendRate > 0 {
			limit = rate.Limit(d.opts.SendRate)
		}
		l = rate.NewLimiter(limit, d.opts.SendBurst)
		d.limiters[integrationID] = l
	}
	return l
}

// pruneLimitersLocked drops limiters whose bucket has refilled. A full bucket
// behaves exactly like a fresh one, so nothing is lost.
func (d *Dispatcher) pruneLimitersLocked() {
	now := time.Now()
	for id, l := range d.limiters {
		if l.Limit() == rate.Inf || l.TokensAt(now) >= float64(l.Burst()) {
			delete(d.limiters, id)
		}
	}
}

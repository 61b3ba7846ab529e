// Package orchestrator wires the conversation engine together: inbound messages are
// deduplicated, attributed to a conversation and buffered; flushed turns are walked
// through the active flow, routed by the AI when the graph is ambiguous, checked for
// hand-off and committed together with their outbound messages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/buffer"
	"github.com/workspacemrqz/crmportilho-sub001/internal/events"
	"github.com/workspacemrqz/crmportilho-sub001/internal/flow"
	"github.com/workspacemrqz/crmportilho-sub001/internal/handoff"
	"github.com/workspacemrqz/crmportilho-sub001/internal/lock"
	"github.com/workspacemrqz/crmportilho-sub001/internal/metrics"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/router"
	"github.com/workspacemrqz/crmportilho-sub001/internal/store"
	"github.com/workspacemrqz/crmportilho-sub001/internal/util"
)

// Defaults for persistence retries and lock leases.
const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 200 * time.Millisecond
	DefaultLockTTL       = time.Minute
)

// Opts holds configuration options for the Engine.
type Opts struct {
	Locker        lock.Locker
	Publisher     events.Publisher
	Metrics       *metrics.Metrics
	RetryAttempts int
	RetryBackoff  time.Duration
	LockTTL       time.Duration
	BufferOptions []buffer.Option
	Clock         func() time.Time
}

// Option is a functional option for configuring the Engine.
type Option func(*Opts)

// WithLocker sets the per-conversation locker. Defaults to an in-process LocalLocker.
func WithLocker(l lock.Locker) Option {
	return func(o *Opts) { o.Locker = l }
}

// WithPublisher sets the domain event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Opts) { o.Publisher = p }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithRetry sets how often persistence failures are retried and the initial backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(o *Opts) {
		o.RetryAttempts = attempts
		o.RetryBackoff = backoff
	}
}

// WithLockTTL sets the lease used for conversation locks.
func WithLockTTL(d time.Duration) Option {
	return func(o *Opts) { o.LockTTL = d }
}

// WithBufferOptions passes options to the engine's message buffer.
func WithBufferOptions(opts ...buffer.Option) Option {
	return func(o *Opts) { o.BufferOptions = append(o.BufferOptions, opts...) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Engine is the conversation orchestration engine.
type Engine struct {
	store    store.Store
	registry *flow.Registry
	router   router.Router
	handoff  *handoff.Controller
	locker   lock.Locker
	events   events.Publisher
	metrics  *metrics.Metrics
	buffer   *buffer.Buffer

	retryAttempts int
	retryBackoff  time.Duration
	lockTTL       time.Duration
	now           func() time.Time
}

// NewEngine creates an Engine and its message buffer.
func NewEngine(st store.Store, registry *flow.Registry, r router.Router, h *handoff.Controller, opts ...Option) *Engine {
	cfg := Opts{
		RetryAttempts: DefaultRetryAttempts,
		RetryBackoff:  DefaultRetryBackoff,
		LockTTL:       DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewLocalLocker()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	e := &Engine{
		store:         st,
		registry:      registry,
		router:        r,
		handoff:       h,
		locker:        cfg.Locker,
		events:        cfg.Publisher,
		metrics:       cfg.Metrics,
		retryAttempts: cfg.RetryAttempts,
		retryBackoff:  cfg.RetryBackoff,
		lockTTL:       cfg.LockTTL,
		now:           cfg.Clock,
	}
	bufOpts := append([]buffer.Option{
		buffer.WithFlushHook(func(t buffer.Turn) { e.metrics.BufferFlush(len(t.Fragments)) }),
	}, cfg.BufferOptions...)
	e.buffer = buffer.New(e.handleTurn, bufOpts...)
	return e
}

// InboundResult reports what HandleInbound did with a message.
type InboundResult struct {
	ConversationID string `json:"conversation_id"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	Buffered       bool   `json:"buffered,omitempty"`
	HandedOff      bool   `json:"handed_off,omitempty"`
	Created        bool   `json:"created,omitempty"`
}

// HandleInbound accepts one inbound message. Lead messages are buffered for the next
// turn; operator messages hand the conversation off; echoes of bot messages are
// logged only. Redelivered message ids are reported as duplicates and ignored.
func (e *Engine) HandleInbound(ctx context.Context, msg models.InboundMessage) (*InboundResult, error) {
	if err := msg.Validate(); err != nil {
		slog.Warn("Engine.HandleInbound: dropping invalid message", "error", err, "messageID", msg.MessageID)
		e.metrics.Inbound("invalid")
		return nil, err
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = e.now()
	}

	var (
		conv    *models.Conversation
		created bool
	)
	err := e.retry(ctx, "Engine.HandleInbound", func(ctx context.Context) error {
		var err error
		conv, created, err = e.resolveConversation(ctx, &msg)
		return err
	})
	if err != nil {
		return nil, err
	}

	rec := store.InboundRecord{
		MessageID:      msg.MessageID,
		ConversationID: conv.ID,
		SenderType:     msg.Sender(),
		Text:           msg.FragmentText(),
		ReceivedAt:     msg.ReceivedAt,
	}
	var inserted bool
	err = e.retry(ctx, "Engine.HandleInbound", func(ctx context.Context) error {
		var err error
		inserted, err = e.store.RecordInbound(ctx, rec)
		if err != nil {
			return &models.PersistenceError{Op: "record inbound", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res := &InboundResult{ConversationID: conv.ID, Created: created}
	if !inserted {
		slog.Debug("Engine.HandleInbound: duplicate message ignored", "messageID", msg.MessageID, "conversationID", conv.ID)
		e.metrics.Inbound("duplicate")
		res.Duplicate = true
		return res, nil
	}
	e.metrics.Inbound("accepted")

	if !conv.IsActive() {
		e.markProcessed(ctx, rec.MessageID)
		return nil, fmt.Errorf("%w: %s", models.ErrConversationClosed, conv.ID)
	}

	sender := msg.Sender()
	if sender != models.SenderBot {
		if err := e.store.TouchConversation(ctx, conv.ID, msg.ReceivedAt); err != nil {
			slog.Warn("Engine.HandleInbound: touch failed", "conversationID", conv.ID, "error", err)
		}
	}

	if conv.IsHandedOff() {
		e.markProcessed(ctx, rec.MessageID)
		res.HandedOff = true
		return res, nil
	}
	if reason, ok := e.handoff.EvaluateInbound(sender, rec.Text); ok {
		if err := e.handOff(ctx, conv, reason, sender == models.SenderLead); err != nil {
			return nil, err
		}
		e.markProcessed(ctx, rec.MessageID)
		res.HandedOff = true
		return res, nil
	}
	if sender == models.SenderBot {
		e.markProcessed(ctx, rec.MessageID)
		return res, nil
	}

	e.ingest(ctx, conv, rec, created)
	res.Buffered = true
	return res, nil
}

// resolveConversation finds the conversation a message belongs to. Messages keyed by
// phone create a new conversation when the lead has no open one.
func (e *Engine) resolveConversation(ctx context.Context, msg *models.InboundMessage) (*models.Conversation, bool, error) {
	if msg.ConversationID != "" {
		conv, err := e.store.GetConversation(ctx, msg.ConversationID)
		if err != nil {
			return nil, false, &models.PersistenceError{Op: "get conversation", Err: err}
		}
		if conv == nil {
			return nil, false, fmt.Errorf("%w: %s", models.ErrConversationNotFound, msg.ConversationID)
		}
		return conv, false, nil
	}

	phone := strings.TrimSpace(msg.Phone)
	unlock, err := e.locker.Lock(ctx, "lead:"+phone, e.lockTTL)
	if err != nil {
		return nil, false, &models.PersistenceError{Op: "lock lead", Err: err}
	}
	defer unlock(context.WithoutCancel(ctx))

	conv, err := e.store.GetActiveConversationByPhone(ctx, phone)
	if err != nil {
		return nil, false, &models.PersistenceError{Op: "get conversation by phone", Err: err}
	}
	if conv != nil {
		return conv, false, nil
	}

	f, err := e.registry.Active(ctx)
	if err != nil {
		return nil, false, err
	}
	initial, ok := f.InitialStep()
	if !ok {
		return nil, false, fmt.Errorf("%w: flow %s has no initial step", models.ErrInvalidFlow, f.ID)
	}
	leadID := ""
	prev, err := e.store.GetLatestConversationByPhone(ctx, phone)
	if err != nil {
		return nil, false, &models.PersistenceError{Op: "get latest conversation", Err: err}
	}
	if prev != nil {
		leadID = prev.LeadID
	}
	if leadID == "" {
		leadID = util.GenerateLeadID()
	}

	now := e.now()
	conv = &models.Conversation{
		ID:             util.GenerateConversationID(),
		LeadID:         leadID,
		Phone:          phone,
		Protocol:       util.GenerateProtocol(now),
		CurrentStepID:  initial.ID,
		CollectedData:  map[string]string{},
		HandoffState:   models.HandoffNone,
		LastActivityAt: msg.ReceivedAt,
		Status:         models.ConversationActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if name := strings.TrimSpace(msg.ContactName); name != "" && msg.Sender() == models.SenderLead {
		conv.CollectedData[models.ContactNameKey] = name
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, &models.PersistenceError{Op: "create conversation", Err: err}
	}
	slog.Info("Engine.resolveConversation: created conversation", "conversationID", conv.ID, "leadID", leadID, "protocol", conv.Protocol, "step", conv.CurrentStepID)
	return conv, true, nil
}

// ingest hands a recorded lead message to the buffer, sizing the window from the
// conversation's current step.
func (e *Engine) ingest(ctx context.Context, conv *models.Conversation, rec store.InboundRecord, first bool) {
	var window time.Duration
	if f, err := e.registry.Active(ctx); err == nil {
		if step, ok := f.Step(conv.CurrentStepID); ok {
			window = step.BufferWindow()
		}
	}
	e.buffer.Ingest(conv.ID, buffer.Fragment{
		MessageID:  rec.MessageID,
		Text:       rec.Text,
		ReceivedAt: rec.ReceivedAt,
		First:      first,
		Window:     window,
	})
}

// Replay re-buffers an inbound record that was logged but never processed.
func (e *Engine) Replay(ctx context.Context, rec store.InboundRecord) error {
	conv, err := e.store.GetConversation(ctx, rec.ConversationID)
	if err != nil {
		return &models.PersistenceError{Op: "get conversation", Err: err}
	}
	if conv == nil || !conv.IsActive() || conv.IsHandedOff() || rec.SenderType != models.SenderLead {
		e.markProcessed(ctx, rec.MessageID)
		return nil
	}
	e.ingest(ctx, conv, rec, false)
	return nil
}

// handOff moves a conversation to permanent hand-off outside of a turn. Lead
// triggered hand-offs also queue the generic hand-off message.
func (e *Engine) handOff(ctx context.Context, conv *models.Conversation, reason models.HandoffReason, notify bool) error {
	at := e.now()
	var changed bool
	err := e.retry(ctx, "Engine.handOff", func(ctx context.Context) error {
		var err error
		changed, err = e.store.MarkHandoff(ctx, conv.ID, reason, at)
		if err != nil {
			return &models.PersistenceError{Op: "mark handoff", Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if notify {
		msg := e.handoffMessage(conv)
		err := e.retry(ctx, "Engine.handOff", func(ctx context.Context) error {
			if _, _, err := e.store.EnqueueOutboxMessage(ctx, msg); err != nil {
				return &models.PersistenceError{Op: "enqueue handoff message", Err: err}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	slog.Info("Engine.handOff: conversation handed off", "conversationID", conv.ID, "reason", reason)
	e.metrics.Handoff(string(reason))
	e.publish(ctx, events.TypeHandoff, conv.ID, events.Handoff{
		ConversationID: conv.ID,
		LeadID:         conv.LeadID,
		Phone:          conv.Phone,
		Protocol:       conv.Protocol,
		StepID:         conv.CurrentStepID,
		Reason:         string(reason),
		At:             at,
	})
	return nil
}

func (e *Engine) handoffMessage(conv *models.Conversation) models.OutboundMessage {
	return models.OutboundMessage{
		ConversationID: conv.ID,
		To:             conv.Phone,
		Body:           flow.Expand(e.handoff.Message(), conv.PlaceholderContext()),
		Kind:           models.OutboundHandoff,
		IdempotencyKey: "handoff:" + conv.ID,
	}
}

// SendOperatorMessage queues a message typed by a human operator. Operator messages
// hand the conversation off permanently.
func (e *Engine) SendOperatorMessage(ctx context.Context, conversationID, text string) error {
	if strings.TrimSpace(text) == "" {
		return &models.ValidationError{Field: "text", Reason: "message text is required"}
	}
	conv, err := e.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsActive() {
		return fmt.Errorf("%w: %s", models.ErrConversationClosed, conversationID)
	}
	if err := e.handOff(ctx, conv, models.HandoffReasonOperator, false); err != nil {
		return err
	}
	return e.retry(ctx, "Engine.SendOperatorMessage", func(ctx context.Context) error {
		_, _, err := e.store.EnqueueOutboxMessage(ctx, models.OutboundMessage{
			ConversationID: conv.ID,
			To:             conv.Phone,
			Body:           text,
			Kind:           models.OutboundManual,
		})
		if err != nil {
			return &models.PersistenceError{Op: "enqueue operator message", Err: err}
		}
		return nil
	})
}

// GetConversation returns the conversation state or ErrConversationNotFound.
func (e *Engine) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return nil, &models.PersistenceError{Op: "get conversation", Err: err}
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrConversationNotFound, id)
	}
	return conv, nil
}

// CloseConversation force-closes a conversation on behalf of an operator. Closing an
// already closed conversation is a no-op.
func (e *Engine) CloseConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := e.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	at := e.now()
	closed, err := e.store.CloseConversation(ctx, id, at)
	if err != nil {
		return nil, &models.PersistenceError{Op: "close conversation", Err: err}
	}
	if closed {
		slog.Info("Engine.CloseConversation: closed by operator", "conversationID", id)
		e.publish(ctx, events.TypeConversationClosed, id, events.ConversationClosed{
			ConversationID: id,
			LeadID:         conv.LeadID,
			StepID:         conv.CurrentStepID,
			By:             "operator",
			At:             at,
		})
	}
	return e.GetConversation(ctx, id)
}

// Flush processes the conversation's open buffer window immediately.
func (e *Engine) Flush(conversationID string) {
	e.buffer.FlushNow(conversationID)
}

// Pending reports whether the conversation has buffered or queued work.
func (e *Engine) Pending(conversationID string) bool {
	return e.buffer.Pending(conversationID)
}

// Shutdown flushes open buffer windows and waits for in-flight turns.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.buffer.Close(ctx)
}

func (e *Engine) markProcessed(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	err := e.retry(ctx, "Engine.markProcessed", func(ctx context.Context) error {
		if err := e.store.MarkProcessed(ctx, ids...); err != nil {
			return &models.PersistenceError{Op: "mark processed", Err: err}
		}
		return nil
	})
	if err != nil {
		slog.Error("Engine.markProcessed: giving up", "messageIDs", ids, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, eventType, conversationID string, data any) {
	if err := e.events.Publish(ctx, eventType, events.NewEnvelope(eventType, conversationID, data)); err != nil {
		slog.Warn("Engine.publish: event not published", "type", eventType, "conversationID", conversationID, "error", err)
	}
}

// retry runs fn until it succeeds, fails with something other than a
// PersistenceError, or the attempts are used up. Backoff doubles between attempts.
func (e *Engine) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := e.retryBackoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		var perr *models.PersistenceError
		if err == nil || !errors.As(err, &perr) || attempt >= e.retryAttempts {
			return err
		}
		slog.Warn(op+": persistence failure, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		backoff *= 2
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/buffer"
	"github.com/workspacemrqz/crmportilho-sub001/internal/events"
	"github.com/workspacemrqz/crmportilho-sub001/internal/flow"
	"github.com/workspacemrqz/crmportilho-sub001/internal/handoff"
	"github.com/workspacemrqz/crmportilho-sub001/internal/metrics"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/router"
)

// TurnResult describes the outcome of one orchestration cycle.
type TurnResult struct {
	ConversationID string
	Outcome        string
	FromStepID     string
	ToStepID       string
	HandoffReason  models.HandoffReason
	Outbound       []models.OutboundMessage
	AIError        error
}

// handleTurn is the buffer handler. Persistence failures are retried; a turn that
// still fails is dropped and reported.
func (e *Engine) handleTurn(ctx context.Context, turn buffer.Turn) {
	ids := turn.MessageIDs()
	err := e.retry(ctx, "Engine.ProcessTurn", func(ctx context.Context) error {
		_, err := e.ProcessTurn(ctx, turn.ConversationID, turn.Text(), ids)
		return err
	})
	if err == nil {
		return
	}
	slog.Error("Engine.handleTurn: dropping turn", "conversationID", turn.ConversationID, "messageIDs", ids, "error", err)
	e.metrics.TurnDropped()
	e.publish(ctx, events.TypeTurnDropped, turn.ConversationID, events.TurnDropped{
		ConversationID: turn.ConversationID,
		MessageIDs:     ids,
		Error:          err.Error(),
	})
}

// ProcessTurn runs one orchestration cycle for the flushed text of a conversation
// under the conversation lock. messageIDs are the inbound records the turn consumes;
// they are marked processed once the cycle is committed.
func (e *Engine) ProcessTurn(ctx context.Context, conversationID, text string, messageIDs []string) (*TurnResult, error) {
	unlock, err := e.locker.Lock(ctx, "conv:"+conversationID, e.lockTTL)
	if err != nil {
		return nil, &models.PersistenceError{Op: "lock conversation", Err: err}
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Engine.ProcessTurn: unlock failed", "conversationID", conversationID, "error", err)
		}
	}()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, &models.PersistenceError{Op: "get conversation", Err: err}
	}
	if conv == nil {
		e.markProcessed(ctx, messageIDs...)
		return nil, fmt.Errorf("%w: %s", models.ErrConversationNotFound, conversationID)
	}
	if conv.IsHandedOff() || !conv.IsActive() {
		slog.Debug("Engine.ProcessTurn: bot inactive, skipping turn", "conversationID", conv.ID, "handoff", conv.HandoffState, "status", conv.Status)
		e.markProcessed(ctx, messageIDs...)
		e.metrics.Turn(metrics.OutcomeSkipped)
		return &TurnResult{ConversationID: conv.ID, Outcome: metrics.OutcomeSkipped, FromStepID: conv.CurrentStepID, ToStepID: conv.CurrentStepID}, nil
	}

	f, err := e.registry.Active(ctx)
	if err != nil {
		return nil, err
	}

	next := conv.Clone()
	res := e.orchestrate(ctx, f, next, text, turnKey(conv.ID, messageIDs))
	if err := e.store.CommitTurn(ctx, next, res.Outbound); err != nil {
		return nil, &models.PersistenceError{Op: "commit turn", Err: err}
	}
	e.markProcessed(ctx, messageIDs...)

	slog.Info("Engine.ProcessTurn: turn committed", "conversationID", conv.ID, "outcome", res.Outcome, "from", res.FromStepID, "to", res.ToStepID, "outbound", len(res.Outbound))
	e.metrics.Turn(res.Outcome)
	e.announce(ctx, f, next, res)
	return res, nil
}

// orchestrate mutates conv with the result of one cycle and returns the messages to
// send. It never fails: routing problems become a hand-off.
func (e *Engine) orchestrate(ctx context.Context, f *models.Flow, conv *models.Conversation, text, key string) *TurnResult {
	now := e.now()
	res := &TurnResult{ConversationID: conv.ID, FromStepID: conv.CurrentStepID}
	sig := handoff.Signals{Text: text}

	var (
		reply  string
		target *models.Step
	)
	step, ok := f.Step(conv.CurrentStepID)
	switch {
	case !ok:
		slog.Warn("Engine.orchestrate: current step not in flow", "conversationID", conv.ID, "step", conv.CurrentStepID, "flowID", f.ID)
		sig.MissingStep = true
	case step.IsDeterministic():
		id := step.Transitions[0].TargetStepID
		if target, ok = f.Step(id); !ok {
			slog.Warn("Engine.orchestrate: transition target not in flow", "conversationID", conv.ID, "step", step.ID, "target", id)
			sig.MissingStep = true
			target = nil
		} else {
			reply = target.Prompt
		}
	case step.IsTerminal():
		// Left over from an interrupted close.
		conv.Status = models.ConversationClosed
	default:
		dec, err := e.route(ctx, f, step, conv, text)
		if err != nil {
			sig.RouteErr = err
			res.AIError = err
			break
		}
		conv.MergeData(dec.CollectedData)
		sig.AIRequested = dec.Handoff
		reply = dec.ReplyText
		if dec.NextStepID != "" {
			if target, ok = f.Step(dec.NextStepID); !ok {
				sig.MissingStep = true
				target = nil
			} else if reply == "" {
				reply = target.Prompt
			}
		}
	}

	sig.Step = step
	if target != nil {
		sig.Step = target
		conv.CurrentStepID = target.ID
	}
	conv.Touch(now)

	reason, handOff := e.handoff.Evaluate(sig)
	switch {
	case handOff:
		conv.MarkHandoff(reason, now)
		res.HandoffReason = reason
		res.Outcome = metrics.OutcomeHandoff
		if (reason == models.HandoffReasonCategory || reason == models.HandoffReasonAIRequested) && reply != "" {
			res.Outbound = append(res.Outbound, e.reply(conv, reply, key))
		} else {
			res.Outbound = append(res.Outbound, e.handoffMessage(conv))
		}
	case conv.Status == models.ConversationClosed:
		res.Outcome = metrics.OutcomeClosed
	default:
		if reply != "" {
			res.Outbound = append(res.Outbound, e.reply(conv, reply, key))
		}
		res.Outcome = metrics.OutcomeStayed
		if target != nil && target.ID != res.FromStepID {
			res.Outcome = metrics.OutcomeAdvanced
		}
		if target != nil && target.IsTerminal() {
			conv.Status = models.ConversationClosed
			res.Outcome = metrics.OutcomeClosed
		}
	}
	res.ToStepID = conv.CurrentStepID
	return res
}

// route asks the AI router for a decision. Anything it returns as an error is an
// AIError.
func (e *Engine) route(ctx context.Context, f *models.Flow, step *models.Step, conv *models.Conversation, text string) (*router.Decision, error) {
	req := router.Request{
		GlobalPrompt:  f.GlobalPrompt,
		Step:          *step,
		ValidTargets:  router.TargetsFor(f, step),
		Text:          text,
		CollectedData: conv.CollectedData,
	}
	start := time.Now()
	dec, err := e.router.Route(ctx, req)
	if err != nil {
		var aiErr *models.AIError
		if !errors.As(err, &aiErr) {
			aiErr = &models.AIError{Kind: models.AIErrorTransport, Err: err}
			err = aiErr
		}
		e.metrics.ObserveAI(time.Since(start), string(aiErr.Kind))
		slog.Warn("Engine.route: routing failed", "conversationID", conv.ID, "step", step.ID, "kind", aiErr.Kind, "error", err)
		return nil, err
	}
	e.metrics.ObserveAI(time.Since(start), "ok")
	return dec, nil
}

func (e *Engine) reply(conv *models.Conversation, body, key string) models.OutboundMessage {
	return models.OutboundMessage{
		ConversationID: conv.ID,
		To:             conv.Phone,
		Body:           flow.Expand(body, conv.PlaceholderContext()),
		Kind:           models.OutboundReply,
		IdempotencyKey: key,
	}
}

// announce publishes the events and metrics for a committed turn.
func (e *Engine) announce(ctx context.Context, f *models.Flow, conv *models.Conversation, res *TurnResult) {
	if res.ToStepID != res.FromStepID {
		e.publish(ctx, events.TypeStepChanged, conv.ID, events.StepChanged{
			ConversationID: conv.ID,
			LeadID:         conv.LeadID,
			FromStepID:     res.FromStepID,
			ToStepID:       res.ToStepID,
			FlowID:         f.ID,
			FlowVersion:    f.Version,
			CollectedData:  conv.CollectedData,
		})
	}
	if res.HandoffReason != "" {
		e.metrics.Handoff(string(res.HandoffReason))
		e.publish(ctx, events.TypeHandoff, conv.ID, events.Handoff{
			ConversationID: conv.ID,
			LeadID:         conv.LeadID,
			Phone:          conv.Phone,
			Protocol:       conv.Protocol,
			StepID:         conv.CurrentStepID,
			Reason:         string(res.HandoffReason),
			At:             *conv.HandoffAt,
		})
	}
	if res.Outcome == metrics.OutcomeClosed {
		e.publish(ctx, events.TypeConversationClosed, conv.ID, events.ConversationClosed{
			ConversationID: conv.ID,
			LeadID:         conv.LeadID,
			StepID:         conv.CurrentStepID,
			By:             "flow",
			At:             conv.LastActivityAt,
		})
	}
}

// turnKey derives the reply idempotency key from the last message of the turn, so a
// retried cycle for the same fragments can never enqueue a second reply.
func turnKey(conversationID string, messageIDs []string) string {
	if len(messageIDs) == 0 {
		return ""
	}
	return "reply:" + conversationID + ":" + messageIDs[len(messageIDs)-1]
}

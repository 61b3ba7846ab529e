// Package router is the AI Routing Client. It asks the LLM for a reply and a
// proposed next step, and rejects any answer that falls outside the contract.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

// DefaultTimeout bounds a single routing call.
const DefaultTimeout = 20 * time.Second

// Target is a step the conversation may move to.
type Target struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Request carries everything the model sees for one turn.
type Request struct {
	GlobalPrompt  string
	Step          models.Step
	ValidTargets  []Target
	Text          string
	CollectedData map[string]string
}

// TargetIDs returns the ids of the valid targets.
func (r Request) TargetIDs() []string {
	ids := make([]string, 0, len(r.ValidTargets))
	for _, t := range r.ValidTargets {
		ids = append(ids, t.ID)
	}
	return ids
}

// Decision is a validated routing answer. NextStepID is empty when the
// conversation stays on the current step.
type Decision struct {
	ReplyText     string
	NextStepID    string
	CollectedData map[string]string
	Handoff       bool
}

// Router resolves one turn. Every failure is returned as *models.AIError.
type Router interface {
	Route(ctx context.Context, req Request) (*Decision, error)
}

// Generator produces a JSON completion.
type Generator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Opts holds configuration options for the AIRouter.
type Opts struct {
	Timeout time.Duration
}

// Option defines a configuration option for the AIRouter.
type Option func(*Opts)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// AIRouter implements Router on top of a JSON-mode LLM client. It never retries.
type AIRouter struct {
	gen     Generator
	timeout time.Duration
}

var _ Router = (*AIRouter)(nil)

// New creates an AIRouter.
func New(gen Generator, opts ...Option) *AIRouter {
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &AIRouter{gen: gen, timeout: cfg.Timeout}
}

// Route calls the model and validates its answer against req.ValidTargets.
func (r *AIRouter) Route(ctx context.Context, req Request) (*Decision, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	system := BuildSystemPrompt(req)
	user, err := BuildUserPrompt(req)
	if err != nil {
		return nil, &models.AIError{Kind: models.AIErrorMalformed, Err: err}
	}

	start := time.Now()
	raw, err := r.gen.GenerateJSON(callCtx, system, user)
	elapsed := time.Since(start)
	if err != nil {
		kind := models.AIErrorTransport
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			kind = models.AIErrorTimeout
		}
		slog.Warn("AIRouter.Route: call failed", "step", req.Step.ID, "kind", kind, "elapsed", elapsed, "error", err)
		return nil, &models.AIError{Kind: kind, Err: err}
	}

	decision, err := ParseDecision(raw, req.TargetIDs())
	if err != nil {
		slog.Warn("AIRouter.Route: rejected answer", "step", req.Step.ID, "error", err, "raw", raw)
		return nil, err
	}
	slog.Debug("AIRouter.Route: decision", "step", req.Step.ID, "next", decision.NextStepID, "handoff", decision.Handoff, "elapsed", elapsed)
	return decision, nil
}

type wireResponse struct {
	ReplyText     string          `json:"replyText"`
	NextStepID    *string         `json:"nextStepId"`
	CollectedData map[string]any  `json:"collectedData"`
	Handoff       json.RawMessage `json:"handoff"`
}

// ParseDecision decodes a model answer and validates nextStepId against valid.
// Markdown code fences around the JSON are tolerated.
func ParseDecision(raw string, valid []string) (*Decision, error) {
	body := stripFences(raw)
	if body == "" {
		return nil, &models.AIError{Kind: models.AIErrorMalformed, Err: errors.New("empty response")}
	}
	var w wireResponse
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return nil, &models.AIError{Kind: models.AIErrorMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}

	d := &Decision{ReplyText: strings.TrimSpace(w.ReplyText), Handoff: parseLooseBool(w.Handoff)}
	if w.NextStepID != nil {
		next := strings.TrimSpace(*w.NextStepID)
		switch strings.ToLower(next) {
		case "", "null", "none":
		default:
			d.NextStepID = next
		}
	}
	if d.NextStepID != "" && !contains(valid, d.NextStepID) {
		return nil, &models.AIError{
			Kind: models.AIErrorInvalidStep,
			Err:  fmt.Errorf("step %q is not one of %v", d.NextStepID, valid),
		}
	}
	if d.ReplyText == "" && d.NextStepID == "" && !d.Handoff {
		return nil, &models.AIError{Kind: models.AIErrorMalformed, Err: errors.New("response has neither reply nor next step")}
	}
	if len(w.CollectedData) > 0 {
		d.CollectedData = make(map[string]string, len(w.CollectedData))
		for k, v := range w.CollectedData {
			if s := stringify(v); k != "" && s != "" {
				d.CollectedData[k] = s
			}
		}
	}
	return d, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func parseLooseBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "sim":
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64, bool:
		return fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

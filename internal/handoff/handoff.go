// Package handoff is the Hand-off Controller: it decides when a conversation must
// leave the bot for a human operator. The decision is one-way; once a conversation
// is handed off no trigger is evaluated again.
package handoff

import (
	"errors"
	"strings"
	"unicode"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultKeywords are matched against lead text after case and accent folding.
var DefaultKeywords = []string{
	"atendente",
	"humano",
	"pessoa real",
	"falar com alguem",
	"falar com uma pessoa",
	"corretor",
	"gerente",
}

// DefaultCategories are the step categories that always require a human.
var DefaultCategories = []string{"human"}

// DefaultMessage is sent to the lead when the bot steps aside with nothing else to say.
const DefaultMessage = "Obrigado! Um de nossos atendentes vai continuar o seu atendimento em instantes."

// Opts holds configuration options for the Controller.
type Opts struct {
	Keywords   []string
	Categories []string
	Message    string
}

// Option defines a configuration option for the Controller.
type Option func(*Opts)

// WithKeywords replaces the keyword list. An empty list disables keyword hand-off.
func WithKeywords(kw []string) Option {
	return func(o *Opts) { o.Keywords = kw }
}

// WithCategories replaces the requires-human category list.
func WithCategories(c []string) Option {
	return func(o *Opts) { o.Categories = c }
}

// WithMessage sets the generic hand-off message.
func WithMessage(msg string) Option {
	return func(o *Opts) {
		if strings.TrimSpace(msg) != "" {
			o.Message = msg
		}
	}
}

// Controller evaluates hand-off triggers.
type Controller struct {
	keywords   []string
	categories map[string]bool
	message    string
}

// New creates a Controller.
func New(opts ...Option) *Controller {
	cfg := Opts{Keywords: DefaultKeywords, Categories: DefaultCategories, Message: DefaultMessage}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Controller{categories: make(map[string]bool), message: cfg.Message}
	for _, kw := range cfg.Keywords {
		if k := fold(kw); k != "" {
			c.keywords = append(c.keywords, k)
		}
	}
	for _, cat := range cfg.Categories {
		if k := strings.ToLower(strings.TrimSpace(cat)); k != "" {
			c.categories[k] = true
		}
	}
	return c
}

// Message returns the generic hand-off message.
func (c *Controller) Message() string { return c.message }

// MatchKeyword reports the first configured keyword contained in text as a whole
// word or phrase, ignoring case and accents.
func (c *Controller) MatchKeyword(text string) (string, bool) {
	if len(c.keywords) == 0 {
		return "", false
	}
	haystack := " " + fold(text) + " "
	for _, kw := range c.keywords {
		if strings.Contains(haystack, " "+kw+" ") {
			return kw, true
		}
	}
	return "", false
}

// RequiresHuman reports whether step belongs to a requires-human category.
func (c *Controller) RequiresHuman(step *models.Step) bool {
	if step == nil || step.Category == "" {
		return false
	}
	return c.categories[strings.ToLower(strings.TrimSpace(step.Category))]
}

// Signals are the observations from one orchestration cycle.
type Signals struct {
	// Text is the lead text of the turn.
	Text string
	// Step is the step the conversation resolved to, if any.
	Step *models.Step
	// RouteErr is the routing failure, if any.
	RouteErr error
	// AIRequested is set when the router asked for a human.
	AIRequested bool
	// MissingStep is set when the current or target step could not be resolved.
	MissingStep bool
}

// Evaluate returns the first hand-off trigger that fires for the cycle.
func (c *Controller) Evaluate(s Signals) (models.HandoffReason, bool) {
	var aiErr *models.AIError
	switch {
	case s.MissingStep:
		return models.HandoffReasonMissingTarget, true
	case s.RouteErr != nil && errors.As(s.RouteErr, &aiErr):
		return models.HandoffReasonAIError, true
	}
	if _, ok := c.MatchKeyword(s.Text); ok {
		return models.HandoffReasonKeyword, true
	}
	if c.RequiresHuman(s.Step) {
		return models.HandoffReasonCategory, true
	}
	if s.AIRequested {
		return models.HandoffReasonAIRequested, true
	}
	return "", false
}

// EvaluateInbound checks a single inbound message before it is buffered. Operator
// messages always hand off; lead messages hand off on a keyword.
func (c *Controller) EvaluateInbound(sender models.SenderType, text string) (models.HandoffReason, bool) {
	if sender == models.SenderOperator {
		return models.HandoffReasonOperator, true
	}
	if sender == models.SenderBot {
		return "", false
	}
	if _, ok := c.MatchKeyword(text); ok {
		return models.HandoffReasonKeyword, true
	}
	return "", false
}

// fold lower-cases s, strips accents and collapses everything that is not a letter
// or digit into single spaces. A transform.Chain carries state between calls, so
// each call builds its own.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

package router

import (
	"encoding/json"
	"strings"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

const contractInstructions = `You route a WhatsApp sales conversation through a fixed graph of steps.
Answer with a single JSON object and nothing else:
{"replyText": string, "nextStepId": string or null, "collectedData": object (optional), "handoff": boolean (optional)}
- replyText is the message sent to the lead, in the lead's language.
- nextStepId must be one of validTargets, or null to stay on the current step.
- collectedData holds facts the lead provided in this turn, as short string values.
- Set handoff to true only when a human operator must take over.`

// BuildSystemPrompt combines the flow's global prompt with the response contract.
func BuildSystemPrompt(req Request) string {
	var b strings.Builder
	if gp := strings.TrimSpace(req.GlobalPrompt); gp != "" {
		b.WriteString(gp)
		b.WriteString("\n\n")
	}
	b.WriteString(contractInstructions)
	return b.String()
}

type promptStep struct {
	ID                  string `json:"id"`
	Name                string `json:"name,omitempty"`
	Objective           string `json:"objective,omitempty"`
	Prompt              string `json:"prompt,omitempty"`
	RoutingInstructions string `json:"routingInstructions,omitempty"`
}

type promptPayload struct {
	CurrentStep   promptStep        `json:"currentStep"`
	ValidTargets  []Target          `json:"validTargets"`
	CollectedData map[string]string `json:"collectedData,omitempty"`
	Message       string            `json:"message"`
}

// BuildUserPrompt renders the turn as JSON so that ids and labels reach the model
// verbatim.
func BuildUserPrompt(req Request) (string, error) {
	targets := req.ValidTargets
	if targets == nil {
		targets = []Target{}
	}
	payload := promptPayload{
		CurrentStep: promptStep{
			ID:                  req.Step.ID,
			Name:                req.Step.Name,
			Objective:           req.Step.Objective,
			Prompt:              req.Step.Prompt,
			RoutingInstructions: req.Step.RoutingInstructions,
		},
		ValidTargets:  targets,
		CollectedData: req.CollectedData,
		Message:       req.Text,
	}
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}

// TargetsFor returns the steps a router may choose from: the step's transitions,
// or every step of the flow when an AI step declares none.
func TargetsFor(flow *models.Flow, step *models.Step) []Target {
	seen := make(map[string]bool)
	var out []Target
	for _, t := range step.Transitions {
		if t.TargetStepID == "" || seen[t.TargetStepID] {
			continue
		}
		seen[t.TargetStepID] = true
		out = append(out, Target{ID: t.TargetStepID, Label: t.Label})
	}
	if len(out) > 0 || !step.IsAI {
		return out
	}
	for _, s := range flow.Steps {
		if s.ID != step.ID {
			out = append(out, Target{ID: s.ID, Label: s.Name})
		}
	}
	return out
}

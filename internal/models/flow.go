package models

import (
	"fmt"
	"time"
)

// Transition is an edge from one step to another.
type Transition struct {
	Label        string `json:"label" yaml:"label"`
	TargetStepID string `json:"target_step_id" yaml:"target"`
}

// Step is a node in the flow graph.
type Step struct {
	ID                  string       `json:"id" yaml:"id"`
	Name                string       `json:"name" yaml:"name"`
	Objective           string       `json:"objective,omitempty" yaml:"objective"`
	Prompt              string       `json:"prompt,omitempty" yaml:"prompt"`
	RoutingInstructions string       `json:"routing_instructions,omitempty" yaml:"routingInstructions"`
	BufferSeconds       int          `json:"buffer_seconds,omitempty" yaml:"bufferSeconds"`
	IsAI                bool         `json:"is_ai" yaml:"isAI"`
	Category            string       `json:"category,omitempty" yaml:"category"`
	Transitions         []Transition `json:"transitions,omitempty" yaml:"transitions"`
}

// IsDeterministic reports whether the step resolves without consulting the AI router.
func (s *Step) IsDeterministic() bool {
	return !s.IsAI && len(s.Transitions) == 1
}

// IsTerminal reports whether entering the step ends the conversation.
func (s *Step) IsTerminal() bool {
	return !s.IsAI && len(s.Transitions) == 0
}

// BufferWindow returns the step's buffer override, or zero when unset.
func (s *Step) BufferWindow() time.Duration {
	if s.BufferSeconds <= 0 {
		return 0
	}
	return time.Duration(s.BufferSeconds) * time.Second
}

// TargetIDs returns the transition targets in declaration order, without duplicates.
func (s *Step) TargetIDs() []string {
	seen := make(map[string]bool, len(s.Transitions))
	ids := make([]string, 0, len(s.Transitions))
	for _, t := range s.Transitions {
		if t.TargetStepID == "" || seen[t.TargetStepID] {
			continue
		}
		seen[t.TargetStepID] = true
		ids = append(ids, t.TargetStepID)
	}
	return ids
}

// Flow is a versioned snapshot of a step graph. A snapshot is passed into every
// orchestration call and is never mutated by the engine.
type Flow struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	Version       int       `json:"version" yaml:"-"`
	GlobalPrompt  string    `json:"global_prompt,omitempty" yaml:"globalPrompt"`
	InitialStepID string    `json:"initial_step_id,omitempty" yaml:"initialStep"`
	Active        bool      `json:"active" yaml:"-"`
	Steps         []Step    `json:"steps" yaml:"steps"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"-"`
}

// Step looks up a step by id.
func (f *Flow) Step(id string) (*Step, bool) {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i], true
		}
	}
	return nil, false
}

// InitialStep returns the entry step: InitialStepID when set, else the first step.
func (f *Flow) InitialStep() (*Step, bool) {
	if f.InitialStepID != "" {
		return f.Step(f.InitialStepID)
	}
	if len(f.Steps) == 0 {
		return nil, false
	}
	return &f.Steps[0], true
}

// StepIDs returns every step id in declaration order.
func (f *Flow) StepIDs() []string {
	ids := make([]string, 0, len(f.Steps))
	for _, s := range f.Steps {
		ids = append(ids, s.ID)
	}
	return ids
}

// Validate checks the structural invariants of a flow definition. Transition targets
// are not required to resolve here; an unresolved target hands the conversation off
// when it is reached.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: flow id is required", ErrInvalidFlow)
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("%w: flow %s has no steps", ErrInvalidFlow, f.ID)
	}
	seen := make(map[string]bool, len(f.Steps))
	for _, s := range f.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: flow %s has a step without id", ErrInvalidFlow, f.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q in flow %s", ErrInvalidFlow, s.ID, f.ID)
		}
		seen[s.ID] = true
		if s.BufferSeconds < 0 {
			return fmt.Errorf("%w: step %q has negative bufferSeconds", ErrInvalidFlow, s.ID)
		}
	}
	if f.InitialStepID != "" && !seen[f.InitialStepID] {
		return fmt.Errorf("%w: initial step %q not found in flow %s", ErrInvalidFlow, f.InitialStepID, f.ID)
	}
	return nil
}

// DanglingTransitions lists "from->to" edges whose target does not exist.
func (f *Flow) DanglingTransitions() []string {
	var out []string
	for _, s := range f.Steps {
		for _, t := range s.Transitions {
			if _, ok := f.Step(t.TargetStepID); !ok {
				out = append(out, s.ID+"->"+t.TargetStepID)
			}
		}
	}
	return out
}

// Clone returns a deep copy of the flow.
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Steps = make([]Step, len(f.Steps))
	for i, s := range f.Steps {
		cp.Steps[i] = s
		cp.Steps[i].Transitions = append([]Transition(nil), s.Transitions...)
	}
	return &cp
}

// RenameStep renames a step and rewrites every transition that references it, in
// place. Both keys are validated before anything is changed.
func (f *Flow) RenameStep(oldID, newID string) error {
	if oldID == "" || newID == "" {
		return fmt.Errorf("%w: step ids must not be empty", ErrInvalidFlow)
	}
	if oldID == newID {
		return nil
	}
	if _, ok := f.Step(newID); ok {
		return fmt.Errorf("%w: step %q already exists", ErrInvalidFlow, newID)
	}
	step, ok := f.Step(oldID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStepNotFound, oldID)
	}
	step.ID = newID
	for i := range f.Steps {
		for j := range f.Steps[i].Transitions {
			if f.Steps[i].Transitions[j].TargetStepID == oldID {
				f.Steps[i].Transitions[j].TargetStepID = newID
			}
		}
	}
	if f.InitialStepID == oldID {
		f.InitialStepID = newID
	}
	return nil
}

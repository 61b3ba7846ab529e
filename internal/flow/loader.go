package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/store"
	"gopkg.in/yaml.v3"
)

// Definition is the on-disk seed format: one flow plus its follow-up messages.
type Definition struct {
	Flow      models.Flow              `yaml:"flow" json:"flow"`
	Followups []models.FollowupMessage `yaml:"followups" json:"followups"`
}

// LoadFile reads a flow definition from a YAML or JSON file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	return Parse(data, strings.ToLower(filepath.Ext(path)) == ".json")
}

// Parse decodes a definition. JSON is used when asJSON is set, YAML otherwise.
func Parse(data []byte, asJSON bool) (*Definition, error) {
	var def Definition
	if asJSON {
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse flow json: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse flow yaml: %w", err)
	}
	if err := def.Flow.Validate(); err != nil {
		return nil, err
	}
	for _, f := range def.Followups {
		if f.ID == "" || f.DelayMinutes <= 0 {
			return nil, fmt.Errorf("%w: follow-up %q needs an id and a positive delayMinutes", models.ErrInvalidFlow, f.ID)
		}
	}
	return &def, nil
}

// Seeder is the subset of the store needed to install a definition.
type Seeder interface {
	store.FlowRepo
	SaveFollowupMessage(ctx context.Context, m models.FollowupMessage) error
}

// Seed saves the definition's flow as the active flow and upserts its follow-ups.
func Seed(ctx context.Context, s Seeder, def *Definition) error {
	f := def.Flow
	f.Active = true
	version, err := s.SaveFlow(ctx, &f)
	if err != nil {
		return fmt.Errorf("seed flow %s: %w", f.ID, err)
	}
	for _, m := range def.Followups {
		if err := s.SaveFollowupMessage(ctx, m); err != nil {
			return fmt.Errorf("seed follow-up %s: %w", m.ID, err)
		}
	}
	slog.Info("flow.Seed: installed flow", "flowID", f.ID, "version", version, "steps", len(f.Steps), "followups", len(def.Followups))
	return nil
}

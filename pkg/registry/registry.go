// Package registry holds the immutable workflow definitions the engine interprets.
package registry

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound          = errors.New("workflow definition not found")
	ErrInvalidDefinition = errors.New("invalid workflow definition")
)

//go:embed workflows.yaml
var referenceDefinitions []byte

var knownNextActions = map[models.NextAction]struct{}{
	models.NextStepAction:           {},
	models.CompleteWorkflowAction:   {},
	models.EndWorkflowAction:        {},
	models.CancelWorkflowAction:     {},
	models.EscalateAction:           {},
	models.AutoApproveAction:        {},
	models.ManualInterventionAction: {},
	models.RequestChangesAction:     {},
}

// Registry is safe for concurrent use because it is never mutated after New.
type Registry struct {
	definitions map[string]models.WorkflowDefinition
	warnings    []string
}

type document struct {
	Workflows []models.WorkflowDefinition `yaml:"workflows"`
}

// New validates defs and builds a registry. Step defaults (required approvals,
// empty maps) are filled in here so the engine never sees a zero value.
func New(defs ...models.WorkflowDefinition) (*Registry, error) {
	r := &Registry{definitions: make(map[string]models.WorkflowDefinition, len(defs))}
	for _, def := range defs {
		if _, dup := r.definitions[def.ID]; dup {
			return nil, errors.Wrapf(ErrInvalidDefinition, "duplicate definition id %q", def.ID)
		}
		warnings, err := validate(def)
		if err != nil {
			return nil, err
		}
		r.warnings = append(r.warnings, warnings...)
		r.definitions[def.ID] = normalize(def)
	}
	return r, nil
}

// Parse builds a registry from a YAML document with a top-level "workflows" list.
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse workflow definitions")
	}
	return New(doc.Workflows...)
}

// LoadFile reads definitions from path.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read workflow definitions from %s", path)
	}
	return Parse(data)
}

// Default returns the reference definitions compiled into the binary.
func Default() *Registry {
	r, err := Parse(referenceDefinitions)
	if err != nil {
		panic(fmt.Sprintf("embedded workflow definitions are invalid: %v", err))
	}
	return r
}

// Get returns the definition registered under id.
func (r *Registry) Get(id string) (models.WorkflowDefinition, error) {
	def, ok := r.definitions[id]
	if !ok {
		return models.WorkflowDefinition{}, errors.Wrapf(ErrNotFound, "definition %q", id)
	}
	return def, nil
}

// List returns all definitions ordered by id.
func (r *Registry) List() []models.WorkflowDefinition {
	defs := make([]models.WorkflowDefinition, 0, len(r.definitions))
	for _, def := range r.definitions {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Warnings lists non-fatal problems found while loading, such as unknown next actions.
func (r *Registry) Warnings() []string {
	return append([]string(nil), r.warnings...)
}

func validate(def models.WorkflowDefinition) ([]string, error) {
	if def.ID == "" {
		return nil, errors.Wrap(ErrInvalidDefinition, "definition id is empty")
	}
	if len(def.Steps) == 0 {
		return nil, errors.Wrapf(ErrInvalidDefinition, "definition %q has no steps", def.ID)
	}
	var warnings []string
	seen := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		if step.ID == "" {
			return nil, errors.Wrapf(ErrInvalidDefinition, "definition %q: step %d has no id", def.ID, i)
		}
		if _, dup := seen[step.ID]; dup {
			return nil, errors.Wrapf(ErrInvalidDefinition, "definition %q: duplicate step id %q", def.ID, step.ID)
		}
		seen[step.ID] = struct{}{}
		if step.RequiredApprovals < 0 {
			return nil, errors.Wrapf(ErrInvalidDefinition, "definition %q: step %q has negative required_approvals", def.ID, step.ID)
		}
		if step.TimeoutHours < 0 {
			return nil, errors.Wrapf(ErrInvalidDefinition, "definition %q: step %q has negative timeout_hours", def.ID, step.ID)
		}
		if step.Type.IsHuman() && len(step.Roles) == 0 {
			return nil, errors.Wrapf(ErrInvalidDefinition, "definition %q: step %q needs at least one role", def.ID, step.ID)
		}
		for outcome, action := range step.Actions {
			if _, ok := knownNextActions[models.NextAction(action)]; !ok {
				warnings = append(warnings, fmt.Sprintf("definition %q step %q: unknown next action %q for outcome %q", def.ID, step.ID, action, outcome))
			}
		}
	}
	return warnings, nil
}

func normalize(def models.WorkflowDefinition) models.WorkflowDefinition {
	steps := make([]models.StepDefinition, len(def.Steps))
	for i, step := range def.Steps {
		if step.RequiredApprovals == 0 {
			step.RequiredApprovals = 1
		}
		if step.Name == "" {
			step.Name = step.ID
		}
		actions := make(map[string]string, len(step.Actions))
		for k, v := range step.Actions {
			actions[k] = v
		}
		step.Actions = actions
		steps[i] = step
	}
	def.Steps = steps
	return def
}

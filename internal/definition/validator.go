package definition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/caseflow/model"
)

// Validation detail codes.
const (
	CodeInvalidField      = "INVALID_FIELD"
	CodeDuplicateID       = "DUPLICATE_ID"
	CodeUnknownStage      = "UNKNOWN_STAGE"
	CodeTerminalExit      = "TERMINAL_STAGE_EXIT"
	CodeSelfTransition    = "SELF_TRANSITION"
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	CodeDependencyCycle   = "DEPENDENCY_CYCLE"
	CodeVersionChanged    = "VERSION_CONTENT_CHANGED"
	CodeVersionLowered    = "VERSION_LOWERED"
)

// Validator checks templates structurally (struct tags) and referentially
// (stage ids, transition endpoints, dependency graph).
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{v: validator.New()}
}

// Validate checks every template in files. The result joins one
// INVALID_TEMPLATE envelope per invalid template, or is nil.
func (v *Validator) Validate(files []model.DefinitionFile) error {
	var errs []error
	seen := make(map[string]string)

	for fi, f := range files {
		if f.TenantID == "" {
			errs = append(errs, model.NewInvalidTemplateError(f.SourceFile, []model.FieldError{{
				Field: "tenant_id", Code: CodeInvalidField, Message: "tenant_id is required",
			}}))
			continue
		}
		for i := range f.Workflows {
			t := &f.Workflows[i]
			key := fmt.Sprintf("%s/workflow/%s@%d", f.TenantID, t.ID, t.Version)
			if prev, dup := seen[key]; dup {
				errs = append(errs, duplicateTemplate(t.ID, prev))
				continue
			}
			seen[key] = fmt.Sprintf("files[%d]", fi)
			if details := v.ValidateWorkflow(t); len(details) > 0 {
				errs = append(errs, model.NewInvalidTemplateError(t.ID, details))
			}
		}
		for i := range f.Checklists {
			t := &f.Checklists[i]
			key := fmt.Sprintf("%s/checklist/%s@%d", f.TenantID, t.ID, t.Version)
			if prev, dup := seen[key]; dup {
				errs = append(errs, duplicateTemplate(t.ID, prev))
				continue
			}
			seen[key] = fmt.Sprintf("files[%d]", fi)
			if details := v.ValidateChecklist(t); len(details) > 0 {
				errs = append(errs, model.NewInvalidTemplateError(t.ID, details))
			}
		}
	}
	return errors.Join(errs...)
}

func duplicateTemplate(id, prev string) error {
	return model.NewInvalidTemplateError(id, []model.FieldError{{
		Field: "version", Code: CodeDuplicateID, Message: "version already declared in " + prev,
	}})
}

// ValidateWorkflow returns every problem found in t.
func (v *Validator) ValidateWorkflow(t *model.WorkflowTemplate) []model.FieldError {
	errs := v.structErrors(t)

	stages := make(map[string]*model.Stage, len(t.Stages))
	for i := range t.Stages {
		s := &t.Stages[i]
		path := fmt.Sprintf("stages[%d]", i)
		if _, dup := stages[s.ID]; dup {
			errs = append(errs, model.FieldError{Field: path + ".id", Code: CodeDuplicateID, Message: fmt.Sprintf("duplicate stage id %q", s.ID)})
			continue
		}
		stages[s.ID] = s

		steps := make(map[string]bool, len(s.Steps))
		for j, step := range s.Steps {
			sp := fmt.Sprintf("%s.steps[%d]", path, j)
			if steps[step.ID] {
				errs = append(errs, model.FieldError{Field: sp + ".id", Code: CodeDuplicateID, Message: fmt.Sprintf("duplicate step id %q", step.ID)})
			}
			steps[step.ID] = true
			if step.OnTimeout != "" && step.TimeoutHours == 0 {
				errs = append(errs, model.FieldError{Field: sp + ".timeout_hours", Code: CodeInvalidConfig, Message: "on_timeout needs timeout_hours"})
			}
			if step.Assignee != nil {
				errs = append(errs, checkStrategy(sp+".assignee", *step.Assignee)...)
			}
		}
		for j, g := range s.Gates {
			errs = append(errs, checkGate(fmt.Sprintf("%s.gates[%d]", path, j), g)...)
		}
	}

	if t.InitialStage != "" {
		if _, ok := stages[t.InitialStage]; !ok {
			errs = append(errs, model.FieldError{Field: "initial_stage", Code: CodeUnknownStage, Message: fmt.Sprintf("initial stage %q is not declared", t.InitialStage)})
		}
	}

	pairs := make(map[edge]bool, len(t.Transitions))
	for i, tr := range t.Transitions {
		path := fmt.Sprintf("transitions[%d]", i)
		to, toOK := stages[tr.To]
		if tr.To != "" && !toOK {
			errs = append(errs, model.FieldError{Field: path + ".to", Code: CodeUnknownStage, Message: fmt.Sprintf("target stage %q is not declared", tr.To)})
		}
		if !tr.IsWildcard() && tr.From != "" {
			from, ok := stages[tr.From]
			switch {
			case !ok:
				errs = append(errs, model.FieldError{Field: path + ".from", Code: CodeUnknownStage, Message: fmt.Sprintf("source stage %q is not declared", tr.From)})
			case from.IsTerminal:
				errs = append(errs, model.FieldError{Field: path + ".from", Code: CodeTerminalExit, Message: fmt.Sprintf("terminal stage %q cannot have outgoing transitions", tr.From)})
			}
			if tr.From == tr.To {
				errs = append(errs, model.FieldError{Field: path, Code: CodeSelfTransition, Message: fmt.Sprintf("stage %q cannot transition to itself", tr.From)})
			}
		}
		if pairs[edge{tr.From, tr.To}] {
			errs = append(errs, model.FieldError{Field: path, Code: CodeDuplicateID, Message: fmt.Sprintf("duplicate transition %s -> %s", tr.From, tr.To)})
		}
		pairs[edge{tr.From, tr.To}] = true

		for j, c := range tr.Conditions {
			errs = append(errs, checkCondition(fmt.Sprintf("%s.conditions[%d]", path, j), c)...)
		}
		for j, a := range tr.Actions {
			errs = append(errs, checkAction(fmt.Sprintf("%s.actions[%d]", path, j), a, to)...)
		}
	}
	return errs
}

// ValidateChecklist returns every problem found in t, including dependency
// cycles.
func (v *Validator) ValidateChecklist(t *model.ChecklistTemplate) []model.FieldError {
	errs := v.structErrors(t)

	sections := make(map[string]bool, len(t.Sections))
	items := make(map[string]bool)
	for i, sec := range t.Sections {
		if sections[sec.ID] {
			errs = append(errs, model.FieldError{Field: fmt.Sprintf("sections[%d].id", i), Code: CodeDuplicateID, Message: fmt.Sprintf("duplicate section id %q", sec.ID)})
		}
		sections[sec.ID] = true
		for j, item := range sec.Items {
			if items[item.ID] {
				errs = append(errs, model.FieldError{Field: fmt.Sprintf("sections[%d].items[%d].id", i, j), Code: CodeDuplicateID, Message: fmt.Sprintf("duplicate item id %q", item.ID)})
			}
			items[item.ID] = true
		}
	}

	for i, sec := range t.Sections {
		for j, item := range sec.Items {
			path := fmt.Sprintf("sections[%d].items[%d].dependencies", i, j)
			for _, dep := range item.Dependencies {
				switch {
				case dep == item.ID:
					errs = append(errs, model.FieldError{Field: path, Code: CodeDependencyCycle, Message: fmt.Sprintf("item %q depends on itself", item.ID)})
				case !items[dep]:
					errs = append(errs, model.FieldError{Field: path, Code: CodeUnknownDependency, Message: fmt.Sprintf("item %q depends on unknown item %q", item.ID, dep)})
				}
			}
		}
	}

	if cycle := BuildDependencyGraph(t).FindCycle(); cycle != nil {
		errs = append(errs, model.FieldError{
			Field:   "dependencies",
			Code:    CodeDependencyCycle,
			Message: "dependency cycle: " + strings.Join(cycle, " -> "),
		})
	}
	return errs
}

func (v *Validator) structErrors(s any) []model.FieldError {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []model.FieldError{{Field: "", Code: CodeInvalidField, Message: err.Error()}}
	}
	out := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, model.FieldError{
			Field:   fieldPath(fe.Namespace()),
			Code:    CodeInvalidField,
			Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
		})
	}
	return out
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func invalid(path, msg string) []model.FieldError {
	return []model.FieldError{{Field: path, Code: CodeInvalidConfig, Message: msg}}
}

func checkGate(path string, g model.Gate) []model.FieldError {
	switch s := g.Spec.(type) {
	case nil:
		return invalid(path, "gate type is required")
	case model.RequiredFieldsGate:
		if len(s.Fields) == 0 {
			return invalid(path, "required_fields gate lists no fields")
		}
	case model.ApprovalGate:
		if s.ApprovalType == "" {
			return invalid(path, "approval gate needs approval_type")
		}
	case model.ConditionGate:
		if strings.TrimSpace(s.Expression) == "" {
			return invalid(path, "condition gate needs an expression")
		}
	case model.TimeGate:
		if s.MinElapsed <= 0 {
			return invalid(path, "time gate needs a positive min_elapsed")
		}
	}
	return nil
}

func checkCondition(path string, c model.Condition) []model.FieldError {
	switch s := c.Spec.(type) {
	case nil:
		return invalid(path, "condition type is required")
	case model.FieldEqualsCondition:
		if s.Field == "" {
			return invalid(path, "field_equals condition needs a field")
		}
	case model.FieldPresentCondition:
		if s.Field == "" {
			return invalid(path, "field_present condition needs a field")
		}
	case model.ExpressionCondition:
		if strings.TrimSpace(s.Expression) == "" {
			return invalid(path, "expression condition needs an expression")
		}
	}
	return nil
}

func checkAction(path string, a model.Action, target *model.Stage) []model.FieldError {
	switch s := a.Spec.(type) {
	case nil:
		return invalid(path, "action type is required")
	case model.NotificationAction:
		if len(s.Recipients) == 0 {
			return invalid(path, "notification action lists no recipients")
		}
	case model.AssignmentAction:
		if target != nil {
			found := false
			for _, step := range target.Steps {
				found = found || step.ID == s.StepID
			}
			if !found {
				return invalid(path, fmt.Sprintf("assignment step %q is not in stage %q", s.StepID, target.ID))
			}
		}
		return checkStrategy(path+".strategy", s.Strategy)
	case model.FieldUpdateAction:
		if s.Field == "" {
			return invalid(path, "field_update action needs a field")
		}
	case model.WebhookAction:
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return invalid(path, "webhook action needs an http(s) url")
		}
	}
	return nil
}

func checkStrategy(path string, a model.AssigneeStrategy) []model.FieldError {
	switch s := a.Spec.(type) {
	case nil:
		return invalid(path, "strategy type is required")
	case model.SpecificUserStrategy:
		if s.UserID == "" {
			return invalid(path, "specific_user needs user_id")
		}
	case model.RoundRobinStrategy:
		return needTeam(path, s.TeamID)
	case model.LeastLoadedStrategy:
		return needTeam(path, s.TeamID)
	case model.ManagerOfStrategy:
		if s.Field == "" {
			return invalid(path, "manager_of needs field")
		}
	case model.TeamQueueStrategy:
		return needTeam(path, s.TeamID)
	case model.SkillBasedStrategy:
		if s.Skill == "" {
			return invalid(path, "skill_based needs skill")
		}
		return needTeam(path, s.TeamID)
	case model.GeographicStrategy:
		if s.Region == "" && s.RegionField == "" {
			return invalid(path, "geographic needs region or region_field")
		}
		return needTeam(path, s.TeamID)
	}
	return nil
}

func needTeam(path, teamID string) []model.FieldError {
	if teamID == "" {
		return invalid(path, "strategy needs team_id")
	}
	return nil
}

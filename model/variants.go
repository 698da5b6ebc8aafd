package model

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Gate kinds.
const (
	GateRequiredFields = "required_fields"
	GateApproval       = "approval"
	GateCondition      = "condition"
	GateTime           = "time"
)

// GateSpec is implemented by each gate variant. The set is closed.
type GateSpec interface {
	GateKind() string
	sealedGate()
}

// RequiredFieldsGate passes when every listed entity field is non-empty.
type RequiredFieldsGate struct {
	Fields []string `yaml:"fields" json:"fields"`
}

// ApprovalGate passes when an approved record of the given type exists for the stage.
type ApprovalGate struct {
	ApprovalType string `yaml:"approval_type" json:"approval_type"`
}

// ConditionGate passes when its boolean expression holds over the entity.
type ConditionGate struct {
	Expression string `yaml:"expression" json:"expression"`
}

// TimeGate passes once MinElapsed has passed since stage entry.
type TimeGate struct {
	MinElapsed time.Duration `yaml:"min_elapsed" json:"min_elapsed"`
}

func (RequiredFieldsGate) GateKind() string { return GateRequiredFields }
func (ApprovalGate) GateKind() string       { return GateApproval }
func (ConditionGate) GateKind() string      { return GateCondition }
func (TimeGate) GateKind() string           { return GateTime }

func (RequiredFieldsGate) sealedGate() {}
func (ApprovalGate) sealedGate()       {}
func (ConditionGate) sealedGate()      {}
func (TimeGate) sealedGate()           {}

// Gate is a precondition evaluated when leaving a stage.
type Gate struct {
	Spec         GateSpec
	ErrorMessage string
}

// MarshalJSON encodes the gate in its {type, config, error_message} form.
func (g Gate) MarshalJSON() ([]byte, error) {
	var kind string
	if g.Spec != nil {
		kind = g.Spec.GateKind()
	}
	return json.Marshal(variantJSON{Type: kind, Config: g.Spec, ErrorMessage: g.ErrorMessage})
}

// UnmarshalYAML decodes {type, config, error_message} into the matching variant.
func (g *Gate) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Type         string    `yaml:"type"`
		Config       yaml.Node `yaml:"config"`
		ErrorMessage string    `yaml:"error_message"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	var spec GateSpec
	var err error
	switch raw.Type {
	case GateRequiredFields:
		var s RequiredFieldsGate
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case GateApproval:
		var s ApprovalGate
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case GateCondition:
		var s ConditionGate
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case GateTime:
		var s TimeGate
		err = decodeConfig(&raw.Config, &s)
		spec = s
	default:
		return fmt.Errorf("line %d: unknown gate type %q", node.Line, raw.Type)
	}
	if err != nil {
		return fmt.Errorf("line %d: %s gate config: %w", node.Line, raw.Type, err)
	}

	g.Spec = spec
	g.ErrorMessage = raw.ErrorMessage
	return nil
}

// Condition kinds.
const (
	ConditionFieldEquals  = "field_equals"
	ConditionFieldPresent = "field_present"
	ConditionExpression   = "expression"
)

// ConditionSpec is implemented by each transition condition variant.
type ConditionSpec interface {
	ConditionKind() string
	sealedCondition()
}

// FieldEqualsCondition holds when the entity field equals Value.
type FieldEqualsCondition struct {
	Field string `yaml:"field" json:"field"`
	Value any    `yaml:"value" json:"value"`
}

// FieldPresentCondition holds when the entity field is non-empty.
type FieldPresentCondition struct {
	Field string `yaml:"field" json:"field"`
}

// ExpressionCondition holds when the expression evaluates to true.
type ExpressionCondition struct {
	Expression string `yaml:"expression" json:"expression"`
}

func (FieldEqualsCondition) ConditionKind() string  { return ConditionFieldEquals }
func (FieldPresentCondition) ConditionKind() string { return ConditionFieldPresent }
func (ExpressionCondition) ConditionKind() string   { return ConditionExpression }

func (FieldEqualsCondition) sealedCondition()  {}
func (FieldPresentCondition) sealedCondition() {}
func (ExpressionCondition) sealedCondition()   {}

// Condition is a transition precondition. All conditions must hold.
type Condition struct {
	Spec    ConditionSpec
	Message string
}

// MarshalJSON encodes the condition in its {type, config, message} form.
func (c Condition) MarshalJSON() ([]byte, error) {
	var kind string
	if c.Spec != nil {
		kind = c.Spec.ConditionKind()
	}
	return json.Marshal(variantJSON{Type: kind, Config: c.Spec, Message: c.Message})
}

// UnmarshalYAML decodes {type, config, message} into the matching variant.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Type    string    `yaml:"type"`
		Config  yaml.Node `yaml:"config"`
		Message string    `yaml:"message"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	var spec ConditionSpec
	var err error
	switch raw.Type {
	case ConditionFieldEquals:
		var s FieldEqualsCondition
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case ConditionFieldPresent:
		var s FieldPresentCondition
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case ConditionExpression:
		var s ExpressionCondition
		err = decodeConfig(&raw.Config, &s)
		spec = s
	default:
		return fmt.Errorf("line %d: unknown condition type %q", node.Line, raw.Type)
	}
	if err != nil {
		return fmt.Errorf("line %d: %s condition config: %w", node.Line, raw.Type, err)
	}

	c.Spec = spec
	c.Message = raw.Message
	return nil
}

// Action kinds.
const (
	ActionNotification = "notification"
	ActionAssignment   = "assignment"
	ActionFieldUpdate  = "field_update"
	ActionWebhook      = "webhook"
)

// ActionSpec is implemented by each transition action variant.
type ActionSpec interface {
	ActionKind() string
	sealedAction()
}

// NotificationAction sends a templated notification to recipients.
type NotificationAction struct {
	Recipients []string `yaml:"recipients" json:"recipients"`
	Template   string   `yaml:"template"   json:"template"`
}

// AssignmentAction (re)assigns a step of the new stage.
type AssignmentAction struct {
	StepID   string           `yaml:"step_id"  json:"step_id"`
	Strategy AssigneeStrategy `yaml:"strategy" json:"strategy"`
}

// FieldUpdateAction writes a value to a field of the governed entity.
type FieldUpdateAction struct {
	Field string `yaml:"field" json:"field"`
	Value any    `yaml:"value" json:"value"`
}

// WebhookAction posts the transition payload to an external URL.
type WebhookAction struct {
	URL     string            `yaml:"url"     json:"url"`
	Method  string            `yaml:"method"  json:"method,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
}

func (NotificationAction) ActionKind() string { return ActionNotification }
func (AssignmentAction) ActionKind() string   { return ActionAssignment }
func (FieldUpdateAction) ActionKind() string  { return ActionFieldUpdate }
func (WebhookAction) ActionKind() string      { return ActionWebhook }

func (NotificationAction) sealedAction() {}
func (AssignmentAction) sealedAction()   {}
func (FieldUpdateAction) sealedAction()  {}
func (WebhookAction) sealedAction()      {}

// Action is a best-effort side effect run after a committed transition.
type Action struct {
	Spec ActionSpec
}

// MarshalJSON encodes the action in its {type, config} form.
func (a Action) MarshalJSON() ([]byte, error) {
	var kind string
	if a.Spec != nil {
		kind = a.Spec.ActionKind()
	}
	return json.Marshal(variantJSON{Type: kind, Config: a.Spec})
}

// UnmarshalYAML decodes {type, config} into the matching variant.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Type   string    `yaml:"type"`
		Config yaml.Node `yaml:"config"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	var spec ActionSpec
	var err error
	switch raw.Type {
	case ActionNotification:
		var s NotificationAction
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case ActionAssignment:
		var s AssignmentAction
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case ActionFieldUpdate:
		var s FieldUpdateAction
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case ActionWebhook:
		var s WebhookAction
		err = decodeConfig(&raw.Config, &s)
		spec = s
	default:
		return fmt.Errorf("line %d: unknown action type %q", node.Line, raw.Type)
	}
	if err != nil {
		return fmt.Errorf("line %d: %s action config: %w", node.Line, raw.Type, err)
	}

	a.Spec = spec
	return nil
}

// Assignee strategy kinds.
const (
	StrategySpecificUser = "specific_user"
	StrategyRoundRobin   = "round_robin"
	StrategyLeastLoaded  = "least_loaded"
	StrategyManagerOf    = "manager_of"
	StrategyTeamQueue    = "team_queue"
	StrategySkillBased   = "skill_based"
	StrategyGeographic   = "geographic"
)

// StrategySpec is implemented by each assignee strategy variant.
type StrategySpec interface {
	StrategyKind() string
	sealedStrategy()
}

// SpecificUserStrategy always yields UserID.
type SpecificUserStrategy struct {
	UserID string `yaml:"user_id" json:"user_id"`
}

// RoundRobinStrategy cycles through the members of TeamID.
type RoundRobinStrategy struct {
	TeamID string `yaml:"team_id" json:"team_id"`
}

// LeastLoadedStrategy picks the team member with the fewest open assignments.
type LeastLoadedStrategy struct {
	TeamID string `yaml:"team_id" json:"team_id"`
}

// ManagerOfStrategy yields the manager of the user held in an entity field.
type ManagerOfStrategy struct {
	Field string `yaml:"field" json:"field"`
}

// TeamQueueStrategy parks the step on a team queue.
type TeamQueueStrategy struct {
	TeamID string `yaml:"team_id" json:"team_id"`
}

// SkillBasedStrategy narrows the team to members with Skill.
type SkillBasedStrategy struct {
	TeamID string `yaml:"team_id" json:"team_id"`
	Skill  string `yaml:"skill"   json:"skill"`
}

// GeographicStrategy narrows the team to members in a region. The region is
// either fixed or read from RegionField on the entity.
type GeographicStrategy struct {
	TeamID      string `yaml:"team_id"      json:"team_id"`
	Region      string `yaml:"region"       json:"region,omitempty"`
	RegionField string `yaml:"region_field" json:"region_field,omitempty"`
}

func (SpecificUserStrategy) StrategyKind() string { return StrategySpecificUser }
func (RoundRobinStrategy) StrategyKind() string   { return StrategyRoundRobin }
func (LeastLoadedStrategy) StrategyKind() string  { return StrategyLeastLoaded }
func (ManagerOfStrategy) StrategyKind() string    { return StrategyManagerOf }
func (TeamQueueStrategy) StrategyKind() string    { return StrategyTeamQueue }
func (SkillBasedStrategy) StrategyKind() string   { return StrategySkillBased }
func (GeographicStrategy) StrategyKind() string   { return StrategyGeographic }

func (SpecificUserStrategy) sealedStrategy() {}
func (RoundRobinStrategy) sealedStrategy()   {}
func (LeastLoadedStrategy) sealedStrategy()  {}
func (ManagerOfStrategy) sealedStrategy()    {}
func (TeamQueueStrategy) sealedStrategy()    {}
func (SkillBasedStrategy) sealedStrategy()   {}
func (GeographicStrategy) sealedStrategy()   {}

// AssigneeStrategy wraps the strategy variant declared on a step.
type AssigneeStrategy struct {
	Spec StrategySpec
}

// MarshalJSON encodes the strategy in its {type, config} form.
func (a AssigneeStrategy) MarshalJSON() ([]byte, error) {
	var kind string
	if a.Spec != nil {
		kind = a.Spec.StrategyKind()
	}
	return json.Marshal(variantJSON{Type: kind, Config: a.Spec})
}

// UnmarshalYAML decodes {type, config} into the matching variant.
func (a *AssigneeStrategy) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Type   string    `yaml:"type"`
		Config yaml.Node `yaml:"config"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	var spec StrategySpec
	var err error
	switch raw.Type {
	case StrategySpecificUser:
		var s SpecificUserStrategy
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case StrategyRoundRobin:
		var s RoundRobinStrategy
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case StrategyLeastLoaded:
		var s LeastLoadedStrategy
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case StrategyManagerOf:
		var s ManagerOfStrategy
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case StrategyTeamQueue:
		var s TeamQueueStrategy
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case StrategySkillBased:
		var s SkillBasedStrategy
		err = decodeConfig(&raw.Config, &s)
		spec = s
	case StrategyGeographic:
		var s GeographicStrategy
		err = decodeConfig(&raw.Config, &s)
		spec = s
	default:
		return fmt.Errorf("line %d: unknown assignee strategy %q", node.Line, raw.Type)
	}
	if err != nil {
		return fmt.Errorf("line %d: %s strategy config: %w", node.Line, raw.Type, err)
	}

	a.Spec = spec
	return nil
}

type variantJSON struct {
	Type         string `json:"type"`
	Config       any    `json:"config,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Message      string `json:"message,omitempty"`
}

// decodeConfig decodes an optional config node; a missing node leaves out unchanged.
func decodeConfig(n *yaml.Node, out any) error {
	if n.Kind == 0 {
		return nil
	}
	return n.Decode(out)
}

package model

import "time"

// DefinitionFile is the root structure of a definition file. Each file
// declares one tenant's workflow and checklist templates.
type DefinitionFile struct {
	TenantID   string              `yaml:"tenant_id"  json:"tenant_id"  validate:"required"`
	Workflows  []WorkflowTemplate  `yaml:"workflows"  json:"workflows,omitempty"  validate:"dive"`
	Checklists []ChecklistTemplate `yaml:"checklists" json:"checklists,omitempty" validate:"dive"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// Governed business entity types.
const (
	EntityCase          = "Case"
	EntityInvestigation = "Investigation"
	EntityDisclosure    = "Disclosure"
	EntityPolicy        = "Policy"
	EntityCampaign      = "Campaign"
)

// WildcardStage matches any stage as a transition source.
const WildcardStage = "*"

// WorkflowTemplate is a tenant-authored stage machine for one entity type.
type WorkflowTemplate struct {
	ID             string       `yaml:"id"               json:"id"               validate:"required"`
	TenantID       string       `yaml:"-"                json:"tenant_id"`
	Name           string       `yaml:"name"             json:"name"`
	EntityType     string       `yaml:"entity_type"      json:"entity_type"      validate:"required,oneof=Case Investigation Disclosure Policy Campaign"`
	Version        int          `yaml:"version"          json:"version"          validate:"min=1"`
	IsActive       bool         `yaml:"is_active"        json:"is_active"`
	IsDefault      bool         `yaml:"is_default"       json:"is_default"`
	InitialStage   string       `yaml:"initial_stage"    json:"initial_stage"    validate:"required"`
	DefaultSLADays int          `yaml:"default_sla_days" json:"default_sla_days" validate:"min=0"`
	SLA            SLAConfig    `yaml:"sla"              json:"sla"`
	Stages         []Stage      `yaml:"stages"           json:"stages"           validate:"required,min=1,dive"`
	Transitions    []Transition `yaml:"transitions"      json:"transitions"      validate:"dive"`
}

// Stage returns the stage with the given id.
func (t *WorkflowTemplate) Stage(id string) (*Stage, bool) {
	for i := range t.Stages {
		if t.Stages[i].ID == id {
			return &t.Stages[i], true
		}
	}
	return nil, false
}

// Ref identifies this template version.
func (t *WorkflowTemplate) Ref() TemplateRef {
	return TemplateRef{TenantID: t.TenantID, ID: t.ID, Version: t.Version}
}

// SLAConfig controls SLA tracking for instances of a template.
type SLAConfig struct {
	Enabled               bool     `yaml:"enabled"                 json:"enabled"`
	WarningThresholdHours int      `yaml:"warning_threshold_hours" json:"warning_threshold_hours" validate:"min=0"`
	EscalationTargets     []string `yaml:"escalation_targets"      json:"escalation_targets,omitempty"`
}

// Stage is a named state of a workflow template.
type Stage struct {
	ID         string `yaml:"id"          json:"id"   validate:"required"`
	Name       string `yaml:"name"        json:"name"`
	Steps      []Step `yaml:"steps"       json:"steps,omitempty" validate:"dive"`
	SLADays    *int   `yaml:"sla_days"    json:"sla_days,omitempty" validate:"omitempty,min=0"`
	Gates      []Gate `yaml:"gates"       json:"gates,omitempty"`
	IsTerminal bool   `yaml:"is_terminal" json:"is_terminal"`
}

// Step types.
const (
	StepTypeManual       = "manual"
	StepTypeAutomatic    = "automatic"
	StepTypeApproval     = "approval"
	StepTypeNotification = "notification"
)

// Step timeout policies.
const (
	OnTimeoutPause    = "pause"
	OnTimeoutSkip     = "skip"
	OnTimeoutEscalate = "escalate"
)

// Step is a unit of work inside a stage.
type Step struct {
	ID           string            `yaml:"id"            json:"id"   validate:"required"`
	Name         string            `yaml:"name"          json:"name"`
	Type         string            `yaml:"type"          json:"type" validate:"required,oneof=manual automatic approval notification"`
	Assignee     *AssigneeStrategy `yaml:"assignee"      json:"-"`
	TimeoutHours int               `yaml:"timeout_hours" json:"timeout_hours,omitempty" validate:"min=0"`
	OnTimeout    string            `yaml:"on_timeout"    json:"on_timeout,omitempty"    validate:"omitempty,oneof=pause skip escalate"`
	IsOptional   bool              `yaml:"is_optional"   json:"is_optional"`
}

// Transition is an allowed edge between stages.
type Transition struct {
	From           string      `yaml:"from"            json:"from"  validate:"required"`
	To             string      `yaml:"to"              json:"to"    validate:"required"`
	Label          string      `yaml:"label"           json:"label,omitempty"`
	Conditions     []Condition `yaml:"conditions"      json:"-"`
	Actions        []Action    `yaml:"actions"         json:"-"`
	AllowedRoles   []string    `yaml:"allowed_roles"   json:"allowed_roles,omitempty"`
	RequiresReason bool        `yaml:"requires_reason" json:"requires_reason"`
}

// IsWildcard reports whether the transition may leave any stage.
func (t Transition) IsWildcard() bool {
	return t.From == WildcardStage
}

// ChecklistTemplate is a reusable sectioned checklist applied to investigations.
type ChecklistTemplate struct {
	ID       string             `yaml:"id"        json:"id"       validate:"required"`
	TenantID string             `yaml:"-"         json:"tenant_id"`
	Name     string             `yaml:"name"      json:"name"`
	Version  int                `yaml:"version"   json:"version"  validate:"min=1"`
	IsActive bool               `yaml:"is_active" json:"is_active"`
	Sections []ChecklistSection `yaml:"sections"  json:"sections" validate:"required,min=1,dive"`
}

// Item returns the template item with the given id and the id of its section.
func (t *ChecklistTemplate) Item(id string) (*TemplateItem, string, bool) {
	for si := range t.Sections {
		for ii := range t.Sections[si].Items {
			if t.Sections[si].Items[ii].ID == id {
				return &t.Sections[si].Items[ii], t.Sections[si].ID, true
			}
		}
	}
	return nil, "", false
}

// HasSection reports whether the template declares the section.
func (t *ChecklistTemplate) HasSection(id string) bool {
	for _, s := range t.Sections {
		if s.ID == id {
			return true
		}
	}
	return false
}

// ChecklistSection groups template items.
type ChecklistSection struct {
	ID    string         `yaml:"id"    json:"id"    validate:"required"`
	Name  string         `yaml:"name"  json:"name"`
	Items []TemplateItem `yaml:"items" json:"items" validate:"dive"`
}

// TemplateItem is a single checklist entry.
type TemplateItem struct {
	ID               string   `yaml:"id"                json:"id"   validate:"required"`
	Text             string   `yaml:"text"              json:"text" validate:"required"`
	Required         bool     `yaml:"required"          json:"required"`
	EvidenceRequired bool     `yaml:"evidence_required" json:"evidence_required"`
	Dependencies     []string `yaml:"dependencies"      json:"dependencies,omitempty"`
	Guidance         string   `yaml:"guidance"          json:"guidance,omitempty"`
}

// Ref identifies this template version.
func (t *ChecklistTemplate) Ref() TemplateRef {
	return TemplateRef{TenantID: t.TenantID, ID: t.ID, Version: t.Version}
}

// TemplateRef identifies one published version of a template.
type TemplateRef struct {
	TenantID string
	ID       string
	Version  int
}

// ActivityEvent is a fire-and-forget record sent to the activity sink.
type ActivityEvent struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Package gate evaluates stage exit gates and transition conditions.
package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// ApprovalQuery identifies the approval a gate is looking for.
type ApprovalQuery struct {
	TenantID     string
	InstanceID   string
	EntityType   string
	EntityID     string
	StageID      string
	ApprovalType string
}

// ApprovalSource reports whether an APPROVED approval record exists.
type ApprovalSource interface {
	HasApproval(ctx context.Context, q ApprovalQuery) (bool, error)
}

// Input is the instance context gates and conditions are evaluated against.
type Input struct {
	Instance *model.WorkflowInstance
	Entity   expression.Entity
	Now      time.Time
}

// Result is the outcome of a single gate.
type Result struct {
	Passed bool
	Reason string
	// Missing lists the unset field paths of a failed required_fields gate.
	Missing []string
}

// Evaluator evaluates gate and condition variants.
type Evaluator struct {
	approvals ApprovalSource
	exprs     expression.Evaluator
	logger    *zap.Logger
}

// NewEvaluator creates a gate evaluator.
func NewEvaluator(approvals ApprovalSource, exprs expression.Evaluator, logger *zap.Logger) *Evaluator {
	return &Evaluator{approvals: approvals, exprs: exprs, logger: logger}
}

// Evaluate evaluates one gate.
func (e *Evaluator) Evaluate(ctx context.Context, g model.Gate, in Input) Result {
	var res Result
	switch spec := g.Spec.(type) {
	case model.RequiredFieldsGate:
		res = e.requiredFields(spec, in)
	case model.ApprovalGate:
		res = e.approval(ctx, spec, in)
	case model.ConditionGate:
		res = e.condition(ctx, spec, in)
	case model.TimeGate:
		res = e.elapsed(spec, in)
	default:
		res = Result{Reason: fmt.Sprintf("unsupported gate %T", g.Spec)}
	}
	if !res.Passed && g.ErrorMessage != "" {
		res.Reason = g.ErrorMessage
	}
	return res
}

// EvaluateAll evaluates every gate and returns one detail per failure. A
// failed required_fields gate contributes one detail per missing field.
func (e *Evaluator) EvaluateAll(ctx context.Context, gates []model.Gate, in Input) []model.FieldError {
	var failures []model.FieldError
	for _, g := range gates {
		res := e.Evaluate(ctx, g, in)
		if res.Passed {
			continue
		}
		if len(res.Missing) > 0 {
			for _, field := range res.Missing {
				msg := res.Reason
				if g.ErrorMessage == "" {
					msg = field + " is required"
				}
				failures = append(failures, model.FieldError{Field: field, Code: g.Spec.GateKind(), Message: msg})
			}
			continue
		}
		failures = append(failures, model.FieldError{Field: g.Spec.GateKind(), Code: g.Spec.GateKind(), Message: res.Reason})
	}
	return failures
}

func (e *Evaluator) requiredFields(spec model.RequiredFieldsGate, in Input) Result {
	var missing []string
	for _, path := range spec.Fields {
		if !in.Entity.Present(path) {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return Result{Reason: "missing required fields: " + strings.Join(missing, ", "), Missing: missing}
	}
	return Result{Passed: true}
}

func (e *Evaluator) approval(ctx context.Context, spec model.ApprovalGate, in Input) Result {
	if e.approvals == nil {
		return Result{Reason: "no approval source configured"}
	}
	inst := in.Instance
	ok, err := e.approvals.HasApproval(ctx, ApprovalQuery{
		TenantID:     inst.TenantID,
		InstanceID:   inst.ID,
		EntityType:   inst.EntityType,
		EntityID:     inst.EntityID,
		StageID:      inst.CurrentStage,
		ApprovalType: spec.ApprovalType,
	})
	if err != nil {
		observability.LoggerFrom(ctx, e.logger).Warn("approval lookup failed",
			zap.String("instance_id", inst.ID),
			zap.String("approval_type", spec.ApprovalType),
			zap.Error(err),
		)
		return Result{Reason: fmt.Sprintf("approval lookup failed: %v", err)}
	}
	if !ok {
		return Result{Reason: fmt.Sprintf("%s approval is missing", spec.ApprovalType)}
	}
	return Result{Passed: true}
}

func (e *Evaluator) condition(ctx context.Context, spec model.ConditionGate, in Input) Result {
	if e.exprs == nil {
		return Result{Reason: "no expression evaluator configured"}
	}
	ok, err := e.exprs.Eval(ctx, spec.Expression, in.Entity)
	if err != nil {
		return Result{Reason: fmt.Sprintf("condition could not be evaluated: %v", err)}
	}
	if !ok {
		return Result{Reason: fmt.Sprintf("condition %q is not satisfied", spec.Expression)}
	}
	return Result{Passed: true}
}

func (e *Evaluator) elapsed(spec model.TimeGate, in Input) Result {
	elapsed := in.Now.Sub(in.Instance.StageEnteredAt)
	if elapsed < spec.MinElapsed {
		return Result{Reason: fmt.Sprintf("stage must be held for %s (elapsed %s)", spec.MinElapsed, elapsed.Truncate(time.Second))}
	}
	return Result{Passed: true}
}

// CheckConditions evaluates transition conditions in order and returns a
// CONDITION_NOT_MET error for the first that does not hold.
func (e *Evaluator) CheckConditions(ctx context.Context, conds []model.Condition, in Input) error {
	for _, c := range conds {
		ok, reason := e.holds(ctx, c, in)
		if ok {
			continue
		}
		if c.Message != "" {
			reason = c.Message
		}
		return model.NewConditionNotMetError(reason)
	}
	return nil
}

func (e *Evaluator) holds(ctx context.Context, c model.Condition, in Input) (bool, string) {
	switch spec := c.Spec.(type) {
	case model.FieldEqualsCondition:
		actual := in.Entity.Field(spec.Field)
		if !expression.Equal(actual, spec.Value) {
			return false, fmt.Sprintf("%s must equal %v", spec.Field, spec.Value)
		}
		return true, ""
	case model.FieldPresentCondition:
		if !in.Entity.Present(spec.Field) {
			return false, fmt.Sprintf("%s must be set", spec.Field)
		}
		return true, ""
	case model.ExpressionCondition:
		if e.exprs == nil {
			return false, "no expression evaluator configured"
		}
		ok, err := e.exprs.Eval(ctx, spec.Expression, in.Entity)
		if err != nil {
			return false, fmt.Sprintf("condition could not be evaluated: %v", err)
		}
		if !ok {
			return false, fmt.Sprintf("condition %q is not satisfied", spec.Expression)
		}
		return true, ""
	default:
		return false, fmt.Sprintf("unsupported condition %T", c.Spec)
	}
}

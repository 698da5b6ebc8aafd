package expression

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/patrickmn/go-cache"
)

// Evaluator evaluates a boolean expression against an entity snapshot.
type Evaluator interface {
	Eval(ctx context.Context, expr string, entity Entity) (bool, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, expr string, entity Entity) (bool, error)

// Eval implements Evaluator.
func (f EvaluatorFunc) Eval(ctx context.Context, expr string, entity Entity) (bool, error) {
	return f(ctx, expr, entity)
}

const resultVar = "__result__"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var reserved = map[string]bool{
	"break": true, "continue": true, "else": true, "for": true, "func": true,
	"error": true, "immutable": true, "if": true, "return": true, "export": true,
	"true": true, "false": true, "in": true, "undefined": true, "import": true,
	resultVar: true,
}

// TengoEvaluator evaluates expressions as tengo scripts. Top-level entity
// fields are bound as variables and the whole snapshot is bound as "entity",
// so both `riskScore < 50` and `entity.subject.country == "GB"` work.
//
// Each expression is compiled once per set of bound names; runs clone the
// compiled program and set the snapshot values on the clone.
type TengoEvaluator struct {
	timeout  time.Duration
	compiled *cache.Cache
}

// NewTengoEvaluator creates an evaluator bounding each run by timeout. A zero
// timeout relies on the caller's context alone.
func NewTengoEvaluator(timeout time.Duration) *TengoEvaluator {
	return &TengoEvaluator{
		timeout:  timeout,
		compiled: cache.New(30*time.Minute, time.Hour),
	}
}

// Eval implements Evaluator. The expression must yield a bool.
func (e *TengoEvaluator) Eval(ctx context.Context, expr string, entity Entity) (bool, error) {
	vars := make(map[string]any, len(entity)+1)
	for key, val := range entity {
		if !identifier.MatchString(key) || reserved[key] || key == "entity" {
			continue
		}
		vars[key] = scriptValue(val)
	}
	vars["entity"] = scriptValue(map[string]any(entity))

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	base, err := e.compile(expr, names)
	if err != nil {
		return false, err
	}
	run := base.Clone()
	for _, name := range names {
		if err := run.Set(name, vars[name]); err != nil {
			return false, fmt.Errorf("bind %q: %w", name, err)
		}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if err := run.RunContext(ctx); err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expr, err)
	}

	v := run.Get(resultVar)
	if v.ValueType() != "bool" {
		return false, fmt.Errorf("expression %q yielded %s, want bool", expr, v.ValueType())
	}
	return v.Bool(), nil
}

// compile returns the cached program for expr with names declared as globals.
func (e *TengoEvaluator) compile(expr string, names []string) (*tengo.Compiled, error) {
	key := expr + "\x00" + strings.Join(names, ",")
	if c, ok := e.compiled.Get(key); ok {
		return c.(*tengo.Compiled), nil
	}

	script := tengo.NewScript([]byte(resultVar + " := (" + expr + ")"))
	for _, name := range names {
		if err := script.Add(name, nil); err != nil {
			return nil, fmt.Errorf("declare %q: %w", name, err)
		}
	}
	c, err := script.Compile()
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	e.compiled.SetDefault(key, c)
	return c, nil
}

// Cached reports how many compiled programs are held.
func (e *TengoEvaluator) Cached() int {
	return e.compiled.ItemCount()
}

// scriptValue converts snapshot values into shapes tengo.FromInterface accepts.
func scriptValue(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int, int64, float64, time.Time, []byte:
		return t
	case Entity:
		return scriptValue(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = scriptValue(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = scriptValue(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return fmt.Sprint(t)
	}
}

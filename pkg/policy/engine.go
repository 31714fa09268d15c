package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Engine evaluates a fixed rule set against a per-request KnowledgeBase.
type Engine struct {
	rules   []Rule
	celEnv  *cel.Env
	celProg map[string]cel.Program
}

// NewEngine creates an evaluator over rules. The global depth deny rule is
// not implicit here — callers append it explicitly via GlobalDepthDenyRule
// so the rule set passed to NewEngine is exactly what it evaluates.
func NewEngine(rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("policy: build CEL environment: %w", err)
	}
	return &Engine{rules: rules, celEnv: env, celProg: make(map[string]cel.Program)}, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	if prog, ok := e.celProg[expr]; ok {
		return prog, nil
	}
	ast, issues := e.celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile guard %q: %w", expr, issues.Err())
	}
	prog, err := e.celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: build guard program %q: %w", expr, err)
	}
	e.celProg[expr] = prog
	return prog, nil
}

// Verdict is the outcome of evaluating the engine against a knowledge base.
type Verdict struct {
	Allow  bool
	Reason string
}

// Evaluate runs every rule against kb. The verdict is allow iff some allow
// rule fires and no deny rule fires; any other outcome, including the
// absence of a firing allow rule, is a denial.
func (e *Engine) Evaluate(kb *KnowledgeBase) (Verdict, error) {
	var allowReason string
	allowed := false

	for _, rule := range e.rules {
		fired, err := e.bodySatisfied(rule.Body, kb)
		if err != nil {
			return Verdict{}, err
		}
		if !fired {
			continue
		}
		switch rule.Effect {
		case EffectDeny:
			return Verdict{Allow: false, Reason: rule.Reason}, nil
		case EffectAllow:
			if !allowed {
				allowed = true
				allowReason = rule.Reason
			}
		}
	}

	if !allowed {
		return Verdict{Allow: false, Reason: "no allow rule fired"}, nil
	}
	return Verdict{Allow: true, Reason: allowReason}, nil
}

func (e *Engine) bodySatisfied(body []Atom, kb *KnowledgeBase) (bool, error) {
	return e.resolve(body, 0, map[string]any{}, kb)
}

func (e *Engine) resolve(body []Atom, idx int, bindings map[string]any, kb *KnowledgeBase) (bool, error) {
	if idx == len(body) {
		return true, nil
	}
	atom := body[idx]

	if atom.Guard != "" {
		ok, err := e.evalGuard(atom.Guard, bindings)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		return e.resolve(body, idx+1, bindings, kb)
	}

	for _, f := range kb.Facts(atom.FactName) {
		if len(f.Args) != len(atom.Pattern) {
			continue
		}
		extended, ok := extendBindings(bindings, atom.Pattern, f.Args)
		if !ok {
			continue
		}
		satisfied, err := e.resolve(body, idx+1, extended, kb)
		if err != nil {
			return false, err
		}
		if satisfied {
			return true, nil
		}
	}
	return false, nil
}

func extendBindings(bindings map[string]any, pattern []Term, args []any) (map[string]any, bool) {
	extended := make(map[string]any, len(bindings)+len(pattern))
	for k, v := range bindings {
		extended[k] = v
	}
	for i, term := range pattern {
		if term.isVar {
			if existing, bound := extended[term.Var]; bound {
				if !valuesEqual(existing, args[i]) {
					return nil, false
				}
				continue
			}
			extended[term.Var] = args[i]
			continue
		}
		if !valuesEqual(term.Literal, args[i]) {
			return nil, false
		}
	}
	return extended, true
}

func valuesEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func (e *Engine) evalGuard(expr string, bindings map[string]any) (bool, error) {
	prog, err := e.program(expr)
	if err != nil {
		return false, err
	}
	val, _, err := prog.Eval(map[string]any{"input": bindings})
	if err != nil {
		return false, fmt.Errorf("policy: evaluate guard %q: %w", strings.TrimSpace(expr), err)
	}
	result, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: guard %q did not evaluate to a boolean", expr)
	}
	return result, nil
}

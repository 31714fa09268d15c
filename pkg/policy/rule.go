package policy

import "strconv"

// Term is one position in a fact pattern: either Var (a binding name, used
// verbatim as the key guards read it under) or a literal value to match
// exactly.
type Term struct {
	Var     string
	Literal any
	isVar   bool
}

// V creates a variable term.
func V(name string) Term { return Term{Var: name, isVar: true} }

// L creates a literal term.
func L(value any) Term { return Term{Literal: value} }

// Atom is one body element of a rule: either a fact pattern to match
// against the knowledge base, or a guard expression evaluated over the
// bindings accumulated so far.
type Atom struct {
	// FactName is set for a fact-pattern atom; empty for a guard atom.
	FactName string
	Pattern  []Term

	// Guard is a CEL boolean expression evaluated for a guard atom,
	// referencing bound variables through the `input` map (e.g.
	// `input["d"] > 5` for a variable bound by V("d")). Empty for a
	// fact-pattern atom.
	Guard string
}

// FactAtom builds a fact-pattern atom.
func FactAtom(name string, pattern ...Term) Atom {
	return Atom{FactName: name, Pattern: pattern}
}

// GuardAtom builds a guard atom.
func GuardAtom(expr string) Atom {
	return Atom{Guard: expr}
}

// Effect is what a rule concludes when its body is satisfied.
type Effect int

const (
	EffectAllow Effect = iota
	EffectDeny
)

// Rule is one Datalog rule: effect if body.
type Rule struct {
	Effect Effect
	Body   []Atom
	// Reason is a human/agent-readable string surfaced when this rule
	// fires and contributes to a denial.
	Reason string
}

// Allow builds an allow rule.
func Allow(reason string, body ...Atom) Rule {
	return Rule{Effect: EffectAllow, Body: body, Reason: reason}
}

// Deny builds a deny rule.
func Deny(reason string, body ...Atom) Rule {
	return Rule{Effect: EffectDeny, Body: body, Reason: reason}
}

// GlobalDepthDenyRule builds the standing deny rule that fires once a
// declared delegation depth exceeds maxDepth.
func GlobalDepthDenyRule(maxDepth int) Rule {
	return Deny(
		"delegation depth exceeds maximum",
		FactAtom("depth", V("d")),
		GuardAtom("input[\"d\"] > "+strconv.Itoa(maxDepth)),
	)
}

// Package policy implements the Datalog Policy Engine: a small
// forward-chaining authorizer whose knowledge base is rebuilt per request
// from root-credential facts, receipt facts, context facts, delegation
// chain facts, and sandboxed-adapter facts, then evaluated against a fixed
// rule set plus one built-in global deny rule.
package policy

// Fact is one ground fact in the knowledge base: a name plus an ordered
// list of arguments, each either an int64 or a string.
type Fact struct {
	Name string
	Args []any
}

// KnowledgeBase is the per-request fact set, assembled in the fixed
// ingestion order the policy engine requires.
type KnowledgeBase struct {
	facts []Fact
}

// NewKnowledgeBase creates an empty knowledge base.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{}
}

// Add appends a fact to the knowledge base.
func (kb *KnowledgeBase) Add(name string, args ...any) {
	kb.facts = append(kb.facts, Fact{Name: name, Args: args})
}

// AddFact appends an already-built Fact.
func (kb *KnowledgeBase) AddFact(f Fact) {
	kb.facts = append(kb.facts, f)
}

// Facts returns every fact matching name, in ingestion order.
func (kb *KnowledgeBase) Facts(name string) []Fact {
	var out []Fact
	for _, f := range kb.facts {
		if f.Name == name {
			out = append(out, f)
		}
	}
	return out
}

// All returns every fact in the knowledge base.
func (kb *KnowledgeBase) All() []Fact {
	return kb.facts
}

package credential

import "github.com/golang-jwt/jwt/v5"

// VACFact is one fact attached to a root credential or receipt, following
// the same {fact, args} shape the sandbox emits.
type VACFact struct {
	Fact string `json:"fact"`
	Args []any  `json:"args,omitempty"`
}

// RootClaims is the JWT claim set carried by a root credential. Depth is
// the delegation depth this credential declares (0 for a direct
// presentation); AdapterFingerprint, if set, pins the sandboxed module
// that must run over request bodies presented under this credential.
type RootClaims struct {
	jwt.RegisteredClaims
	Depth              int       `json:"depth"`
	AdapterFingerprint string    `json:"adapter_fingerprint,omitempty"`
	Facts              []VACFact `json:"vac_facts,omitempty"`
}

// ReceiptClaims is the JWT claim set carried by a receipt minted by this
// sidecar. It always carries exactly one prior_event fact: operation,
// workflow ID, and the mint-time unix timestamp. ChainIdentifiers and
// ChainDepth record the delegation chain that was in force when the
// receipt was minted, for audit.
type ReceiptClaims struct {
	jwt.RegisteredClaims
	Operation        string   `json:"operation"`
	WorkflowID       string   `json:"workflow_id"`
	IssuedUnix       int64    `json:"issued_unix"`
	ChainIdentifiers []string `json:"chain_identifiers,omitempty"`
	ChainDepth       int      `json:"chain_depth"`
}

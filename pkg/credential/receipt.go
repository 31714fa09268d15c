package credential

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/certainly-param/vac-protocol/pkg/vacerr"
)

// ReceiptLifetime is how long a minted receipt is valid for, before grace.
const ReceiptLifetime = 300 * time.Second

// ReceiptClockSkewGrace is added to ReceiptLifetime when checking expiry.
const ReceiptClockSkewGrace = 30 * time.Second

// Minter mints receipts signed by the current session key.
type Minter struct {
	keys  *SessionKeySet
	clock func() time.Time
}

// NewMinter creates a receipt minter bound to keys.
func NewMinter(keys *SessionKeySet) *Minter {
	return &Minter{keys: keys, clock: time.Now}
}

// WithClock overrides the minter's time source, for deterministic tests.
func (m *Minter) WithClock(clock func() time.Time) *Minter {
	m.clock = clock
	return m
}

// Mint signs a new receipt witnessing operation within workflowID, with no
// delegation chain attached.
func (m *Minter) Mint(operation, workflowID string) (string, error) {
	return m.MintForChain(operation, workflowID, nil)
}

// MintForChain signs a new receipt witnessing operation within workflowID,
// embedding chain's delegation-chain identifiers and final depth for audit.
// A nil chain mints a receipt with no chain identifiers and depth 0, the
// same as a direct depth-0 presentation.
func (m *Minter) MintForChain(operation, workflowID string, chain *ChainResult) (string, error) {
	now := m.clock()
	claims := ReceiptClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
		Operation:  operation,
		WorkflowID: workflowID,
		IssuedUnix: now.Unix(),
	}
	if chain != nil {
		claims.ChainIdentifiers = chain.Identifiers
		claims.ChainDepth = chain.Depth
	}
	return m.keys.Sign(claims)
}

// VerifyReceipt checks a receipt's signature under the session public key,
// its prior_event fact, its expiry, and its workflow correlation.
func VerifyReceipt(token string, keys *SessionKeySet, expectedWorkflowID string, now time.Time) (*ReceiptClaims, error) {
	claims := &ReceiptClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keys.KeyFunc())
	if err != nil || !parsed.Valid {
		return nil, vacerr.Wrap(vacerr.ReceiptError, "receipt signature invalid", err)
	}

	if claims.Operation == "" || claims.WorkflowID == "" {
		return nil, vacerr.New(vacerr.ReceiptError, "receipt missing prior_event fact")
	}

	deadline := time.Unix(claims.IssuedUnix, 0).Add(ReceiptLifetime + ReceiptClockSkewGrace)
	if now.After(deadline) {
		return nil, vacerr.New(vacerr.ReceiptExpired, fmt.Sprintf("receipt expired at %s", deadline))
	}

	if claims.WorkflowID != expectedWorkflowID {
		return nil, vacerr.New(vacerr.CorrelationIdMismatch, "receipt workflow id does not match request")
	}

	return claims, nil
}

// VerifyReceiptOffline checks a receipt's signature against a published
// session public key alone, with no access to the live SessionKeySet and
// no revocation/workflow-correlation context. It trusts only the wire
// format and the EdDSA primitive, the same posture an operator tool takes
// toward any artifact it verifies after the fact, well after the signing
// process has exited. The kid header is read but not checked against
// anything, since an offline verifier has no key ring to check it against.
func VerifyReceiptOffline(token string, sessionPub ed25519.PublicKey) (*ReceiptClaims, error) {
	claims := &ReceiptClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("credential: unexpected signing method %v", t.Header["alg"])
		}
		return sessionPub, nil
	})
	if err != nil || !parsed.Valid {
		return nil, vacerr.Wrap(vacerr.ReceiptError, "receipt signature invalid", err)
	}

	if claims.Operation == "" || claims.WorkflowID == "" {
		return nil, vacerr.New(vacerr.ReceiptError, "receipt missing prior_event fact")
	}

	return claims, nil
}

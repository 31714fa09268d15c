package credential

import (
	"encoding/hex"
	"fmt"

	"github.com/certainly-param/vac-protocol/pkg/vacerr"
)

// ChainResult is the outcome of a successful delegation-chain verification.
type ChainResult struct {
	// Identifiers lists every chain element's hex-encoded identifier, in
	// order. For a direct presentation (empty chain) this contains exactly
	// the Authorization credential's identifier.
	Identifiers []string
	// Depth is the final depth, equal to len(Identifiers)-1.
	Depth int
}

// VerifyChain verifies an ordered delegation chain of base64/compact-JWS
// credentials plus the Authorization credential they must terminate in.
// chain may be empty, meaning a direct depth-0 presentation.
func (v *RootVerifier) VerifyChain(chain []string, authorization string) (*ChainResult, error) {
	if len(chain) == 0 {
		authID, err := IdentifierFromToken(authorization)
		if err != nil {
			return nil, vacerr.Wrap(vacerr.InvalidTokenFormat, "malformed authorization credential", err)
		}
		authVerified, err := v.Verify(authorization, nil)
		if err != nil {
			return nil, err
		}
		if authVerified.Claims.Depth != 0 {
			return nil, vacerr.New(vacerr.PolicyViolation, "direct presentation must declare depth 0")
		}
		return &ChainResult{Identifiers: []string{hex.EncodeToString(authID[:])}, Depth: 0}, nil
	}

	identifiers := make([]string, 0, len(chain))
	var lastID [IdentifierSize]byte

	for i, credToken := range chain {
		verified, err := v.Verify(credToken, nil)
		if err != nil {
			return nil, vacerr.Wrap(vacerr.PolicyViolation, fmt.Sprintf("delegation chain element %d failed verification", i), err)
		}
		if verified.Claims.Depth != i {
			return nil, vacerr.New(vacerr.PolicyViolation, fmt.Sprintf("delegation chain element %d declares depth %d, expected %d", i, verified.Claims.Depth, i))
		}
		identifiers = append(identifiers, hex.EncodeToString(verified.Identifier[:]))
		lastID = verified.Identifier
	}

	authID, err := IdentifierFromToken(authorization)
	if err != nil {
		return nil, vacerr.Wrap(vacerr.InvalidTokenFormat, "malformed authorization credential", err)
	}
	if authID != lastID {
		return nil, vacerr.New(vacerr.PolicyViolation, "last delegation chain element does not match authorization credential")
	}

	authVerified, err := v.Verify(authorization, nil)
	if err != nil {
		return nil, err
	}
	if authVerified.Claims.Depth != len(chain)-1 {
		return nil, vacerr.New(vacerr.PolicyViolation, fmt.Sprintf("authorization credential declares depth %d, expected %d", authVerified.Claims.Depth, len(chain)-1))
	}

	return &ChainResult{Identifiers: identifiers, Depth: authVerified.Claims.Depth}, nil
}

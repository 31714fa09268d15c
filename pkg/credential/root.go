package credential

import (
	"crypto/ed25519"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/certainly-param/vac-protocol/pkg/vacerr"
)

// Revoker reports whether a credential identifier has been revoked. It is
// satisfied by *revocation.Filter without this package importing it
// directly, keeping the dependency direction one-way.
type Revoker interface {
	IsRevoked(id []byte) bool
}

// RootVerifier verifies root credentials against a single, fixed root
// public key configured at startup.
type RootVerifier struct {
	rootPub ed25519.PublicKey
}

// NewRootVerifier creates a verifier bound to rootPub.
func NewRootVerifier(rootPub ed25519.PublicKey) *RootVerifier {
	return &RootVerifier{rootPub: rootPub}
}

// Verified is the result of a successful root-credential verification.
type Verified struct {
	Claims     *RootClaims
	Identifier [IdentifierSize]byte
}

// Verify checks token's signature under the root public key and, if
// revoker is non-nil, that its identifier is not revoked. Both a revoked
// identifier and a bad signature produce the same InvalidSignature kind —
// this is deliberate: it denies a revoked holder the ability to tell
// revocation apart from a forged or expired signature from the outside.
func (v *RootVerifier) Verify(token string, revoker Revoker) (*Verified, error) {
	identifier, err := IdentifierFromToken(token)
	if err != nil {
		return nil, vacerr.Wrap(vacerr.InvalidTokenFormat, "malformed credential", err)
	}

	if revoker != nil && revoker.IsRevoked(identifier[:]) {
		return nil, vacerr.New(vacerr.InvalidSignature, "credential rejected")
	}

	claims := &RootClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.rootPub, nil
	})
	if err != nil || !parsed.Valid {
		return nil, vacerr.New(vacerr.InvalidSignature, "credential rejected")
	}

	if err := ValidateFacts(claims.Facts); err != nil {
		return nil, err
	}

	return &Verified{Claims: claims, Identifier: identifier}, nil
}

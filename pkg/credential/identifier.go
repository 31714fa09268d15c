// Package credential implements root-credential verification, delegation
// chain verification, receipt minting and verification, and session-key
// rotation.
package credential

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// IdentifierSize is the length of a credential identifier in bytes.
const IdentifierSize = 32

// Identifier computes the 32-byte content hash of a credential's canonical
// serialized form: the compact JWS segments (header, payload, signature),
// each base64url-encoded, canonicalized per RFC 8785 before hashing so the
// identifier is stable regardless of incidental JSON formatting.
func Identifier(headerB64, payloadB64, sigB64 string) ([IdentifierSize]byte, error) {
	triple := []string{headerB64, payloadB64, sigB64}
	raw, err := json.Marshal(triple)
	if err != nil {
		return [IdentifierSize]byte{}, fmt.Errorf("credential: marshal identifier triple: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return [IdentifierSize]byte{}, fmt.Errorf("credential: canonicalize identifier triple: %w", err)
	}
	return sha256.Sum256(canonical), nil
}

// IdentifierFromToken splits a compact JWS string ("header.payload.sig")
// and computes its Identifier.
func IdentifierFromToken(token string) ([IdentifierSize]byte, error) {
	header, payload, sig, err := splitCompactJWS(token)
	if err != nil {
		return [IdentifierSize]byte{}, err
	}
	return Identifier(header, payload, sig)
}

func splitCompactJWS(token string) (header, payload, sig string, err error) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			parts = append(parts, token[start:i])
			start = i + 1
		}
	}
	parts = append(parts, token[start:])
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("credential: malformed compact JWS: expected 3 segments, got %d", len(parts))
	}
	return parts[0], parts[1], parts[2], nil
}

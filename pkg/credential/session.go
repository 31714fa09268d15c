package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionKeySet owns the sidecar's signing key for minted receipts. Unlike
// a long-lived identity keyset that retains recently-rotated keys so
// in-flight tokens keep verifying, SessionKeySet keeps exactly one active
// key: rotation must invalidate every receipt minted before it, which a
// retained-key ring would defeat.
type SessionKeySet struct {
	mu      sync.RWMutex
	kid     string
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	rotatedAt time.Time
	clock   func() time.Time
}

// NewSessionKeySet generates the first session key and returns the set.
func NewSessionKeySet() (*SessionKeySet, error) {
	ks := &SessionKeySet{clock: time.Now}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// WithClock overrides the keyset's time source, for deterministic tests.
func (ks *SessionKeySet) WithClock(clock func() time.Time) *SessionKeySet {
	ks.clock = clock
	return ks
}

// Rotate discards the current key and generates a fresh one. Any receipt
// signed under the discarded key will fail verification from this point
// on, by construction: there is nowhere else to look it up.
func (ks *SessionKeySet) Rotate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("credential: generate session key: %w", err)
	}
	now := ks.now()
	kid := fmt.Sprintf("session-%d", now.UnixNano())

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.kid = kid
	ks.private = priv
	ks.public = pub
	ks.rotatedAt = now
	return nil
}

func (ks *SessionKeySet) now() time.Time {
	if ks.clock != nil {
		return ks.clock()
	}
	return time.Now()
}

// PublicKey returns the currently active public key, for publishing via
// heartbeat.
func (ks *SessionKeySet) PublicKey() ed25519.PublicKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.public
}

// KeyID returns the currently active key identifier.
func (ks *SessionKeySet) KeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.kid
}

// RotatedAt returns the timestamp of the most recent rotation.
func (ks *SessionKeySet) RotatedAt() time.Time {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.rotatedAt
}

// Sign signs claims with the current session key.
func (ks *SessionKeySet) Sign(claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	priv, kid := ks.private, ks.kid
	ks.mu.RUnlock()

	if priv == nil {
		return "", fmt.Errorf("credential: session key not initialized")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(priv)
}

// KeyFunc returns a jwt.Keyfunc that only ever accepts the currently active
// key: a token signed under a rotated-out key fails verification, which is
// the intended session-key rotation semantics.
func (ks *SessionKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("credential: unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("credential: missing kid header")
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		if kid != ks.kid {
			return nil, fmt.Errorf("credential: key %s is not the active session key", kid)
		}
		return ks.public, nil
	}
}

// Package sidecar holds the shared State every request-handling task and
// the heartbeat loop operate on, and the locking discipline that keeps
// them from contending unnecessarily.
package sidecar

import (
	"crypto/ed25519"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certainly-param/vac-protocol/pkg/adapterstore"
	"github.com/certainly-param/vac-protocol/pkg/credential"
	"github.com/certainly-param/vac-protocol/pkg/ratelimit"
	"github.com/certainly-param/vac-protocol/pkg/replaycache"
	"github.com/certainly-param/vac-protocol/pkg/revocation"
	"github.com/certainly-param/vac-protocol/pkg/sandbox"
)

// State is the single long-lived value created at process start and passed
// by reference into every request task and the heartbeat loop. There is no
// package-level mutable singleton.
type State struct {
	// Immutable for the process lifetime.
	RootPublicKey ed25519.PublicKey
	UpstreamURL   string
	sidecarID     string

	upstreamAPIKey []byte
	upstreamMu     sync.RWMutex

	// Session key mutates only via rotation, guarded by mu below.
	mu              sync.RWMutex
	sessionKeys     *credential.SessionKeySet
	healthy         bool
	lockdown        bool
	consecutiveFail int
	lastHeartbeat   time.Time
	lastRotation    time.Time

	// Separately guarded so pipeline reads never block heartbeat
	// revocation updates and vice versa.
	Revocation *revocation.Filter
	Adapters   *sandbox.Registry

	// Internally synchronized; many concurrent requests contend on these
	// briefly.
	ReplayCache *replaycache.Cache
	RateLimiter ratelimit.Store

	AdapterStore adapterstore.Store
	HTTPClient   *http.Client
}

// Config bundles what New needs to build a State.
type Config struct {
	RootPublicKey  ed25519.PublicKey
	UpstreamURL    string
	UpstreamAPIKey string
	HTTPClient     *http.Client
	Revocation     *revocation.Filter
	Adapters       *sandbox.Registry
	ReplayCache    *replaycache.Cache
	RateLimiter    ratelimit.Store
	AdapterStore   adapterstore.Store
}

// New builds a fresh sidecar State with its own session key pair and a
// freshly generated sidecar identifier.
func New(cfg Config) (*State, error) {
	keys, err := credential.NewSessionKeySet()
	if err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	s := &State{
		RootPublicKey:  cfg.RootPublicKey,
		UpstreamURL:    cfg.UpstreamURL,
		sidecarID:      uuid.NewString(),
		upstreamAPIKey: []byte(cfg.UpstreamAPIKey),
		sessionKeys:    keys,
		healthy:        true,
		Revocation:     cfg.Revocation,
		Adapters:       cfg.Adapters,
		ReplayCache:    cfg.ReplayCache,
		RateLimiter:    cfg.RateLimiter,
		AdapterStore:   cfg.AdapterStore,
		HTTPClient:     httpClient,
	}
	s.lastRotation = keys.RotatedAt()
	return s, nil
}

// SessionKeys returns the current session keyset, under the shared lock.
func (s *State) SessionKeys() *credential.SessionKeySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionKeys
}

// UpstreamAPIKey returns the upstream API key bytes. Callers must not
// retain a reference past the call: Drop zeroes the backing array.
func (s *State) UpstreamAPIKey() []byte {
	s.upstreamMu.RLock()
	defer s.upstreamMu.RUnlock()
	return s.upstreamAPIKey
}

// Drop zeroes the upstream API key in place. Page-pinning against swap is
// left to OS/deployment configuration (e.g. mlockall in the container
// runtime); Go offers no portable pin primitive without cgo.
func (s *State) Drop() {
	s.upstreamMu.Lock()
	defer s.upstreamMu.Unlock()
	for i := range s.upstreamAPIKey {
		s.upstreamAPIKey[i] = 0
	}
}

// RotateSessionKey rotates the session key pair atomically under the
// writer lock, updating LastRotation. Any request mid-flight either saw
// the old key consistently or sees the new key consistently, never a mix.
func (s *State) RotateSessionKey(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sessionKeys.Rotate(); err != nil {
		return err
	}
	s.lastRotation = now
	return nil
}

// LastRotation returns the timestamp of the most recent session-key
// rotation.
func (s *State) LastRotation() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRotation
}

// SetHealth updates the heartbeat health flags under the writer lock.
func (s *State) SetHealth(healthy bool, lastHeartbeat time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
	s.lastHeartbeat = lastHeartbeat
	if healthy {
		s.consecutiveFail = 0
	}
}

// RecordHeartbeatFailure increments the consecutive-failure counter and
// reports whether it has now crossed the lockdown threshold.
func (s *State) RecordHeartbeatFailure(threshold int) (lockedDown bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFail++
	if s.consecutiveFail >= threshold {
		s.lockdown = true
	}
	return s.lockdown
}

// Lockdown reports whether the sidecar is in degraded lockdown mode.
func (s *State) Lockdown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockdown
}

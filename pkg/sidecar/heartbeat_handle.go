package sidecar

import (
	"encoding/base64"
	"time"
)

// The methods below satisfy heartbeat.StateHandle without pkg/sidecar
// importing pkg/heartbeat, keeping the dependency one-way (heartbeat
// depends on sidecar's shape, not the reverse).

// SidecarID returns the process's generated identifier.
func (s *State) SidecarID() string {
	return s.sidecarID
}

// SessionPublicKeyB64 returns the current session public key, base64
// encoded, for publishing via heartbeat.
func (s *State) SessionPublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(s.SessionKeys().PublicKey())
}

// RotationDue reports whether at least interval has elapsed since the
// last rotation, or the clock has gone backwards relative to it.
func (s *State) RotationDue(now time.Time, interval time.Duration) bool {
	last := s.LastRotation()
	if now.Before(last) {
		return true
	}
	return now.Sub(last) >= interval
}

// Rotate rotates the session key in place, recording now as the rotation
// timestamp.
func (s *State) Rotate(now time.Time) error {
	return s.RotateSessionKey(now)
}

// UpdateRevocation folds a fresh revocation list into the shared filter.
func (s *State) UpdateRevocation(ids [][]byte) {
	s.Revocation.Update(ids)
}

// SetHealthy records the latest heartbeat health outcome.
func (s *State) SetHealthy(healthy bool, at time.Time) {
	s.SetHealth(healthy, at)
}

// RecordFailure increments the consecutive heartbeat failure counter.
func (s *State) RecordFailure(threshold int) bool {
	return s.RecordHeartbeatFailure(threshold)
}

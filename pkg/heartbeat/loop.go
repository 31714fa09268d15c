// Package heartbeat runs the sidecar's independent liveness loop: it
// periodically announces itself to the control plane, folds revocation
// updates into the shared revocation filter, and triggers session-key
// rotation and lockdown.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Request is the body POSTed to the control plane on each tick.
type Request struct {
	SidecarID     string `json:"sidecar_id"`
	SessionKeyPub string `json:"session_key_pub"`
	Timestamp     uint64 `json:"timestamp"`
}

// Response is the control plane's reply.
type Response struct {
	Healthy         bool     `json:"healthy"`
	RevokedTokenIDs [][]byte `json:"revoked_token_ids,omitempty"`
}

// StateHandle is the subset of sidecar.State the loop needs, kept as an
// interface so this package does not import pkg/sidecar directly and the
// dependency stays one-way.
type StateHandle interface {
	SidecarID() string
	SessionPublicKeyB64() string
	RotationDue(now time.Time, interval time.Duration) bool
	Rotate(now time.Time) error
	UpdateRevocation(ids [][]byte)
	SetHealthy(healthy bool, at time.Time)
	RecordFailure(threshold int) (lockedDown bool)
}

// Loop owns the heartbeat goroutine's lifecycle.
type Loop struct {
	state           StateHandle
	client          *http.Client
	controlPlaneURL string
	cadence         time.Duration
	rotationPeriod  time.Duration
	failThreshold   int
	clock           func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

// Config configures a heartbeat Loop.
type Config struct {
	State           StateHandle
	Client          *http.Client
	ControlPlaneURL string
	Cadence         time.Duration
	RotationPeriod  time.Duration
	FailThreshold   int
}

// New creates a heartbeat loop. Cadence defaults to 60s and FailThreshold
// to 3 when left zero.
func New(cfg Config) *Loop {
	cadence := cfg.Cadence
	if cadence <= 0 {
		cadence = 60 * time.Second
	}
	threshold := cfg.FailThreshold
	if threshold <= 0 {
		threshold = 3
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Loop{
		state:           cfg.State,
		client:          client,
		controlPlaneURL: cfg.ControlPlaneURL,
		cadence:         cadence,
		rotationPeriod:  cfg.RotationPeriod,
		failThreshold:   threshold,
		clock:           time.Now,
		stop:            make(chan struct{}),
	}
}

// WithClock overrides the loop's time source, for deterministic tests.
func (l *Loop) WithClock(clock func() time.Time) *Loop {
	l.clock = clock
	return l
}

// Run blocks, ticking at the configured cadence, until ctx is cancelled or
// Stop is called.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// Stop halts the loop. Safe to call more than once; calls after the first
// do nothing.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stop)
}

func (l *Loop) tick(ctx context.Context) {
	now := l.clock()

	if l.rotationPeriod > 0 && l.state.RotationDue(now, l.rotationPeriod) {
		if err := l.state.Rotate(now); err != nil {
			// Rotation failure is not itself a heartbeat failure; the
			// process keeps serving under the previous session key.
			return
		}
	}

	req := Request{
		SidecarID:     l.state.SidecarID(),
		SessionKeyPub: l.state.SessionPublicKeyB64(),
		Timestamp:     uint64(now.Unix()),
	}

	resp, err := l.post(ctx, req)
	if err != nil {
		if l.state.RecordFailure(l.failThreshold) {
			// lockdown now engaged; §4.7 remains authoritative for what
			// that means to inbound requests.
		}
		return
	}

	l.state.SetHealthy(resp.Healthy, now)
	if len(resp.RevokedTokenIDs) > 0 {
		l.state.UpdateRevocation(resp.RevokedTokenIDs)
	}
	if !resp.Healthy {
		l.Stop()
	}
}

func (l *Loop) post(ctx context.Context, body Request) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: marshal request: %w", err)
	}

	url := l.controlPlaneURL + "/heartbeat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("heartbeat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: send request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("heartbeat: control plane returned status %d", httpResp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("heartbeat: decode response: %w", err)
	}
	return &out, nil
}

// Command vac-controlplane is a minimal stand-in for the control plane a
// sidecar heartbeats against: it answers /heartbeat with the current
// revocation list and exposes /revoke for test harnesses to add
// credential identifiers to that list. It is not part of the sidecar's
// trust boundary; a real deployment's control plane is a separate system.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/certainly-param/vac-protocol/pkg/heartbeat"
	"github.com/certainly-param/vac-protocol/pkg/obs"
)

type server struct {
	mu       sync.Mutex
	revoked  [][]byte
	healthy  bool
	logger   *slog.Logger
}

func newServer(logger *slog.Logger) *server {
	return &server{healthy: true, logger: logger}
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed heartbeat body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	resp := heartbeat.Response{Healthy: s.healthy, RevokedTokenIDs: s.revoked}
	s.mu.Unlock()

	s.logger.Info("heartbeat received", "sidecar_id", req.SidecarID, "session_key_pub", req.SessionKeyPub)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode heartbeat response", "error", err)
	}
}

type revokeRequest struct {
	IdentifierHex string `json:"identifier_hex"`
}

func (s *server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed revoke body", http.StatusBadRequest)
		return
	}
	id, err := hex.DecodeString(req.IdentifierHex)
	if err != nil {
		http.Error(w, "identifier_hex must be hex-encoded", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.revoked = append(s.revoked, id)
	s.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleUnhealthy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	s.healthy = false
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func main() {
	addr := flag.String("addr", "0.0.0.0:8081", "listen address")
	flag.Parse()

	logger := obs.NewLogger("info")
	srv := newServer(logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/heartbeat", srv.handleHeartbeat)
	mux.HandleFunc("/revoke", srv.handleRevoke)
	mux.HandleFunc("/mark-unhealthy", srv.handleUnhealthy)

	logger.Info("mock control plane listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "vac-controlplane: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/certainly-param/vac-protocol/pkg/heartbeat"
	"github.com/certainly-param/vac-protocol/pkg/obs"
)

func newTestServer() (*server, *httptest.Server) {
	s := newServer(obs.NewLogger("error"))
	mux := http.NewServeMux()
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/revoke", s.handleRevoke)
	mux.HandleFunc("/mark-unhealthy", s.handleUnhealthy)
	return s, httptest.NewServer(mux)
}

func TestHandleHeartbeat_ReturnsHealthyWithNoRevocations(t *testing.T) {
	_, ts := newTestServer()
	defer ts.Close()

	body, _ := json.Marshal(heartbeat.Request{SidecarID: "sc-1", SessionKeyPub: "abc", Timestamp: 1})
	resp, err := http.Post(ts.URL+"/heartbeat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out heartbeat.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Healthy {
		t.Error("expected healthy = true")
	}
	if len(out.RevokedTokenIDs) != 0 {
		t.Errorf("expected no revocations, got %d", len(out.RevokedTokenIDs))
	}
}

func TestHandleRevoke_AppearsInNextHeartbeat(t *testing.T) {
	_, ts := newTestServer()
	defer ts.Close()

	idHex := hex.EncodeToString([]byte("credential-identifier-32-bytes!!"))
	revokeBody, _ := json.Marshal(revokeRequest{IdentifierHex: idHex})
	resp, err := http.Post(ts.URL+"/revoke", "application/json", bytes.NewReader(revokeBody))
	if err != nil {
		t.Fatalf("post revoke: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("revoke status = %d, want 202", resp.StatusCode)
	}

	hbBody, _ := json.Marshal(heartbeat.Request{SidecarID: "sc-1"})
	hbResp, err := http.Post(ts.URL+"/heartbeat", "application/json", bytes.NewReader(hbBody))
	if err != nil {
		t.Fatalf("post heartbeat: %v", err)
	}
	defer hbResp.Body.Close()

	var out heartbeat.Response
	if err := json.NewDecoder(hbResp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.RevokedTokenIDs) != 1 {
		t.Fatalf("revoked ids = %d, want 1", len(out.RevokedTokenIDs))
	}
	if hex.EncodeToString(out.RevokedTokenIDs[0]) != idHex {
		t.Errorf("revoked id = %x, want %s", out.RevokedTokenIDs[0], idHex)
	}
}

func TestHandleRevoke_RejectsNonHexIdentifier(t *testing.T) {
	_, ts := newTestServer()
	defer ts.Close()

	body, _ := json.Marshal(revokeRequest{IdentifierHex: "not-hex!!"})
	resp, err := http.Post(ts.URL+"/revoke", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleUnhealthy_FlipsHeartbeatHealthField(t *testing.T) {
	_, ts := newTestServer()
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mark-unhealthy", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	hbBody, _ := json.Marshal(heartbeat.Request{SidecarID: "sc-1"})
	hbResp, err := http.Post(ts.URL+"/heartbeat", "application/json", bytes.NewReader(hbBody))
	if err != nil {
		t.Fatalf("post heartbeat: %v", err)
	}
	defer hbResp.Body.Close()

	var out heartbeat.Response
	if err := json.NewDecoder(hbResp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Healthy {
		t.Error("expected healthy = false after mark-unhealthy")
	}
}

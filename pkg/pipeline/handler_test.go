package pipeline

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certainly-param/vac-protocol/pkg/credential"
	"github.com/certainly-param/vac-protocol/pkg/obs"
	"github.com/certainly-param/vac-protocol/pkg/policy"
	"github.com/certainly-param/vac-protocol/pkg/ratelimit"
	"github.com/certainly-param/vac-protocol/pkg/replaycache"
	"github.com/certainly-param/vac-protocol/pkg/revocation"
	"github.com/certainly-param/vac-protocol/pkg/sandbox"
	"github.com/certainly-param/vac-protocol/pkg/sidecar"
)

func newTestHandler(t *testing.T, rules []policy.Rule) (*Handler, ed25519.PrivateKey, *httptest.Server) {
	t.Helper()

	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer upstream-secret", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Vac-Delegation"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	registry, err := sandbox.NewRegistry(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	state, err := sidecar.New(sidecar.Config{
		RootPublicKey:  rootPub,
		UpstreamURL:    upstream.URL,
		UpstreamAPIKey: "upstream-secret",
		Revocation:     revocation.New(),
		Adapters:       registry,
		ReplayCache:    replaycache.NewCache(5 * time.Minute),
		RateLimiter:    ratelimit.NewInMemoryStore(),
	})
	require.NoError(t, err)

	h := &Handler{
		State:         state,
		RootVerifier:  credential.NewRootVerifier(rootPub),
		PolicyRules:   rules,
		RatePolicy:    ratelimit.Policy{Capacity: 100, Window: time.Minute},
		UpstreamToken: "upstream-secret",
	}
	return h, rootPriv, upstream
}

func signRoot(t *testing.T, priv ed25519.PrivateKey, depth int, facts []credential.VACFact) string {
	t.Helper()
	claims := credential.RootClaims{
		RegisteredClaims: jwt.RegisteredClaims{},
		Depth:            depth,
		Facts:            facts,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestHandler_HappyPathAllowsAndMintsReceipt(t *testing.T) {
	rules := []policy.Rule{
		policy.Allow("always allow", policy.GuardAtom("true")),
	}
	h, rootPriv, _ := newTestHandler(t, rules)
	root := signRoot(t, rootPriv, 0, nil)

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("Authorization", "Bearer "+root)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(ReceiptHeader))
}

func TestHandler_HappyPathWithTracerConfigured(t *testing.T) {
	rules := []policy.Rule{
		policy.Allow("always allow", policy.GuardAtom("true")),
	}
	h, rootPriv, _ := newTestHandler(t, rules)
	tracing, err := obs.NewTracing(context.Background(), obs.TracingConfig{ServiceName: "vac-sidecar-test"})
	require.NoError(t, err)
	h.Tracer = tracing
	root := signRoot(t, rootPriv, 0, nil)

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("Authorization", "Bearer "+root)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(ReceiptHeader))
}

func TestHandler_MissingAuthorizationIsRejected(t *testing.T) {
	rules := []policy.Rule{policy.Allow("always allow", policy.GuardAtom("true"))}
	h, _, upstreamCalled := newTestHandler(t, rules)
	var hit bool
	upstreamCalled.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, hit, "upstream must never be contacted on missing credential")
}

func TestHandler_StateGateDeniesWithoutPriorEvent(t *testing.T) {
	rules := []policy.Rule{
		policy.Allow("charge requires prior search",
			policy.FactAtom("operation", policy.L("POST"), policy.L("/charge")),
			policy.FactAtom("prior_event", policy.V("op"), policy.V("wid"), policy.V("ts")),
			policy.GuardAtom(`input["op"] == "GET /search"`),
		),
	}
	h, rootPriv, _ := newTestHandler(t, rules)
	root := signRoot(t, rootPriv, 0, nil)

	req := httptest.NewRequest(http.MethodPost, "/charge", nil)
	req.Header.Set("Authorization", "Bearer "+root)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_StateGateAllowsWithPriorReceipt(t *testing.T) {
	rules := []policy.Rule{
		policy.Allow("charge requires prior search",
			policy.FactAtom("operation", policy.L("POST"), policy.L("/charge")),
			policy.FactAtom("prior_event", policy.V("op"), policy.V("wid"), policy.V("ts")),
			policy.GuardAtom(`input["op"] == "GET /search"`),
		),
	}
	h, rootPriv, _ := newTestHandler(t, rules)
	root := signRoot(t, rootPriv, 0, nil)

	wid := "11111111-1111-4111-8111-111111111111"
	minter := credential.NewMinter(h.State.SessionKeys())
	receipt, err := minter.Mint("GET /search", wid)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/charge", nil)
	req.Header.Set("Authorization", "Bearer "+root)
	req.Header.Set(CorrelationHeader, wid)
	req.Header.Set(ReceiptHeader, receipt)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_RevokedCredentialIsRejected(t *testing.T) {
	rules := []policy.Rule{policy.Allow("always allow", policy.GuardAtom("true"))}
	h, rootPriv, _ := newTestHandler(t, rules)
	root := signRoot(t, rootPriv, 0, nil)

	id, err := credential.IdentifierFromToken(root)
	require.NoError(t, err)
	require.NoError(t, h.State.Revocation.Revoke(id[:]))

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("Authorization", "Bearer "+root)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_DelegationOverDepthIsDenied(t *testing.T) {
	rules := []policy.Rule{policy.Allow("always allow", policy.GuardAtom("true"))}
	h, rootPriv, _ := newTestHandler(t, rules)

	// Build a well-formed delegation chain declaring depths 0..6, so the
	// presented credential (the last element) has depth 6, which exceeds
	// the maximum of 5.
	chain := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		chain = append(chain, signRoot(t, rootPriv, i, nil))
	}
	auth := chain[len(chain)-1]

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("Authorization", "Bearer "+auth)
	for _, c := range chain {
		req.Header.Add(DelegationHeader, c)
	}
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_ReplayedWorkflowIDIsRejected(t *testing.T) {
	rules := []policy.Rule{policy.Allow("always allow", policy.GuardAtom("true"))}
	h, rootPriv, _ := newTestHandler(t, rules)
	root := signRoot(t, rootPriv, 0, nil)
	wid := "22222222-2222-4222-8222-222222222222"

	req1 := httptest.NewRequest(http.MethodGet, "/search", nil)
	req1.Header.Set("Authorization", "Bearer "+root)
	req1.Header.Set(CorrelationHeader, wid)
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/search", nil)
	req2.Header.Set("Authorization", "Bearer "+root)
	req2.Header.Set(CorrelationHeader, wid)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)

	assert.Equal(t, http.StatusForbidden, rec2.Code)
}

func TestHandler_NonMatchingPolicyDeniesByDefault(t *testing.T) {
	rules := []policy.Rule{
		policy.Allow("never matches", policy.FactAtom("nonexistent", policy.L("x"))),
	}
	h, rootPriv, _ := newTestHandler(t, rules)
	root := signRoot(t, rootPriv, 0, nil)

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("Authorization", "Bearer "+root)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// Package pipeline implements the Request Pipeline: the fail-closed,
// strictly-ordered HTTP handler that composes every other verification
// component before ever contacting the upstream.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/certainly-param/vac-protocol/pkg/credential"
	"github.com/certainly-param/vac-protocol/pkg/obs"
	"github.com/certainly-param/vac-protocol/pkg/policy"
	"github.com/certainly-param/vac-protocol/pkg/ratelimit"
	"github.com/certainly-param/vac-protocol/pkg/replaycache"
	"github.com/certainly-param/vac-protocol/pkg/sidecar"
	"github.com/certainly-param/vac-protocol/pkg/vacerr"
)

const (
	// BodyCeiling bounds the request body the pipeline will buffer.
	BodyCeiling = 10 * 1024 * 1024
	// MaxDelegationDepth is the wire-contract maximum delegation depth.
	MaxDelegationDepth = 5
	// CorrelationHeader carries the workflow identifier.
	CorrelationHeader = "X-Correlation-ID"
	// DelegationHeader carries one delegation-chain element per header
	// occurrence, in order.
	DelegationHeader = "X-VAC-Delegation"
	// ReceiptHeader carries a previously-minted receipt.
	ReceiptHeader = "X-VAC-Receipt"
)

var lockdownAllowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// Handler is the Request Pipeline's HTTP entry point.
type Handler struct {
	State         *sidecar.State
	RootVerifier  *credential.RootVerifier
	PolicyRules   []policy.Rule
	RatePolicy    ratelimit.Policy
	UpstreamToken string
	Logger        *slog.Logger
	// Tracer, if set, wraps each pipeline stage in a span. A nil Tracer
	// disables tracing entirely rather than requiring callers to build a
	// disabled one.
	Tracer *obs.Tracing
}

// stage starts a span named for one pipeline stage, if a Tracer is
// configured, and returns a context plus an ender to defer. With no
// Tracer, it is a no-op that returns ctx unchanged.
func (h *Handler) stage(ctx context.Context, name string) (context.Context, func()) {
	if h.Tracer == nil {
		return ctx, func() {}
	}
	spanCtx, span := h.Tracer.StartStage(ctx, name)
	return spanCtx, func() { span.End() }
}

// ServeHTTP implements http.Handler, running the fourteen-step ordered
// verification pipeline in front of the upstream proxy call.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	wid := h.workflowID(r)

	replayCtx, endReplay := h.stage(ctx, "replay_check")
	verr := h.checkReplay(wid)
	endReplay()
	if verr != nil {
		h.deny(w, wid, verr)
		return
	}
	if err := checkHeaderSanity(r.Header); err != nil {
		h.deny(w, wid, vacerr.Wrap(vacerr.InvalidTokenFormat, "header sanity check failed", err))
		return
	}

	rateCtx, endRate := h.stage(replayCtx, "rate_check")
	verr = h.checkRate(rateCtx)
	endRate()
	if verr != nil {
		h.deny(w, wid, verr)
		return
	}
	if h.State.Lockdown() && !lockdownAllowedMethods[r.Method] {
		h.deny(w, wid, vacerr.New(vacerr.Deny, "sidecar is in lockdown mode"))
		return
	}

	authToken, verr := h.extractAuthorization(r)
	if verr != nil {
		h.deny(w, wid, verr)
		return
	}

	_, endVerifyRoot := h.stage(rateCtx, "verify_root")
	rootVerified, verr := h.verifyRoot(authToken)
	endVerifyRoot()
	if verr != nil {
		h.deny(w, wid, verr)
		return
	}

	_, endVerifyChain := h.stage(rateCtx, "verify_delegation_chain")
	chainResult, verr := h.verifyDelegationChain(r, authToken)
	endVerifyChain()
	if verr != nil {
		h.deny(w, wid, verr)
		return
	}

	body, verr := h.readBody(r)
	if verr != nil {
		h.deny(w, wid, verr)
		return
	}

	kb := policy.NewKnowledgeBase()
	h.loadRootFacts(kb, rootVerified.Claims)

	receiptVerdict := h.loadReceiptFacts(kb, r, wid)
	if receiptVerdict != nil {
		h.deny(w, wid, receiptVerdict)
		return
	}

	kb.Add("operation", r.Method, r.URL.Path)
	kb.Add("correlation_id", wid)
	for _, id := range chainResult.Identifiers {
		kb.Add("delegation_chain", id)
	}

	if rootVerified.Claims.AdapterFingerprint != "" {
		sandboxCtx, endSandbox := h.stage(rateCtx, "sandbox_invoke")
		verr := h.loadAdapterFacts(sandboxCtx, kb, rootVerified.Claims.AdapterFingerprint, body)
		endSandbox()
		if verr != nil {
			h.deny(w, wid, verr)
			return
		}
	}

	_, endPolicy := h.stage(rateCtx, "policy_evaluate")
	verdict, err := h.evaluatePolicy(kb)
	endPolicy()
	if err != nil {
		h.deny(w, wid, vacerr.Wrap(vacerr.InternalError, "policy evaluation failed", err))
		return
	}
	if !verdict.Allow {
		h.logDenial(wid, vacerr.PolicyViolation, verdict.Reason)
		h.deny(w, wid, vacerr.New(vacerr.PolicyViolation, verdict.Reason))
		return
	}

	_, endForward := h.stage(rateCtx, "forward")
	defer endForward()
	h.forward(w, r, wid, body, chainResult)
}

func (h *Handler) workflowID(r *http.Request) string {
	candidate := r.Header.Get(CorrelationHeader)
	if candidate != "" {
		if id, err := uuid.Parse(candidate); err == nil && id.Version() == 4 {
			return candidate
		}
	}
	return uuid.NewString()
}

func (h *Handler) checkReplay(wid string) *vacerr.Error {
	switch h.State.ReplayCache.CheckAndInsert(wid) {
	case replaycache.Replay:
		return vacerr.New(vacerr.Deny, "workflow identifier already seen")
	case replaycache.New, replaycache.Disabled:
		return nil
	}
	return nil
}

func (h *Handler) checkRate(ctx context.Context) *vacerr.Error {
	ok, err := h.State.RateLimiter.Allow(ctx, h.State.SidecarID(), h.RatePolicy, 1)
	if err != nil {
		return vacerr.Wrap(vacerr.InternalError, "rate limiter failure", err)
	}
	if !ok {
		return vacerr.New(vacerr.Deny, "rate limit exceeded")
	}
	return nil
}

func (h *Handler) extractAuthorization(r *http.Request) (string, *vacerr.Error) {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) || len(authz) <= len(prefix) {
		return "", vacerr.New(vacerr.MissingToken, "missing or malformed Authorization header")
	}
	return strings.TrimPrefix(authz, prefix), nil
}

func (h *Handler) verifyRoot(token string) (*credential.Verified, *vacerr.Error) {
	verified, err := h.RootVerifier.Verify(token, h.State.Revocation)
	if err != nil {
		if ve, ok := err.(*vacerr.Error); ok {
			return nil, ve
		}
		return nil, vacerr.Wrap(vacerr.InvalidSignature, "credential rejected", err)
	}
	return verified, nil
}

func (h *Handler) verifyDelegationChain(r *http.Request, authToken string) (*credential.ChainResult, *vacerr.Error) {
	chain := r.Header.Values(DelegationHeader)
	result, err := h.RootVerifier.VerifyChain(chain, authToken)
	if err != nil {
		if ve, ok := err.(*vacerr.Error); ok {
			return nil, ve
		}
		return nil, vacerr.Wrap(vacerr.PolicyViolation, "delegation chain verification failed", err)
	}
	return result, nil
}

func (h *Handler) readBody(r *http.Request) ([]byte, *vacerr.Error) {
	if r.Body == nil {
		return nil, nil
	}
	limited := io.LimitReader(r.Body, BodyCeiling+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, vacerr.Wrap(vacerr.InvalidTokenFormat, "failed to read request body", err)
	}
	if len(data) > BodyCeiling {
		return nil, vacerr.New(vacerr.InvalidTokenFormat, fmt.Sprintf("request body exceeds %d byte ceiling", BodyCeiling))
	}
	return data, nil
}

func (h *Handler) loadRootFacts(kb *policy.KnowledgeBase, claims *credential.RootClaims) {
	kb.Add("depth", int64(claims.Depth))
	if claims.AdapterFingerprint != "" {
		kb.Add("adapter_fingerprint", claims.AdapterFingerprint)
	}
	for _, f := range claims.Facts {
		kb.AddFact(policy.Fact{Name: f.Fact, Args: f.Args})
	}
}

func (h *Handler) loadReceiptFacts(kb *policy.KnowledgeBase, r *http.Request, wid string) *vacerr.Error {
	for _, receiptToken := range r.Header.Values(ReceiptHeader) {
		claims, err := credential.VerifyReceipt(receiptToken, h.State.SessionKeys(), wid, time.Now())
		if err != nil {
			if ve, ok := err.(*vacerr.Error); ok {
				return ve
			}
			return vacerr.Wrap(vacerr.ReceiptError, "receipt verification failed", err)
		}
		kb.Add("prior_event", claims.Operation, claims.WorkflowID, claims.IssuedUnix)
	}
	return nil
}

func (h *Handler) loadAdapterFacts(ctx context.Context, kb *policy.KnowledgeBase, fingerprint string, body []byte) *vacerr.Error {
	facts, err := h.State.Adapters.Extract(ctx, fingerprint, body)
	if err != nil {
		return vacerr.Wrap(vacerr.InternalError, "adapter extraction failed", err)
	}
	for _, f := range facts {
		kb.AddFact(policy.Fact{Name: f.Name, Args: f.Args})
	}
	return nil
}

func (h *Handler) evaluatePolicy(kb *policy.KnowledgeBase) (policy.Verdict, error) {
	rules := append(append([]policy.Rule{}, h.PolicyRules...), policy.GlobalDepthDenyRule(MaxDelegationDepth))
	engine, err := policy.NewEngine(rules)
	if err != nil {
		return policy.Verdict{}, err
	}
	return engine.Evaluate(kb)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, wid string, body []byte, chainResult *credential.ChainResult) {
	proxy := &httputil.ReverseProxy{
		Director: func(outReq *http.Request) {
			outReq.URL.Scheme = upstreamScheme(h.State.UpstreamURL)
			outReq.URL.Host = upstreamHost(h.State.UpstreamURL)
			outReq.Host = outReq.URL.Host
			stripVACHeaders(outReq.Header)
			outReq.Header.Set("Authorization", "Bearer "+h.UpstreamToken)
			outReq.Body = io.NopCloser(bytes.NewReader(body))
			outReq.ContentLength = int64(len(body))
		},
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil
			}
			receipt, err := h.mintReceipt(r, wid, chainResult)
			if err != nil {
				return nil
			}
			resp.Header.Set(ReceiptHeader, receipt)
			return nil
		},
	}
	proxy.ServeHTTP(w, r)
}

func (h *Handler) mintReceipt(r *http.Request, wid string, chainResult *credential.ChainResult) (string, error) {
	minter := credential.NewMinter(h.State.SessionKeys())
	operation := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
	return minter.MintForChain(operation, wid, chainResult)
}

func stripVACHeaders(header http.Header) {
	header.Del("Authorization")
	for name := range header {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "X-Vac-") {
			header.Del(name)
		}
	}
}

func upstreamScheme(base string) string {
	if idx := strings.Index(base, "://"); idx >= 0 {
		return base[:idx]
	}
	return "http"
}

func upstreamHost(base string) string {
	if idx := strings.Index(base, "://"); idx >= 0 {
		return base[idx+3:]
	}
	return base
}

func (h *Handler) deny(w http.ResponseWriter, wid string, err *vacerr.Error) {
	if err.Kind == vacerr.PolicyViolation || err.Kind == vacerr.Deny {
		h.logDenial(wid, err.Kind, err.Reason)
	}
	WriteError(w, wid, err)
}

func (h *Handler) logDenial(wid string, kind vacerr.Kind, reason string) {
	if h.Logger == nil {
		return
	}
	h.Logger.Warn("request denied",
		slog.String("kind", string(kind)),
		slog.String("workflow_id", wid),
		slog.String("reason", reason),
	)
}

// Package sandbox implements the Adapter Sandbox: a registry of
// content-addressed WebAssembly modules that extract Datalog facts from
// request bodies, run with no filesystem, no network, no environment, and
// no clock access.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	// ModuleSizeCeiling is the largest adapter module the registry admits.
	ModuleSizeCeiling = 10 * 1024 * 1024
	// OutputScanCeiling bounds how far the sandbox reads a guest's output
	// buffer looking for the NUL terminator.
	OutputScanCeiling = 256 * 1024
	// InvocationTimeout is the wall-clock budget for a single extraction.
	InvocationTimeout = 5 * time.Second

	pageSize = 65536
)

// Fact is one extracted Datalog fact. Each argument is either an int64 or
// a string, matching the guest's {"fact": name, "args": [...]} shape.
type Fact struct {
	Name string
	Args []any
}

// Registry holds admitted adapter modules keyed by their hex-encoded
// content hash, compiling each exactly once.
type Registry struct {
	runtime wazero.Runtime
	mu      sync.RWMutex
	cached  map[string]wazero.CompiledModule
}

// NewRegistry creates an empty adapter registry backed by a single wazero
// runtime shared across all admitted modules.
func NewRegistry(ctx context.Context) (*Registry, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}
	return &Registry{runtime: rt, cached: make(map[string]wazero.CompiledModule)}, nil
}

// Close tears down the shared runtime and every compiled module in it.
func (r *Registry) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// Load admits bytes into the registry under expectedHash, recomputing the
// content hash and rejecting on mismatch or oversize. Admission compiles
// the module once; a module already present under the same hash is a
// no-op.
func (r *Registry) Load(ctx context.Context, bytesIn []byte, expectedHash string) error {
	if len(bytesIn) > ModuleSizeCeiling {
		return fmt.Errorf("sandbox: module exceeds %d byte ceiling", ModuleSizeCeiling)
	}
	sum := sha256.Sum256(bytesIn)
	actual := hex.EncodeToString(sum[:])
	expectedHash = strings.ToLower(strings.TrimSpace(expectedHash))
	if actual != expectedHash {
		return fmt.Errorf("sandbox: content hash mismatch: expected %s got %s", expectedHash, actual)
	}

	r.mu.RLock()
	_, exists := r.cached[actual]
	r.mu.RUnlock()
	if exists {
		return nil
	}

	compiled, err := r.runtime.CompileModule(ctx, bytesIn)
	if err != nil {
		return fmt.Errorf("sandbox: compile module %s: %w", actual, err)
	}

	r.mu.Lock()
	r.cached[actual] = compiled
	r.mu.Unlock()
	return nil
}

// LoadDir bulk-loads every file in dir whose name (sans extension) is used
// as the expected hash, applying the same admission rules as Load.
func (r *Registry) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("sandbox: read adapters dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		hash := strings.TrimSuffix(name, filepath.Ext(name))
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("sandbox: read adapter file %s: %w", name, err)
		}
		if err := r.Load(ctx, data, hash); err != nil {
			return fmt.Errorf("sandbox: admit adapter file %s: %w", name, err)
		}
	}
	return nil
}

// LoadURL fetches a module by HTTP and admits it under the same rules as
// Load. Fetching is bounded by ModuleSizeCeiling to avoid unbounded reads.
func (r *Registry) LoadURL(ctx context.Context, url, expectedHash string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("sandbox: build fetch request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox: fetch adapter: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sandbox: fetch adapter: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, ModuleSizeCeiling+1))
	if err != nil {
		return fmt.Errorf("sandbox: read fetched adapter: %w", err)
	}
	return r.Load(ctx, data, expectedHash)
}

// Has reports whether hash is admitted.
func (r *Registry) Has(hash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cached[strings.ToLower(hash)]
	return ok
}

// Extract runs the admitted module named by adapterHash over body and
// returns the facts it produces. Any failure — missing hash, instantiation
// error, memory error, malformed output, or timeout — collapses to a
// single internal error; callers must treat this as fail-closed.
func (r *Registry) Extract(ctx context.Context, adapterHash string, body []byte) ([]Fact, error) {
	r.mu.RLock()
	compiled, ok := r.cached[strings.ToLower(adapterHash)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sandbox: adapter %s not admitted", adapterHash)
	}

	ctx, cancel := context.WithTimeout(ctx, InvocationTimeout)
	defer cancel()

	type result struct {
		facts []Fact
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		facts, err := r.runOnce(ctx, compiled, body)
		resultCh <- result{facts, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("sandbox: adapter %s: %w", adapterHash, ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("sandbox: adapter %s: %w", adapterHash, res.err)
		}
		return res.facts, nil
	}
}

func (r *Registry) runOnce(ctx context.Context, compiled wazero.CompiledModule, body []byte) ([]Fact, error) {
	cfg := wazero.NewModuleConfig().
		WithStartFunctions("_start").
		WithStdin(nil).
		WithStdout(nil).
		WithStderr(nil)
	// Deliberately no WithFSConfig, no WithEnv, no WithArgs, no
	// WithSysNanosleep/WithRandSource: the guest gets no filesystem,
	// no environment, no entropy, and no notion of wall time.

	mod, err := r.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	defer mod.Close(ctx)

	mem := mod.Memory()
	if mem == nil {
		return nil, fmt.Errorf("module exports no memory")
	}

	offset := mem.Size()
	pagesNeeded := (uint32(len(body)) + pageSize - 1) / pageSize
	if pagesNeeded > 0 {
		if _, ok := mem.Grow(pagesNeeded); !ok {
			return nil, fmt.Errorf("failed to grow memory by %d pages", pagesNeeded)
		}
	}
	if !mem.Write(offset, body) {
		return nil, fmt.Errorf("failed to write request body into guest memory")
	}

	extractFacts := mod.ExportedFunction("extract_facts")
	if extractFacts == nil {
		return nil, fmt.Errorf("module does not export extract_facts")
	}
	results, err := extractFacts.Call(ctx, uint64(offset), uint64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("extract_facts call failed: %w", err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("extract_facts returned %d results, expected 1", len(results))
	}
	outPtr := uint32(results[0])

	raw, ok := mem.Read(outPtr, OutputScanCeiling)
	if !ok {
		// Memory may be shorter than the scan ceiling near its end; read
		// what is actually available.
		avail := mem.Size() - outPtr
		if avail == 0 {
			return nil, fmt.Errorf("extract_facts returned out-of-range pointer")
		}
		raw, ok = mem.Read(outPtr, avail)
		if !ok {
			return nil, fmt.Errorf("extract_facts returned unreadable pointer")
		}
	}

	nulIdx := -1
	for i, b := range raw {
		if b == 0 {
			nulIdx = i
			break
		}
	}
	if nulIdx < 0 {
		return nil, fmt.Errorf("no NUL terminator found within %d bytes", len(raw))
	}
	payload := raw[:nulIdx]
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("guest output is not valid UTF-8")
	}

	return parseFacts(payload)
}

type wireFact struct {
	Fact string `json:"fact"`
	Args []any  `json:"args"`
}

func parseFacts(payload []byte) ([]Fact, error) {
	var wire []wireFact
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("invalid fact JSON: %w", err)
	}
	facts := make([]Fact, 0, len(wire))
	for _, w := range wire {
		args := make([]any, 0, len(w.Args))
		for _, a := range w.Args {
			args = append(args, coerceArg(a))
		}
		facts = append(facts, Fact{Name: w.Fact, Args: args})
	}
	return facts, nil
}

// coerceArg converts a decoded JSON value to an int64 fact argument when it
// round-trips exactly as an integer string, else keeps it as a string.
func coerceArg(v any) any {
	s, ok := v.(string)
	if !ok {
		// Numbers decoded by encoding/json are float64; JSON ints that
		// survive exactly convert cleanly.
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			return int64(f)
		}
		return fmt.Sprint(v)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}


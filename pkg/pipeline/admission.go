package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/certainly-param/vac-protocol/pkg/adapterstore"
	"github.com/certainly-param/vac-protocol/pkg/sandbox"
)

// AdmissionHandler exposes an operator endpoint for admitting a new
// sandboxed adapter module version: it persists the module bytes to
// content-addressed storage, records the admission in the ledger (which
// rejects a version rollback), and loads the compiled module into the
// running sandbox registry so it is immediately usable.
type AdmissionHandler struct {
	Store    adapterstore.Store
	Ledger   *adapterstore.Ledger
	Registry *sandbox.Registry
	Logger   *slog.Logger
	Clock    func() time.Time
}

type admitRequest struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	ModuleB64 string `json:"module_base64"`
}

type admitResponse struct {
	ContentHash string `json:"content_hash"`
}

func (h *AdmissionHandler) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// ServeHTTP handles POST requests admitting one adapter module version.
func (h *AdmissionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req admitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed admission request", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Version == "" || req.ModuleB64 == "" {
		http.Error(w, "name, version, and module_base64 are required", http.StatusBadRequest)
		return
	}

	module, err := base64.StdEncoding.DecodeString(req.ModuleB64)
	if err != nil {
		http.Error(w, "module_base64 is not valid base64", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	contentHash, err := h.Store.Put(ctx, module)
	if err != nil {
		h.Logger.Error("admission store put failed", "adapter", req.Name, "error", err)
		http.Error(w, "failed to persist module", http.StatusInternalServerError)
		return
	}

	if err := h.Ledger.Admit(ctx, req.Name, req.Version, contentHash, h.now()); err != nil {
		if errors.Is(err, adapterstore.ErrRollback) {
			http.Error(w, "admission would roll back adapter version", http.StatusConflict)
			return
		}
		h.Logger.Error("admission ledger write failed", "adapter", req.Name, "error", err)
		http.Error(w, "failed to record admission", http.StatusInternalServerError)
		return
	}

	if err := h.Registry.Load(ctx, module, contentHash); err != nil {
		h.Logger.Error("admission sandbox load failed", "adapter", req.Name, "error", err)
		http.Error(w, "module admitted but failed to load into sandbox", http.StatusInternalServerError)
		return
	}

	h.Logger.Info("adapter admitted", "adapter", req.Name, "version", req.Version, "content_hash", contentHash)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(admitResponse{ContentHash: contentHash})
}

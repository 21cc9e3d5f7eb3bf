package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/internal/store"
)

const maxTransactionLimit = 1000

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Store.Ping(r.Context()); err != nil {
		zap.L().Warn("adminapi: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.deps.Snapshots.CollectAll(r.Context(), h.lookback(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"organizations": snaps})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if _, err := h.deps.Store.GetOrganization(r.Context(), orgID); err != nil {
		h.fail(w, r, err)
		return
	}
	snap, err := h.deps.Snapshots.Collect(r.Context(), orgID, h.lookback(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	zap.L().Info("adminapi: run triggered",
		zap.String("org_id", orgID),
		zap.String("subject", Subject(r.Context())),
	)

	report, err := h.deps.Runner.RunOrg(r.Context(), orgID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if report.Skipped {
		writeJSON(w, http.StatusConflict, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	filter, err := parseTransactionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.OrgID = orgID

	if _, err := h.deps.Store.GetOrganization(r.Context(), orgID); err != nil {
		h.fail(w, r, err)
		return
	}
	txs, err := h.deps.Store.ListTransactions(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (h *Handler) handleRemediations(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if _, err := h.deps.Store.GetOrganization(r.Context(), orgID); err != nil {
		h.fail(w, r, err)
		return
	}
	tasks, err := h.deps.Store.ListOpenRemediations(r.Context(), orgID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.RemediationTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"remediations": tasks})
}

func (h *Handler) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	out := map[string]string{}
	if h.deps.Breakers != nil {
		for key, state := range h.deps.Breakers.States() {
			out[key] = state.String()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": out})
}

func (h *Handler) lookback(r *http.Request) int {
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return h.deps.LookbackHours
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if eris.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "organization not found")
		return
	}
	zap.L().Error("adminapi: request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseTransactionFilter(r *http.Request) (store.TransactionFilter, error) {
	q := r.URL.Query()
	f := store.TransactionFilter{
		RecordID: q.Get("record_id"),
	}

	switch e := model.EntityType(q.Get("entity_type")); e {
	case "", model.EntityVisit, model.EntityStaff:
		f.EntityType = e
	default:
		return f, eris.Errorf("unknown entity_type %q", e)
	}

	switch s := model.TransactionStatus(q.Get("status")); s {
	case "", model.TransactionSuccess, model.TransactionError, model.TransactionRetrying:
		f.Status = s
	default:
		return f, eris.Errorf("unknown status %q", s)
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, eris.Errorf("since must be RFC 3339, got %q", v)
		}
		f.Since = t
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, eris.Errorf("limit must be a positive integer, got %q", v)
		}
		f.Limit = min(n, maxTransactionLimit)
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("adminapi: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"MarginLedger/internal/core"
	"MarginLedger/internal/fault"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/instruction"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/query"
)

// maxInstructionBytes bounds POST /v1/instructions/{type} bodies.
const maxInstructionBytes = 1 << 20

// QueryReader is the read side served over HTTP.
type QueryReader interface {
	Watermark(ctx context.Context) (int64, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*query.AccountResponse, error)
	GetAccountsByOwner(ctx context.Context, owner uuid.UUID) ([]query.AccountResponse, error)
	GetValuation(ctx context.Context, id uuid.UUID) (*query.ValuationResponse, error)
	GetBalances(ctx context.Context, entity uuid.UUID) (*query.BalancesResponse, error)
	GetLoans(ctx context.Context, account uuid.UUID) ([]query.LoanResponse, error)
	GetBook(ctx context.Context, market uuid.UUID) (*query.BookResponse, error)
	GetFills(ctx context.Context, market, participant *uuid.UUID, limit int, before *int64) (*query.FillsPage, error)
	GetJournalHistory(ctx context.Context, entity uuid.UUID, limit int, before *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Submitter hands instructions to the core and waits for the outcome.
type Submitter interface {
	Submit(ctx context.Context, name string, payload []byte) (ingestion.Outcome, error)
}

// AdminOps are operations that must run on the core goroutine.
type AdminOps interface {
	TakeSnapshot(ctx context.Context) (int64, error)
	RebuildProjections(ctx context.Context) (int64, error)
}

// RouteDeps holds what the HTTP routes are served from. Admin may be nil.
type RouteDeps struct {
	Query     QueryReader
	Submitter Submitter
	Admin     AdminOps
	Health    *observability.HealthChecker
	Stream    *Hub
	Metrics   *observability.Metrics
}

// NewGatewayMux registers every HTTP route on a grpc-gateway ServeMux.
func NewGatewayMux(deps RouteDeps) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	h := &handlers{deps: deps}

	routes := []struct {
		method, pattern, name string
		fn                    runtime.HandlerFunc
	}{
		{"GET", "/v1/accounts/{id}", "get_account", h.getAccount},
		{"GET", "/v1/accounts/{id}/valuation", "get_valuation", h.getValuation},
		{"GET", "/v1/accounts/{id}/balances", "get_account_balances", h.getBalances},
		{"GET", "/v1/accounts/{id}/loans", "get_loans", h.getLoans},
		{"GET", "/v1/owners/{id}/accounts", "get_owner_accounts", h.getOwnerAccounts},
		{"GET", "/v1/owners/{id}/balances", "get_owner_balances", h.getBalances},
		{"GET", "/v1/entities/{id}/journals", "get_journals", h.getJournals},
		{"GET", "/v1/markets/{id}/book", "get_book", h.getBook},
		{"GET", "/v1/fills", "get_fills", h.getFills},
		{"POST", "/v1/instructions/{type}", "submit_instruction", h.submit},
		{"GET", "/v1/admin/integrity", "verify_integrity", h.verifyIntegrity},
		{"POST", "/v1/admin/snapshot", "take_snapshot", h.takeSnapshot},
		{"POST", "/v1/admin/projections/rebuild", "rebuild_projections", h.rebuildProjections},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, h.instrument(r.name, r.fn)); err != nil {
			return nil, err
		}
	}

	if deps.Health != nil {
		if err := mux.HandlePath("GET", "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			deps.Health.LivenessHandler(w, r)
		}); err != nil {
			return nil, err
		}
		if err := mux.HandlePath("GET", "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			deps.Health.ReadinessHandler(w, r)
		}); err != nil {
			return nil, err
		}
	}
	if deps.Stream != nil {
		if err := mux.HandlePath("GET", "/v1/stream", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			deps.Stream.ServeWS(w, r)
		}); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

type handlers struct {
	deps RouteDeps
}

// statusRecorder captures the status code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *handlers) instrument(endpoint string, fn runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r, params)
		if m := h.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if rec.status >= 400 {
				m.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			}
		}
	}
}

func (h *handlers) getAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := pathUUID(w, params, "id")
	if !ok {
		return
	}
	resp, err := h.deps.Query.GetAccount(r.Context(), id)
	respond(w, resp, err)
}

func (h *handlers) getValuation(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := pathUUID(w, params, "id")
	if !ok {
		return
	}
	resp, err := h.deps.Query.GetValuation(r.Context(), id)
	respond(w, resp, err)
}

func (h *handlers) getBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := pathUUID(w, params, "id")
	if !ok {
		return
	}
	resp, err := h.deps.Query.GetBalances(r.Context(), id)
	respond(w, resp, err)
}

func (h *handlers) getLoans(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := pathUUID(w, params, "id")
	if !ok {
		return
	}
	loans, err := h.deps.Query.GetLoans(r.Context(), id)
	if err != nil {
		respond(w, nil, err)
		return
	}
	h.withWatermark(w, r, map[string]interface{}{"loans": loans})
}

func (h *handlers) getOwnerAccounts(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := pathUUID(w, params, "id")
	if !ok {
		return
	}
	accounts, err := h.deps.Query.GetAccountsByOwner(r.Context(), id)
	if err != nil {
		respond(w, nil, err)
		return
	}
	h.withWatermark(w, r, map[string]interface{}{"accounts": accounts})
}

func (h *handlers) getJournals(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := pathUUID(w, params, "id")
	if !ok {
		return
	}
	limit, before, ok := pageParams(w, r)
	if !ok {
		return
	}
	journals, err := h.deps.Query.GetJournalHistory(r.Context(), id, limit, before)
	if err != nil {
		respond(w, nil, err)
		return
	}
	h.withWatermark(w, r, map[string]interface{}{"journals": journals})
}

func (h *handlers) getBook(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := pathUUID(w, params, "id")
	if !ok {
		return
	}
	resp, err := h.deps.Query.GetBook(r.Context(), id)
	respond(w, resp, err)
}

func (h *handlers) getFills(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	market, ok := queryUUID(w, r, "market")
	if !ok {
		return
	}
	participant, ok := queryUUID(w, r, "participant")
	if !ok {
		return
	}
	limit, before, ok := pageParams(w, r)
	if !ok {
		return
	}
	resp, err := h.deps.Query.GetFills(r.Context(), market, participant, limit, before)
	respond(w, resp, err)
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	name := params["type"]
	if _, err := instruction.ParseType(name); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInstructionBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > maxInstructionBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("instruction too large"))
		return
	}

	out, err := h.deps.Submitter.Submit(r.Context(), name, body)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if out.Err != nil {
		writeError(w, StatusForRejection(out.Err), out.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": true,
		"sequence": out.Sequence,
	})
}

func (h *handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := h.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		respond(w, nil, err)
		return
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

func (h *handlers) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if h.deps.Admin == nil {
		writeError(w, http.StatusNotImplemented, errors.New("admin operations disabled"))
		return
	}
	seq, err := h.deps.Admin.TakeSnapshot(r.Context())
	if err != nil {
		respond(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sequence": seq})
}

func (h *handlers) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if h.deps.Admin == nil {
		writeError(w, http.StatusNotImplemented, errors.New("admin operations disabled"))
		return
	}
	seq, err := h.deps.Admin.RebuildProjections(r.Context())
	if err != nil {
		respond(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sequence": seq})
}

func (h *handlers) withWatermark(w http.ResponseWriter, r *http.Request, body map[string]interface{}) {
	seq, err := h.deps.Query.Watermark(r.Context())
	if err != nil {
		respond(w, nil, err)
		return
	}
	body["as_of_sequence"] = seq
	writeJSON(w, http.StatusOK, body)
}

// StatusForRejection maps a core rejection to an HTTP status by class.
func StatusForRejection(err error) int {
	if errors.Is(err, core.ErrSequenceGap) || errors.Is(err, core.ErrOutOfOrder) {
		return http.StatusConflict
	}
	switch fault.ClassOf(err) {
	case fault.ClassStructural:
		return http.StatusBadRequest
	case fault.ClassPolicy, fault.ClassNumeric:
		return http.StatusUnprocessableEntity
	case fault.ClassStaleness:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// --- helpers ---

func respond(w http.ResponseWriter, body interface{}, err error) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, body)
	}
}

func pathUUID(w http.ResponseWriter, params map[string]string, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid "+name+": "+err.Error()))
		return uuid.Nil, false
	}
	return id, true
}

func queryUUID(w http.ResponseWriter, r *http.Request, name string) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid "+name+": "+err.Error()))
		return nil, false
	}
	return &id, true
}

func pageParams(w http.ResponseWriter, r *http.Request) (int, *int64, bool) {
	q := r.URL.Query()
	var limit int
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return 0, nil, false
		}
		limit = n
	}
	var before *int64
	if raw := q.Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid before"))
			return 0, nil, false
		}
		before = &n
	}
	return limit, before, true
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]interface{}{"error": fault.Describe(err)}
	if class := fault.ClassOf(err); class != fault.ClassUnknown {
		body["class"] = class.String()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/eoffice-suite/be-approvals/internal/apperr"
	"github.com/eoffice-suite/be-approvals/internal/logger"
	"github.com/eoffice-suite/be-approvals/internal/repository"
	"github.com/eoffice-suite/be-approvals/internal/service"
)

// HTTPHandler exposes the approval engine's operation set.
type HTTPHandler struct {
	engine   *service.AssignmentEngine
	counters *service.QueueCounters
	resolver *service.FlowResolver
	rules    *repository.FlowRuleRepository
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	engine *service.AssignmentEngine,
	counters *service.QueueCounters,
	resolver *service.FlowResolver,
	rules *repository.FlowRuleRepository,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		engine:   engine,
		counters: counters,
		resolver: resolver,
		rules:    rules,
		log:      log,
	}
}

// RegisterRoutes attaches all endpoints to the router.
func (h *HTTPHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/approvals/submit", h.Submit).Methods(http.MethodPost)
	api.HandleFunc("/approvals/act", h.Act).Methods(http.MethodPost)
	api.HandleFunc("/approvals/cancel", h.Cancel).Methods(http.MethodPost)
	api.HandleFunc("/approvals/confirm/request", h.RequestConfirmation).Methods(http.MethodPost)
	api.HandleFunc("/approvals/confirm", h.Confirm).Methods(http.MethodPost)
	api.HandleFunc("/approvals/quote/request", h.RequestQuote).Methods(http.MethodPost)
	api.HandleFunc("/approvals/quote", h.AttachQuote).Methods(http.MethodPost)

	api.HandleFunc("/approvals/pending", h.ListPending).Methods(http.MethodGet)
	api.HandleFunc("/approvals/pending/count", h.CountPending).Methods(http.MethodGet)
	api.HandleFunc("/approvals/mine", h.ListMyRequests).Methods(http.MethodGet)
	api.HandleFunc("/approvals/history", h.ListHistory).Methods(http.MethodGet)
	api.HandleFunc("/approvals/request", h.GetRequest).Methods(http.MethodGet)
	api.HandleFunc("/approvals/request/history", h.GetRequestHistory).Methods(http.MethodGet)

	api.HandleFunc("/approval-rules", h.CreateRule).Methods(http.MethodPost)
	api.HandleFunc("/approval-rules", h.ListRules).Methods(http.MethodGet)
	api.HandleFunc("/approval-rules/{id}", h.GetRule).Methods(http.MethodGet)
	api.HandleFunc("/approval-rules/{id}", h.UpdateRule).Methods(http.MethodPut)
	api.HandleFunc("/approval-rules/{id}", h.DeleteRule).Methods(http.MethodDelete)

	api.HandleFunc("/approvals/chains/invalidate", h.InvalidateDepartmentChains).Methods(http.MethodPost)
}

// ── Engine operations ─────────────────────────────────────────────────────────

// Submit creates a new approval request envelope.
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestType       string `json:"request_type"`
		DepartmentID      string `json:"department_id"`
		RequesterUserCode string `json:"requester_user_code"`
		CreatedByUserCode string `json:"created_by_user_code"`
		Comment           string `json:"comment"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	env, err := h.engine.Submit(r.Context(), service.SubmitRequest{
		RequestType:       repository.RequestType(req.RequestType),
		DepartmentID:      req.DepartmentID,
		RequesterUserCode: req.RequesterUserCode,
		CreatedByUserCode: req.CreatedByUserCode,
		Comment:           req.Comment,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{
		"id":   env.ID,
		"code": env.Code,
	})
}

// Act applies an approve/reject decision.
func (h *HTTPHandler) Act(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID     string `json:"request_id"`
		ActorUserCode string `json:"actor_user_code"`
		Decision      string `json:"decision"`
		Comment       string `json:"comment"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	env, err := h.engine.Act(r.Context(), req.RequestID, req.ActorUserCode, service.Decision(req.Decision), req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, env)
}

// Cancel withdraws a request the requester submitted.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID     string `json:"request_id"`
		ActorUserCode string `json:"actor_user_code"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	env, err := h.engine.Cancel(r.Context(), req.RequestID, req.ActorUserCode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, env)
}

type sideStateRequest struct {
	RequestID     string `json:"request_id"`
	ActorUserCode string `json:"actor_user_code"`
	QuoteRef      string `json:"quote_ref"`
	Comment       string `json:"comment"`
}

// RequestConfirmation parks a purchasing request in WaitConfirm.
func (h *HTTPHandler) RequestConfirmation(w http.ResponseWriter, r *http.Request) {
	var req sideStateRequest
	if !h.decode(w, r, &req) {
		return
	}
	env, err := h.engine.RequestConfirmation(r.Context(), req.RequestID, req.ActorUserCode, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, env)
}

// Confirm resumes a WaitConfirm request.
func (h *HTTPHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req sideStateRequest
	if !h.decode(w, r, &req) {
		return
	}
	env, err := h.engine.Confirm(r.Context(), req.RequestID, req.ActorUserCode, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, env)
}

// RequestQuote parks a purchasing request in WaitQuote.
func (h *HTTPHandler) RequestQuote(w http.ResponseWriter, r *http.Request) {
	var req sideStateRequest
	if !h.decode(w, r, &req) {
		return
	}
	env, err := h.engine.RequestQuote(r.Context(), req.RequestID, req.ActorUserCode, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, env)
}

// AttachQuote records a supplier quote and resumes a WaitQuote request.
func (h *HTTPHandler) AttachQuote(w http.ResponseWriter, r *http.Request) {
	var req sideStateRequest
	if !h.decode(w, r, &req) {
		return
	}
	env, err := h.engine.AttachQuote(r.Context(), req.RequestID, req.ActorUserCode, req.QuoteRef, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, env)
}

// ── Queries ───────────────────────────────────────────────────────────────────

// ListPending returns the requests awaiting the user's action.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		h.writeError(w, apperr.InvalidInput("user", "is required"))
		return
	}

	f := envelopeFilterFromQuery(r)
	envelopes, total, err := h.engine.ListPending(r.Context(), user, f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"requests":  envelopes,
		"total":     total,
		"page":      f.Page,
		"page_size": f.PageSize,
	})
}

// ListMyRequests returns the user's own submitted requests.
func (h *HTTPHandler) ListMyRequests(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		h.writeError(w, apperr.InvalidInput("user", "is required"))
		return
	}

	f := envelopeFilterFromQuery(r)
	envelopes, total, err := h.engine.ListMyRequests(r.Context(), user, f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"requests":  envelopes,
		"total":     total,
		"page":      f.Page,
		"page_size": f.PageSize,
	})
}

// CountPending returns the user's pending badge count.
func (h *HTTPHandler) CountPending(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		h.writeError(w, apperr.InvalidInput("user", "is required"))
		return
	}

	n, err := h.counters.CountPendingFor(r.Context(), user)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

// ListHistory returns the ledger entries the user has recorded.
func (h *HTTPHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		h.writeError(w, apperr.InvalidInput("user", "is required"))
		return
	}

	f := repository.HistoryFilter{
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", 50),
	}
	if v := r.URL.Query().Get("type"); v != "" {
		t := repository.RequestType(v)
		f.RequestType = &t
	}
	if v := r.URL.Query().Get("department"); v != "" {
		f.DepartmentID = &v
	}
	if v := r.URL.Query().Get("status"); v != "" {
		s := repository.RequestStatus(v)
		f.Status = &s
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			h.writeError(w, apperr.InvalidInput("from", "expected YYYY-MM-DD"))
			return
		}
		f.From = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			h.writeError(w, apperr.InvalidInput("to", "expected YYYY-MM-DD"))
			return
		}
		end := t.Add(24*time.Hour - time.Nanosecond)
		f.To = &end
	}

	entries, total, err := h.engine.ListProcessed(r.Context(), user, f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"entries":   entries,
		"total":     total,
		"page":      f.Page,
		"page_size": f.PageSize,
	})
}

// GetRequest returns one envelope, by id or by human-readable code.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if code := r.URL.Query().Get("code"); code != "" {
		env, err := h.engine.GetRequestByCode(r.Context(), code)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, env)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, apperr.InvalidInput("id", "is required"))
		return
	}

	env, err := h.engine.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, env)
}

// GetRequestHistory returns the full ledger for one request.
func (h *HTTPHandler) GetRequestHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, apperr.InvalidInput("id", "is required"))
		return
	}

	entries, err := h.engine.GetRequestHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ── Flow rule administration ──────────────────────────────────────────────────

type ruleRequest struct {
	DepartmentID string `json:"department_id"`
	RequestType  string `json:"request_type"`
	RuleName     string `json:"rule_name"`
	IsActive     bool   `json:"is_active"`
	FromLevel    int    `json:"from_level"`
	ToLevel      int    `json:"to_level"`
	Priority     int    `json:"priority"`
}

// CreateRule adds a custom approval flow rule and evicts the cached chain.
func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !h.decode(w, r, &req) {
		return
	}

	rule := &repository.ApprovalFlowRule{
		DepartmentID: req.DepartmentID,
		RequestType:  repository.RequestType(req.RequestType),
		RuleName:     req.RuleName,
		IsActive:     req.IsActive,
		FromLevel:    req.FromLevel,
		ToLevel:      req.ToLevel,
		Priority:     req.Priority,
	}
	if err := h.rules.Create(r.Context(), rule); err != nil {
		h.writeError(w, err)
		return
	}

	h.resolver.Invalidate(rule.DepartmentID, rule.RequestType)
	h.writeJSON(w, http.StatusCreated, rule)
}

// ListRules lists rules for a department.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	departmentID := r.URL.Query().Get("department_id")
	if departmentID == "" {
		h.writeError(w, apperr.InvalidInput("department_id", "is required"))
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"

	rules, err := h.rules.List(r.Context(), departmentID, activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// GetRule returns one rule by id.
func (h *HTTPHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// UpdateRule updates a rule and evicts the cached chain.
func (h *HTTPHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !h.decode(w, r, &req) {
		return
	}

	rule, err := h.rules.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	rule.RuleName = req.RuleName
	rule.IsActive = req.IsActive
	rule.FromLevel = req.FromLevel
	rule.ToLevel = req.ToLevel
	rule.Priority = req.Priority

	if err := h.rules.Update(r.Context(), rule); err != nil {
		h.writeError(w, err)
		return
	}

	h.resolver.Invalidate(rule.DepartmentID, rule.RequestType)
	h.writeJSON(w, http.StatusOK, rule)
}

// DeleteRule removes a rule and evicts the cached chain. In-flight requests
// keep their snapshotted chains.
func (h *HTTPHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.rules.Delete(r.Context(), rule.ID); err != nil {
		h.writeError(w, err)
		return
	}

	h.resolver.Invalidate(rule.DepartmentID, rule.RequestType)
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateDepartmentChains evicts all cached chains for a department.
// Called by the org service after a department is re-parented.
func (h *HTTPHandler) InvalidateDepartmentChains(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DepartmentID string `json:"department_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.DepartmentID == "" {
		h.writeError(w, apperr.InvalidInput("department_id", "is required"))
		return
	}

	h.resolver.InvalidateDepartment(req.DepartmentID)
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid JSON"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindAuthorization:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindState:
		status = http.StatusConflict
	case apperr.KindConfiguration:
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("internal error")
	}

	body := map[string]string{
		"error": err.Error(),
		"kind":  string(apperr.KindOf(err)),
		"code":  string(apperr.CodeOf(err)),
	}
	if id := apperr.RequestIDOf(err); id != "" {
		body["request_id"] = id
	}
	h.writeJSON(w, status, body)
}

func envelopeFilterFromQuery(r *http.Request) repository.EnvelopeFilter {
	f := repository.EnvelopeFilter{
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", 50),
	}
	if v := r.URL.Query().Get("type"); v != "" {
		t := repository.RequestType(v)
		f.RequestType = &t
	}
	if v := r.URL.Query().Get("department"); v != "" {
		f.DepartmentID = &v
	}
	if v := r.URL.Query().Get("status"); v != "" {
		s := repository.RequestStatus(v)
		f.Status = &s
	}
	return f
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 1 {
		return def
	}
	if key == "page_size" && v > 100 {
		return def
	}
	return v
}

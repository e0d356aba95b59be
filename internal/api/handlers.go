// Package api exposes HTTP handlers for triggering syncs and reading the run ledger.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/dwaynehoov/peloton-sync-psql/internal/auth"
	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/ledger"
	"github.com/dwaynehoov/peloton-sync-psql/internal/persistence"
	"github.com/dwaynehoov/peloton-sync-psql/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Handler coordinates HTTP requests with the store and the run ledger.
type Handler struct {
	store    store.Store
	ledger   *ledger.Ledger
	validate *validator.Validate
	clock    func() time.Time
}

// NewHandler builds a Handler.
func NewHandler(st store.Store, l *ledger.Ledger) *Handler {
	return &Handler{
		store:    st,
		ledger:   l,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sync", h.sync)
	mux.HandleFunc("/v1/sync/runs", h.runs)
	mux.HandleFunc("/v1/sync/runs/last-success", h.lastSuccess)
	mux.HandleFunc("/healthz", h.healthz)
}

// healthz reports OK when the database answers.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSyncWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:write required")
		return
	}

	var req TriggerSyncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
			return
		}
	}
	if req.UserID == "" {
		req.UserID = claims.UserID
	}
	if !claims.CanActFor(req.UserID) {
		writeError(w, http.StatusForbidden, "forbidden", "token is not allowed to sync this user")
		return
	}

	requestID := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if requestID == "" {
		requestID = uuid.NewString()
	}

	evt := domain.SyncRequested{
		RequestID:          requestID,
		UserID:             req.UserID,
		Kind:               domain.RunKind(req.Kind),
		MaxWorkouts:        req.MaxWorkouts,
		IncludePerformance: req.IncludePerformance,
		RequestedBy:        claims.Subject,
		RequestedAt:        h.clock(),
	}
	if err := h.validate.Struct(evt); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	err := store.WithTx(r.Context(), h.store, func(tx store.Tx) error {
		return tx.Enqueue(r.Context(), domain.NewSyncRequestedEvent(evt))
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, TriggerSyncResponse{RequestID: requestID, Status: "queued"})
}

func (h *Handler) runs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, userID, ok := h.authorizeRead(w, r)
	if !ok {
		return
	}
	if userID == "" && !claims.CanActFor("") {
		userID = claims.UserID
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	runs, next, err := h.ledger.List(r.Context(), userID, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := ListRunsResponse{
		Items:      make([]RunView, 0, len(runs)),
		NextCursor: persistence.EncodeCursor(next),
	}
	for _, run := range runs {
		resp.Items = append(resp.Items, toRunView(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) lastSuccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, userID, ok := h.authorizeRead(w, r)
	if !ok {
		return
	}
	if userID == "" {
		userID = claims.UserID
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing user_id parameter")
		return
	}

	ts, err := h.ledger.LastSuccessful(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, LastSuccessResponse{UserID: userID, LastSuccessAt: ts})
}

func (h *Handler) authorizeRead(w http.ResponseWriter, r *http.Request) (*auth.Claims, string, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, "", false
	}
	if !claims.HasAnyScope(auth.ScopeSyncRead, auth.ScopeSyncWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:read required")
		return nil, "", false
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID != "" && !claims.CanActFor(userID) {
		writeError(w, http.StatusForbidden, "forbidden", "token is not allowed to read this user")
		return nil, "", false
	}
	return claims, userID, true
}

// TriggerSyncRequest is the payload for POST /v1/sync. Every field is optional.
type TriggerSyncRequest struct {
	UserID             string `json:"user_id"`
	Kind               string `json:"kind"`
	MaxWorkouts        int    `json:"max_workouts"`
	IncludePerformance *bool  `json:"include_performance"`
}

// TriggerSyncResponse acknowledges a queued sync request.
type TriggerSyncResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// RunView exposes one ledger entry.
type RunView struct {
	RunID        string                 `json:"run_id"`
	UserID       string                 `json:"user_id"`
	Kind         string                 `json:"kind"`
	Status       string                 `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  time.Time              `json:"completed_at"`
	Counters     domain.Counters        `json:"counters"`
	ErrorMessage *string                `json:"error_message,omitempty"`
	ErrorDetails []domain.FailureDetail `json:"error_details,omitempty"`
}

// ListRunsResponse packages list results.
type ListRunsResponse struct {
	Items      []RunView `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// LastSuccessResponse carries the completion time of the newest successful run, or null.
type LastSuccessResponse struct {
	UserID        string     `json:"user_id"`
	LastSuccessAt *time.Time `json:"last_success_at"`
}

func toRunView(run domain.SyncRun) RunView {
	return RunView{
		RunID:        run.ID,
		UserID:       run.UserID,
		Kind:         string(run.Kind),
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		Counters:     run.Counters,
		ErrorMessage: run.ErrorMessage,
		ErrorDetails: run.ErrorDetails,
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

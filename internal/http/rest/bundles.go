package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/bundle_fetcher/internal/fetch"
	"github.com/italolelis/bundle_fetcher/internal/logctx"
	"github.com/italolelis/bundle_fetcher/internal/session"
	"github.com/italolelis/bundle_fetcher/internal/storage"
)

const (
	maxEventSize        = 64 * 1024
	defaultHistoryLimit = 100
)

// Service is the command side used by the handler, satisfied by *session.Manager.
type Service interface {
	Fetch(ctx context.Context, name string) (fetch.Bundle, error)
	Confirm(ctx context.Context, name string, approved bool) error
	Cancel(ctx context.Context, name string) error
	Forget(ctx context.Context, name string) error
	Installed() []string
	Apply(ctx context.Context, ev fetch.Event) error
}

// Query is the read side used by the handler, satisfied by *fetch.Tracker.
type Query interface {
	Snapshot(name string) (fetch.Bundle, error)
	Bundles() []fetch.Bundle
	History(name string) ([]fetch.Transition, error)
}

type BundleResponse struct {
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	TotalBytes      int64     `json:"total_bytes"`
	Size            string    `json:"size,omitempty"`
	Progress        float64   `json:"progress"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ResolvedPath    string    `json:"resolved_path,omitempty"`
	RequestedAt     time.Time `json:"requested_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type TransitionResponse struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	At          time.Time `json:"at"`
	Synthesized bool      `json:"synthesized,omitempty"`
	Normalized  bool      `json:"normalized,omitempty"`
}

type HistoryResponse struct {
	From            string    `json:"from"`
	To              string    `json:"to"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	TotalBytes      int64     `json:"total_bytes"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ResolvedPath    string    `json:"resolved_path,omitempty"`
	InstanceID      string    `json:"instance_id"`
	RecordedAt      time.Time `json:"recorded_at"`
}

type ConfirmRequest struct {
	Approved *bool `json:"approved"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type BundleHandler struct {
	username string
	password string
	svc      Service
	query    Query
	journal  storage.JournalReadRepository
}

// NewBundleHandler creates the bundle API handler. journal may be nil, in which
// case the history endpoint always answers 404.
func NewBundleHandler(username, password string, svc Service, query Query, journal storage.JournalReadRepository) *BundleHandler {
	return &BundleHandler{
		username: username,
		password: password,
		svc:      svc,
		query:    query,
		journal:  journal,
	}
}

func (h *BundleHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/bundles", h.HandleList)
	r.Get("/installed", h.HandleInstalled)
	r.Post("/events", h.HandleEvent)

	r.Route("/bundles/{name}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Delete("/", h.HandleForget)
		r.Post("/fetch", h.HandleFetch)
		r.Post("/confirm", h.HandleConfirm)
		r.Post("/cancel", h.HandleCancel)
		r.Get("/transitions", h.HandleTransitions)
		r.Get("/history", h.HandleHistory)
	})

	return r
}

func (h *BundleHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	bundles := h.query.Bundles()

	status := r.URL.Query().Get("status")
	if status != "" {
		want, err := fetch.ParseStatus(status)
		if err != nil {
			h.writeError(w, r, err)

			return
		}

		filtered := bundles[:0]

		for _, b := range bundles {
			if b.Status == want {
				filtered = append(filtered, b)
			}
		}

		bundles = filtered
	}

	resp := make([]BundleResponse, 0, len(bundles))
	for _, b := range bundles {
		resp = append(resp, newBundleResponse(b))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *BundleHandler) HandleInstalled(w http.ResponseWriter, _ *http.Request) {
	names := h.svc.Installed()
	if names == nil {
		names = []string{}
	}

	writeJSON(w, http.StatusOK, names)
}

func (h *BundleHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	b, err := h.query.Snapshot(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, newBundleResponse(b))
}

func (h *BundleHandler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := logctx.WithBundle(r.Context(), name)

	b, err := h.svc.Fetch(ctx, name)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "fetch accepted", "status", b.Status.String())

	writeJSON(w, http.StatusAccepted, newBundleResponse(b))
}

func (h *BundleHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req ConfirmRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventSize)).Decode(&req); err != nil || req.Approved == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: `body must be {"approved": true|false}`})

		return
	}

	if err := h.svc.Confirm(r.Context(), name, *req.Approved); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *BundleHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *BundleHandler) HandleForget(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Forget(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *BundleHandler) HandleTransitions(w http.ResponseWriter, r *http.Request) {
	log, err := h.query.History(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	resp := make([]TransitionResponse, 0, len(log))
	for _, tr := range log {
		resp = append(resp, TransitionResponse{
			From:        tr.From.String(),
			To:          tr.To.String(),
			At:          tr.At,
			Synthesized: tr.Synthesized,
			Normalized:  tr.Normalized,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *BundleHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeError(w, r, storage.ErrNotFound)

		return
	}

	limit := defaultHistoryLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})

			return
		}

		limit = n
	}

	records, err := h.journal.History(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	resp := make([]HistoryResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, HistoryResponse{
			From:            rec.FromStatus,
			To:              rec.ToStatus,
			BytesDownloaded: rec.BytesDownloaded,
			TotalBytes:      rec.TotalBytes,
			ErrorCode:       rec.ErrorCode,
			ResolvedPath:    rec.ResolvedPath,
			InstanceID:      rec.InstanceID,
			RecordedAt:      rec.RecordedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleEvent receives status events pushed by an external provider.
func (h *BundleHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var ev fetch.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventSize)).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid event: " + err.Error()})

		return
	}

	if err := h.svc.Apply(r.Context(), ev); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *BundleHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *BundleHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "request failed", "err", err)
	}

	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var transitionErr *fetch.TransitionError

	switch {
	case errors.Is(err, fetch.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fetch.ErrInvalidName), errors.Is(err, fetch.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.As(err, &transitionErr),
		errors.Is(err, session.ErrNotAwaitingConfirmation),
		errors.Is(err, session.ErrNotActive),
		errors.Is(err, session.ErrActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrRefused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newBundleResponse(b fetch.Bundle) BundleResponse {
	resp := BundleResponse{
		Name:            b.Name,
		Status:          b.Status.String(),
		BytesDownloaded: b.BytesDownloaded,
		TotalBytes:      b.TotalBytes,
		Progress:        b.Progress(),
		ErrorCode:       b.ErrorCode,
		ResolvedPath:    b.ResolvedPath,
		RequestedAt:     b.RequestedAt,
		UpdatedAt:       b.UpdatedAt,
	}

	if b.TotalBytes > 0 {
		resp.Size = humanize.Bytes(uint64(b.TotalBytes))
	}

	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

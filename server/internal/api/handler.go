package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/asiaops/asia/pkg/ingest"
	"github.com/asiaops/asia/pkg/types"
	"github.com/asiaops/asia/server/internal/alerts"
	"github.com/asiaops/asia/server/internal/pipeline"
	"github.com/asiaops/asia/server/internal/store"
)

// DefaultMaxUploadBytes caps an upload when Options.MaxUploadBytes is zero.
const DefaultMaxUploadBytes = 32 << 20

// Service is the analysis pipeline the handler fronts.
type Service interface {
	Analyze(ctx context.Context, raw []byte, meta types.RunMetadata) (string, error)
	Results(ctx context.Context, runID string) (*types.RunView, error)
	Chat(ctx context.Context, runID, question string) (string, error)
	History(ctx context.Context, runID string) ([]types.ChatLog, error)
	Raw(ctx context.Context, runID string) ([]byte, error)
	Runs(ctx context.Context) ([]types.Run, error)
}

// AlertLister lists recent alerts.
type AlertLister interface {
	Active() []*alerts.Alert
}

// Options configures optional routes and limits.
type Options struct {
	MaxUploadBytes int64
	// Alerts backs GET /api/v1/alerts; nil serves an empty list.
	Alerts AlertLister
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Stream is mounted at /ws/runs when set.
	Stream http.Handler
}

// Handler is the HTTP handler for the upload, results and chat endpoints and
// the /api/v1/* dashboard endpoints.
type Handler struct {
	svc       Service
	alerts    AlertLister
	maxUpload int64
	router    *mux.Router
}

// New creates a Handler wired to svc and registers all routes. The returned
// handler recovers from panics in any route.
func New(svc Service, opts Options) http.Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	h := &Handler{
		svc:       svc,
		alerts:    opts.Alerts,
		maxUpload: opts.MaxUploadBytes,
		router:    mux.NewRouter(),
	}

	r := h.router
	r.HandleFunc("/upload", h.upload).Methods(http.MethodPost)
	r.HandleFunc("/results/{run_id}", h.results).Methods(http.MethodGet)
	r.HandleFunc("/chat", h.chat).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", h.health).Methods(http.MethodGet)
	v1.HandleFunc("/runs", h.listRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{run_id}", h.results).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{run_id}/chat", h.chatHistory).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{run_id}/raw", h.raw).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", h.listAlerts).Methods(http.MethodGet)

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	if opts.Stream != nil {
		r.Handle("/ws/runs", opts.Stream)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
		handlers.PrintRecoveryStack(false),
	)(h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// upload handles POST /upload: multipart "file" (CSV) plus an optional
// "metadata" field holding a JSON RunMetadata.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			jsonErr(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		jsonErr(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "missing form file \"file\"")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	var meta types.RunMetadata
	if s := strings.TrimSpace(r.FormValue("metadata")); s != "" {
		if err := json.Unmarshal([]byte(s), &meta); err != nil {
			jsonErr(w, http.StatusBadRequest, "invalid metadata JSON: "+err.Error())
			return
		}
	}

	runID, err := h.svc.Analyze(r.Context(), raw, meta)
	if err != nil {
		writeError(w, err, runID)
		return
	}

	jsonResp(w, http.StatusOK, UploadResponse{
		RunID:      runID,
		Status:     types.StatusCompleted,
		ResultsURL: "/results/" + runID,
	})
}

// results handles GET /results/{run_id}: the combined run, signals and
// anomaly result.
func (h *Handler) results(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	view, err := h.svc.Results(r.Context(), runID)
	if err != nil {
		writeError(w, err, "")
		return
	}
	jsonResp(w, http.StatusOK, view)
}

// chat handles POST /chat.
func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.RunID == "" || strings.TrimSpace(req.Message) == "" {
		jsonErr(w, http.StatusBadRequest, "run_id and message are required")
		return
	}

	answer, err := h.svc.Chat(r.Context(), req.RunID, req.Message)
	if err != nil {
		writeError(w, err, "")
		return
	}
	jsonResp(w, http.StatusOK, ChatResponse{Response: answer})
}

// health handles GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	runs, err := h.svc.Runs(r.Context())
	if err != nil {
		slog.Warn("api: health run count", "err", err)
		resp.Status = "degraded"
	}
	resp.Runs = len(runs)
	if h.alerts != nil {
		resp.AlertCount = len(h.alerts.Active())
	}
	jsonResp(w, http.StatusOK, resp)
}

// listRuns handles GET /api/v1/runs, newest first.
func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.svc.Runs(r.Context())
	if err != nil {
		writeError(w, err, "")
		return
	}
	if runs == nil {
		runs = []types.Run{}
	}
	jsonResp(w, http.StatusOK, runs)
}

// chatHistory handles GET /api/v1/runs/{run_id}/chat.
func (h *Handler) chatHistory(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	logs, err := h.svc.History(r.Context(), runID)
	if err != nil {
		writeError(w, err, "")
		return
	}
	if logs == nil {
		logs = []types.ChatLog{}
	}
	jsonResp(w, http.StatusOK, ChatHistoryResponse{RunID: runID, Messages: logs})
}

// raw handles GET /api/v1/runs/{run_id}/raw: the uploaded CSV as received.
func (h *Handler) raw(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	data, err := h.svc.Raw(r.Context(), runID)
	if err != nil {
		writeError(w, err, "")
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+runID+`.csv"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

// listAlerts handles GET /api/v1/alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, _ *http.Request) {
	out := []*alerts.Alert{}
	if h.alerts != nil {
		out = append(out, h.alerts.Active()...)
	}
	jsonResp(w, http.StatusOK, out)
}

// --- helpers ----------------------------------------------------------------

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case ingest.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNotAnalyzed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, runID string) {
	code := statusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusNotFound:
		msg = "run not found"
	case http.StatusInternalServerError:
		slog.Error("api: request failed", "run_id", runID, "err", err)
	}
	jsonResp(w, code, errorResponse{Error: msg, RunID: runID})
}

// jsonResp encodes v before touching the response, so a value that cannot be
// encoded becomes a 500 instead of a truncated 200.
func jsonResp(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("api: encode response", "status", code, "err", err)
		code = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse{Error: "response could not be encoded"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(body, '\n')) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}


package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"context-bridge/internal/domain"
	"context-bridge/internal/usecase"
)

const (
	maxMessagesPerContext = 500
	maxMessageContentLen  = 100000

	defaultListLimit = 20
	maxListLimit     = 100

	defaultSummaryTokens = 150
	minSummaryTokens     = 50
	maxSummaryTokens     = 500
)

// ContextService is the workflow surface consumed by the HTTP boundary.
type ContextService interface {
	CreateContext(ctx context.Context, in usecase.CreateContextInput) (*domain.Context, error)
	GetContext(ctx context.Context, id string) (*domain.Context, error)
	ListContexts(ctx context.Context, platform string, limit, offset int) (usecase.ListResult, error)
	DeleteContext(ctx context.Context, id string) error
	Summarize(ctx context.Context, messages []domain.MessageInput, maxTokens int) (domain.SummaryResult, error)
}

// HealthChecker reports storage reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ProviderStatus reports whether the summarization provider has credentials.
type ProviderStatus interface {
	Configured() bool
}

// UsageRecorder persists request-log telemetry rows.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u domain.APIUsage) error
}

// Handler wires the HTTP routes to the workflow service.
type Handler struct {
	svc         ContextService
	health      HealthChecker
	provider    ProviderStatus
	usage       UsageRecorder
	corsOrigins []string
	log         zerolog.Logger
}

func NewHandler(svc ContextService, health HealthChecker, provider ProviderStatus, usage UsageRecorder, corsOrigins []string, log zerolog.Logger) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: context service must not be nil")
	}
	if health == nil {
		return nil, errors.New("handler: health checker must not be nil")
	}
	if provider == nil {
		return nil, errors.New("handler: provider status must not be nil")
	}
	return &Handler{
		svc:         svc,
		health:      health,
		provider:    provider,
		usage:       usage,
		corsOrigins: corsOrigins,
		log:         log,
	}, nil
}

// Router builds the full route table under /api/v1.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.corsMiddleware, h.requestMiddleware)

	r.HandleFunc("/", h.handleRoot).Methods(http.MethodGet, http.MethodOptions)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/contexts", h.handleCreateContext).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/contexts", h.handleListContexts).Methods(http.MethodGet)
	api.HandleFunc("/contexts/{id}", h.handleGetContext).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/contexts/{id}", h.handleDeleteContext).Methods(http.MethodDelete)
	api.HandleFunc("/summarize", h.handleSummarize).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet, http.MethodOptions)

	return r
}

// ---- request / response shapes ----

type messagePayload struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type createContextRequest struct {
	Platform          string           `json:"platform"`
	Messages          []messagePayload `json:"messages"`
	Formatted         string           `json:"formatted"`
	Summary           *string          `json:"summary"`
	GenerateAISummary bool             `json:"generate_ai_summary"`
	SourceMetadata    map[string]any   `json:"source_metadata"`
}

type createContextResponse struct {
	Success      bool      `json:"success"`
	ContextID    string    `json:"context_id"`
	MessageCount int       `json:"message_count"`
	AISummary    *string   `json:"ai_summary"`
	CreatedAt    time.Time `json:"created_at"`
	URL          string    `json:"url"`
}

type messageResponse struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	SequenceOrder int       `json:"sequence_order"`
}

type contextResponse struct {
	ID           string            `json:"id"`
	Platform     string            `json:"platform"`
	MessageCount int               `json:"message_count"`
	Messages     []messageResponse `json:"messages"`
	Formatted    string            `json:"formatted"`
	Summary      *string           `json:"summary"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type contextListItem struct {
	ID           string    `json:"id"`
	Platform     string    `json:"platform"`
	MessageCount int       `json:"message_count"`
	Summary      *string   `json:"summary"`
	CreatedAt    time.Time `json:"created_at"`
}

type contextListResponse struct {
	Contexts []contextListItem `json:"contexts"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
	HasMore  bool              `json:"has_more"`
}

type summarizeRequest struct {
	Messages  []messagePayload `json:"messages"`
	MaxTokens int              `json:"max_tokens"`
}

type summarizeResponse struct {
	Summary    string `json:"summary"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	OpenAI    string    `json:"openai"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Detail     string `json:"detail"`
	StatusCode int    `json:"status_code"`
}

// ---- handlers ----

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "Context Bridge API",
		"version": "1.0.0",
		"status":  "running",
		"health":  "/api/v1/health",
	})
}

func (h *Handler) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req createContextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	messages, detail := validateMessages(req.Messages)
	if detail == "" && !domain.Platform(req.Platform).Valid() {
		detail = "platform must be one of chatgpt, claude, gemini, poe"
	}
	if detail == "" && strings.TrimSpace(req.Formatted) == "" {
		detail = "formatted must not be empty"
	}
	if detail != "" {
		writeError(w, http.StatusBadRequest, detail)
		return
	}

	created, err := h.svc.CreateContext(r.Context(), usecase.CreateContextInput{
		Platform:          domain.Platform(req.Platform),
		Messages:          messages,
		Formatted:         req.Formatted,
		Summary:           req.Summary,
		GenerateAISummary: req.GenerateAISummary,
		SourceMetadata:    req.SourceMetadata,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createContextResponse{
		Success:      true,
		ContextID:    created.ID,
		MessageCount: created.MessageCount,
		AISummary:    created.Summary,
		CreatedAt:    created.CreatedAt,
		URL:          "/api/v1/contexts/" + created.ID,
	})
}

func (h *Handler) handleGetContext(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	c, err := h.svc.GetContext(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	messages := make([]messageResponse, 0, len(c.Messages))
	for _, m := range c.Messages {
		messages = append(messages, messageResponse{
			ID:            m.ID,
			Role:          string(m.Role),
			Content:       m.Content,
			Timestamp:     m.MessageTimestamp,
			SequenceOrder: m.SequenceOrder,
		})
	}

	writeJSON(w, http.StatusOK, contextResponse{
		ID:           c.ID,
		Platform:     string(c.Platform),
		MessageCount: c.MessageCount,
		Messages:     messages,
		Formatted:    c.FormattedText,
		Summary:      c.Summary,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	})
}

func (h *Handler) handleListContexts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	platform := q.Get("platform")
	if platform != "" && !domain.Platform(platform).Valid() {
		writeError(w, http.StatusBadRequest, "platform must be one of chatgpt, claude, gemini, poe")
		return
	}

	limit, err := queryInt(q.Get("limit"), defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be an integer between 1 and %d", maxListLimit))
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	result, err := h.svc.ListContexts(r.Context(), platform, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	items := make([]contextListItem, 0, len(result.Contexts))
	for _, c := range result.Contexts {
		items = append(items, contextListItem{
			ID:           c.ID,
			Platform:     string(c.Platform),
			MessageCount: c.MessageCount,
			Summary:      c.Summary,
			CreatedAt:    c.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, contextListResponse{
		Contexts: items,
		Total:    result.Total,
		Limit:    result.Limit,
		Offset:   result.Offset,
		HasMore:  result.HasMore,
	})
}

func (h *Handler) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.svc.DeleteContext(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	messages, detail := validateMessages(req.Messages)
	if detail != "" {
		writeError(w, http.StatusBadRequest, detail)
		return
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultSummaryTokens
	}
	if maxTokens < minSummaryTokens || maxTokens > maxSummaryTokens {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("max_tokens must be between %d and %d", minSummaryTokens, maxSummaryTokens))
		return
	}

	result, err := h.svc.Summarize(r.Context(), messages, maxTokens)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summarizeResponse{
		Summary:    result.Summary,
		TokensUsed: result.TokensUsed,
		Model:      result.Model,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	database := "connected"
	status := "healthy"
	if err := h.health.Ping(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("database health check failed")
		database = "error: " + err.Error()
		status = "unhealthy"
	}

	openaiStatus := "not_configured"
	if h.provider.Configured() {
		openaiStatus = "configured"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Database:  database,
		OpenAI:    openaiStatus,
		Timestamp: time.Now().UTC(),
	})
}

// ---- validation ----

// validateMessages enforces the boundary constraints: 1-500 messages,
// valid roles, content 1-100,000 chars, timestamps present. Returns the
// converted inputs or a human-readable rejection.
func validateMessages(payloads []messagePayload) ([]domain.MessageInput, string) {
	if len(payloads) == 0 {
		return nil, "at least one message is required"
	}
	if len(payloads) > maxMessagesPerContext {
		return nil, fmt.Sprintf("maximum %d messages per context", maxMessagesPerContext)
	}

	messages := make([]domain.MessageInput, 0, len(payloads))
	for i, p := range payloads {
		role := domain.Role(p.Role)
		if !role.Valid() {
			return nil, fmt.Sprintf("messages[%d].role must be user or assistant", i)
		}
		if len(p.Content) == 0 || len(p.Content) > maxMessageContentLen {
			return nil, fmt.Sprintf("messages[%d].content length must be between 1 and %d", i, maxMessageContentLen)
		}
		if p.Timestamp.IsZero() {
			return nil, fmt.Sprintf("messages[%d].timestamp is required", i)
		}
		messages = append(messages, domain.MessageInput{
			Role:      role,
			Content:   p.Content,
			Timestamp: p.Timestamp,
		})
	}
	return messages, ""
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// ---- error mapping ----

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *usecase.Error
	if !errors.As(err, &svcErr) {
		h.log.Error().Err(err).Msg("unclassified service error")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := statusForCode(svcErr.Code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("service error")
	}
	writeError(w, status, detailForError(svcErr))
}

func statusForCode(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorProviderUnavailable:
		return http.StatusServiceUnavailable
	case usecase.ErrorProviderQuota:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func detailForError(err *usecase.Error) string {
	switch err.Code {
	case usecase.ErrorNotFound:
		return "Context not found"
	case usecase.ErrorProviderUnavailable:
		return "OpenAI API is not configured"
	case usecase.ErrorProviderQuota:
		return "OpenAI API quota exceeded or payment required"
	case usecase.ErrorInvalidInput:
		return strings.ReplaceAll(err.Reason, "_", " ")
	default:
		return "internal server error"
	}
}

// ---- middleware ----

// statusRecorder captures the response status for logging and telemetry.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	for _, allowed := range h.corsOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		// Prefix patterns such as "chrome-extension://*".
		if strings.HasSuffix(allowed, "*") && strings.HasPrefix(origin, strings.TrimSuffix(allowed, "*")) {
			return true
		}
	}
	return false
}

// requestMiddleware logs each request and records usage telemetry
// best-effort; telemetry failures never affect the response.
func (h *Handler) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		h.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("request")

		if h.usage == nil || !strings.HasPrefix(r.URL.Path, "/api/v1/") {
			return
		}
		err := h.usage.RecordUsage(context.Background(), domain.APIUsage{
			Endpoint:         r.Method + " " + r.URL.Path,
			IPAddress:        clientIP(r),
			UserAgent:        r.UserAgent(),
			RequestTimestamp: start.UTC(),
			ResponseStatus:   rec.status,
			ProcessingTimeMS: int(elapsed.Milliseconds()),
		})
		if err != nil {
			h.log.Warn().Err(err).Msg("failed to record api usage")
		}
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---- JSON helpers ----

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 10<<20))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail, StatusCode: status})
}

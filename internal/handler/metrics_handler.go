package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"telemetry-service/internal/aggregate"
	"telemetry-service/internal/anomaly"
	"telemetry-service/internal/ingest"
	"telemetry-service/internal/model"
	"telemetry-service/internal/repository/elastic"
	"telemetry-service/internal/session"
	"telemetry-service/internal/util"
)

// MetricsHandler exposes the ingestion and reporting API.
type MetricsHandler struct {
	gateway   *ingest.Gateway
	detector  *anomaly.Detector
	tracker   *session.Tracker
	engine    *aggregate.Engine
	slowIndex *elastic.SlowQueryIndex
	logger    *zap.Logger
}

func NewMetricsHandler(
	gateway *ingest.Gateway,
	detector *anomaly.Detector,
	tracker *session.Tracker,
	engine *aggregate.Engine,
	slowIndex *elastic.SlowQueryIndex,
	logger *zap.Logger,
) *MetricsHandler {
	return &MetricsHandler{
		gateway:   gateway,
		detector:  detector,
		tracker:   tracker,
		engine:    engine,
		slowIndex: slowIndex,
		logger:    logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// RegisterRoutes registers the metric ingestion and reporting routes
func (h *MetricsHandler) RegisterRoutes(router chi.Router) {
	router.Route("/metrics", func(r chi.Router) {
		r.Post("/network-usage", h.RecordNetworkUsage)
		r.Post("/failed-logins", h.RecordFailedLogin)
		r.Post("/slow-queries", h.RecordSlowQuery)
		r.Post("/transactions", h.RecordTransaction)

		r.Get("/network-usage", h.QueryNetworkUsage)
		r.Get("/failed-logins", h.QueryFailedLogins)
		r.Get("/slow-queries", h.QuerySlowQueries)
		r.Get("/transactions", h.QueryTransactions)
	})

	router.Route("/reports", func(r chi.Router) {
		r.Get("/transactions/counts", h.TransactionCounts)
		r.Get("/transactions/total", h.TransactionTotal)
		r.Get("/slow-queries/top", h.SlowestQueries)
		r.Get("/network/bytes", h.TotalBytes)
		r.Get("/failed-logins/grouped", h.FailedLoginsGrouped)
	})

	router.Route("/security", func(r chi.Router) {
		r.Get("/suspicious", h.SuspiciousSources)
		r.Get("/attempts/{ipAddress}", h.AttemptsForIP)
	})

	router.Route("/sessions", func(r chi.Router) {
		r.Get("/active", h.ActiveSessions)
		r.Get("/active/count", h.ActiveSessionCount)
		r.Get("/{userID}", h.GetSession)
		r.Post("/{userID}/touch", h.TouchSession)
		r.Post("/sweep", h.RunSweep)
	})

	router.Get("/ingest/stats", h.IngestStats)
	router.Get("/search/slow-queries", h.SearchSlowQueries)
}

// ==============================
// Ingestion
// ==============================

func (h *MetricsHandler) RecordNetworkUsage(w http.ResponseWriter, r *http.Request) {
	var m model.NetworkUsageMetric
	h.record(w, r, &m)
}

func (h *MetricsHandler) RecordFailedLogin(w http.ResponseWriter, r *http.Request) {
	var m model.FailedLoginAttemptMetric
	h.record(w, r, &m)
}

func (h *MetricsHandler) RecordSlowQuery(w http.ResponseWriter, r *http.Request) {
	var m model.SlowQueryMetric
	h.record(w, r, &m)
}

func (h *MetricsHandler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var m model.TransactionMetric
	h.record(w, r, &m)
}

// record decodes, defaults the timestamp and hands off to the gateway. The
// gateway never blocks, so 202 means accepted for persistence, not persisted.
func (h *MetricsHandler) record(w http.ResponseWriter, r *http.Request, m model.Metric) {
	if err := json.NewDecoder(r.Body).Decode(m); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	h.defaultTimestamp(m)

	if err := h.gateway.Record(m); err != nil {
		h.respondWithError(w, http.StatusUnprocessableEntity, err, "Metric rejected")
		return
	}

	h.respondWithJSON(w, http.StatusAccepted, successResponse(nil, "Metric accepted"))
}

func (h *MetricsHandler) defaultTimestamp(m model.Metric) {
	now := time.Now().UTC()
	switch r := m.(type) {
	case *model.NetworkUsageMetric:
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
	case *model.FailedLoginAttemptMetric:
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
	case *model.SlowQueryMetric:
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
	case *model.TransactionMetric:
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
	}
}

// ==============================
// Stream queries
// ==============================

func (h *MetricsHandler) QueryNetworkUsage(w http.ResponseWriter, r *http.Request) {
	tr, limit, err := queryWindow(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query parameters")
		return
	}
	filter := model.NetworkUsageFilter{Route: r.URL.Query().Get("route")}

	records, err := h.engine.Store().QueryNetworkUsage(r.Context(), filter, tr, limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Query failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(records, ""))
}

func (h *MetricsHandler) QueryFailedLogins(w http.ResponseWriter, r *http.Request) {
	tr, limit, err := queryWindow(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query parameters")
		return
	}
	filter := model.FailedLoginFilter{
		IPAddress: r.URL.Query().Get("ip_address"),
		Username:  r.URL.Query().Get("username"),
		Reason:    r.URL.Query().Get("reason"),
	}

	records, err := h.engine.Store().QueryFailedLogins(r.Context(), filter, tr, limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Query failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(records, ""))
}

func (h *MetricsHandler) QuerySlowQueries(w http.ResponseWriter, r *http.Request) {
	tr, limit, err := queryWindow(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query parameters")
		return
	}
	filter := model.SlowQueryFilter{TableName: r.URL.Query().Get("table_name")}

	records, err := h.engine.Store().QuerySlowQueries(r.Context(), filter, tr, limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Query failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(records, ""))
}

func (h *MetricsHandler) QueryTransactions(w http.ResponseWriter, r *http.Request) {
	tr, limit, err := queryWindow(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query parameters")
		return
	}
	filter := model.TransactionFilter{Type: model.TransactionType(r.URL.Query().Get("type"))}
	if filter.Type != "" && !model.ValidTransactionType(filter.Type) {
		h.respondWithError(w, http.StatusBadRequest, model.ErrInvalidRecord, "Unknown transaction type")
		return
	}

	records, err := h.engine.Store().QueryTransactions(r.Context(), filter, tr, limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Query failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(records, ""))
}

// ==============================
// Reports
// ==============================

func (h *MetricsHandler) TransactionCounts(w http.ResponseWriter, r *http.Request) {
	tr, _, err := queryWindow(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query parameters")
		return
	}

	counts, err := h.engine.CountTransactionsByType(r.Context(), tr)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Report failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(counts, ""))
}

func (h *MetricsHandler) TransactionTotal(w http.ResponseWriter, r *http.Request) {
	tr, _, err := queryWindow(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query parameters")
		return
	}
	t := model.TransactionType(r.URL.Query().Get("type"))

	total, err := h.engine.TotalAmountByType(r.Context(), t, tr)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Report failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"type":  t,
		"total": total,
	}, ""))
}

func (h *MetricsHandler) SlowestQueries(w http.ResponseWriter, r *http.Request) {
	n := intParam(r, "n", 10)

	var tr *model.TimeRange
	if r.URL.Query().Get("from") != "" || r.URL.Query().Get("to") != "" {
		window, _, err := queryWindow(r)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid query parameters")
			return
		}
		tr = &window
	}

	records, err := h.engine.Slowest(r.Context(), n, tr)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Report failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(records, ""))
}

func (h *MetricsHandler) TotalBytes(w http.ResponseWriter, r *http.Request) {
	tr, _, err := queryWindow(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query parameters")
		return
	}

	total, err := h.engine.TotalBytesByPeriod(r.Context(), tr)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Report failed")
		return
	}
	if total == nil {
		h.respondWithJSON(w, http.StatusOK, successResponse(nil, "No network usage recorded in period"))
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"bytes_in":  total.BytesIn,
		"bytes_out": total.BytesOut,
		"total":     total.Total(),
	}, ""))
}

func (h *MetricsHandler) FailedLoginsGrouped(w http.ResponseWriter, r *http.Request) {
	tr, _, err := queryWindow(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query parameters")
		return
	}

	by := model.ByIPAddress
	if r.URL.Query().Get("by") == "username" {
		by = model.ByUsername
	}

	counts, err := h.engine.FailedLoginsBy(r.Context(), by, tr)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Report failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(counts, ""))
}

// ==============================
// Security
// ==============================

func (h *MetricsHandler) SuspiciousSources(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-h.detector.Window())
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid since timestamp")
			return
		}
		since = parsed
	}
	threshold := int64(intParam(r, "threshold", int(h.detector.Threshold())))

	reports, err := h.detector.SuspiciousSince(r.Context(), since, threshold)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Detection failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(reports, ""))
}

func (h *MetricsHandler) AttemptsForIP(w http.ResponseWriter, r *http.Request) {
	ipAddress := chi.URLParam(r, "ipAddress")

	count, err := h.detector.AttemptCount(r.Context(), ipAddress, time.Now().UTC())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Count failed")
		return
	}
	suspicious, err := h.detector.IsSuspiciousIP(r.Context(), ipAddress, time.Now().UTC())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Detection failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"ip_address": ipAddress,
		"attempts":   count,
		"suspicious": suspicious,
		"window":     h.detector.Window().String(),
	}, ""))
}

// ==============================
// Sessions
// ==============================

func (h *MetricsHandler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.tracker.ListActive(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list active sessions")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sessions, ""))
}

func (h *MetricsHandler) ActiveSessionCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.tracker.ActiveCount(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to count active sessions")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int64{"active": count}, ""))
}

func (h *MetricsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	record, err := h.tracker.Get(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load session")
		return
	}
	if record == nil {
		h.respondWithError(w, http.StatusNotFound, errors.New("user has no activity record"), "Not found")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(record, ""))
}

func (h *MetricsHandler) TouchSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := h.tracker.Touch(r.Context(), userID, time.Now().UTC()); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to record activity")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Activity recorded"))
}

func (h *MetricsHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	deactivated, err := h.tracker.Sweep(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Sweep failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"deactivated": deactivated}, ""))
}

// ==============================
// Operational
// ==============================

func (h *MetricsHandler) IngestStats(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.gateway.Stats(), ""))
}

func (h *MetricsHandler) SearchSlowQueries(w http.ResponseWriter, r *http.Request) {
	if h.slowIndex == nil {
		h.respondWithError(w, http.StatusNotImplemented,
			errors.New("slow query search index not configured"), "Search unavailable")
		return
	}

	pattern := r.URL.Query().Get("q")
	if pattern == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("q parameter is required"), "Missing search pattern")
		return
	}
	tableName := r.URL.Query().Get("table_name")
	limit := intParam(r, "limit", 20)

	records, err := h.slowIndex.SearchShapes(r.Context(), pattern, tableName, limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Search failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(records, ""))
}

// ==============================
// Helpers
// ==============================

// queryWindow parses from/to/limit. Missing bounds default to the last 24h
// ending now.
func queryWindow(r *http.Request) (model.TimeRange, int, error) {
	now := time.Now().UTC()
	tr := model.TimeRange{From: now.Add(-24 * time.Hour), To: now}

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tr, 0, err
		}
		tr.From = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tr, 0, err
		}
		tr.To = parsed
	}

	return tr, intParam(r, "limit", 100), nil
}

func intParam(r *http.Request, name string, defaultValue int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func (h *MetricsHandler) getStatusCode(err error) int {
	switch {
	case model.IsInvalidRecord(err):
		return http.StatusBadRequest
	case model.IsTimeout(err):
		return http.StatusGatewayTimeout
	case model.IsStoreUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *MetricsHandler) respondWithJSON(w http.ResponseWriter, statusCode int, payload Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", util.ErrorField(err))
	}
}

func (h *MetricsHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

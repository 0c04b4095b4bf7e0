package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/config"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/metrics"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/scheduler"
)

// HTTPHandler handles HTTP requests for the compliance monitor
type HTTPHandler struct {
	config         *config.Config
	logger         *slog.Logger
	db             *sqlx.DB
	alertRepo      *database.AlertRepository
	obligationRepo *database.ObligationRepository
	scoreRepo      *database.ScoreRepository
	subjectRepo    *database.SubjectRepository
	scheduler      *scheduler.Scheduler
	collector      *metrics.Collector
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	cfg *config.Config,
	logger *slog.Logger,
	db *sqlx.DB,
	alertRepo *database.AlertRepository,
	obligationRepo *database.ObligationRepository,
	scoreRepo *database.ScoreRepository,
	subjectRepo *database.SubjectRepository,
	sched *scheduler.Scheduler,
	collector *metrics.Collector,
) *HTTPHandler {
	return &HTTPHandler{
		config:         cfg,
		logger:         logger,
		db:             db,
		alertRepo:      alertRepo,
		obligationRepo: obligationRepo,
		scoreRepo:      scoreRepo,
		subjectRepo:    subjectRepo,
		scheduler:      sched,
		collector:      collector,
	}
}

// RegisterRoutes registers HTTP routes
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.Use(h.metricsMiddleware)

	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Monitoring run trigger
	router.HandleFunc("/runs", h.handleTriggerRun).Methods("POST")

	// Alert endpoints
	alertRouter := router.PathPrefix("/alerts").Subrouter()
	alertRouter.HandleFunc("", h.handleListAlerts).Methods("GET")
	alertRouter.HandleFunc("/stats", h.handleAlertStats).Methods("GET")
	alertRouter.HandleFunc("/{id}", h.handleGetAlert).Methods("GET")
	alertRouter.HandleFunc("/{id}/acknowledge", h.handleAcknowledgeAlert).Methods("POST")

	// Subject endpoints
	subjectRouter := router.PathPrefix("/subjects").Subrouter()
	subjectRouter.HandleFunc("/{id}/obligations", h.handleListObligations).Methods("GET")
	subjectRouter.HandleFunc("/{id}/scores", h.handleListScores).Methods("GET")

	// Obligation endpoints
	obligationRouter := router.PathPrefix("/obligations").Subrouter()
	obligationRouter.HandleFunc("/{id}/resolve", h.handleResolveObligation).Methods("POST")
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		h.logger.Error("Health check failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "compliance-monitor",
	})
}

func (h *HTTPHandler) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	tenantID := h.tenantID(r)

	summary, err := h.scheduler.RunTenant(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("Triggered run failed", "tenant_id", tenantID, "error", err)
		if errors.Is(err, scheduler.ErrRunInProgress) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	tenantID := h.tenantID(r)
	limit, offset := h.parsePagination(r)

	filters := make(map[string]string)
	for _, key := range []string{"subject_id", "authority", "type", "severity", "acknowledged"} {
		if v := r.URL.Query().Get(key); v != "" {
			filters[key] = v
		}
	}

	alerts, err := h.alertRepo.List(r.Context(), tenantID, filters, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list alerts", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list alerts")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":    alerts,
		"page_size": limit,
		"offset":    offset,
	})
}

func (h *HTTPHandler) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	alert, err := h.alertRepo.GetByID(r.Context(), vars["id"])
	if err != nil {
		h.writeError(w, http.StatusNotFound, "Alert not found")
		return
	}

	h.writeJSON(w, http.StatusOK, alert)
}

func (h *HTTPHandler) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AcknowledgedBy == "" {
		h.writeError(w, http.StatusBadRequest, "acknowledged_by is required")
		return
	}

	if err := h.alertRepo.Acknowledge(r.Context(), vars["id"], req.AcknowledgedBy); err != nil {
		h.logger.Error("Failed to acknowledge alert", "alert_id", vars["id"], "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to acknowledge alert")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *HTTPHandler) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	tenantID := h.tenantID(r)

	timeRange := 24 * time.Hour
	if v := r.URL.Query().Get("range"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			timeRange = parsed
		}
	}

	stats, err := h.alertRepo.GetStats(r.Context(), tenantID, timeRange)
	if err != nil {
		h.logger.Error("Failed to get alert stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get alert stats")
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPHandler) handleListObligations(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID := h.tenantID(r)

	obligations, err := h.obligationRepo.ListActiveBySubject(r.Context(), tenantID, vars["id"])
	if err != nil {
		h.logger.Error("Failed to list obligations", "subject_id", vars["id"], "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list obligations")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"obligations": obligations})
}

func (h *HTTPHandler) handleListScores(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID := h.tenantID(r)

	scores, err := h.scoreRepo.ListBySubject(r.Context(), tenantID, vars["id"])
	if err != nil {
		h.logger.Error("Failed to list scores", "subject_id", vars["id"], "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list scores")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"scores": scores})
}

func (h *HTTPHandler) handleResolveObligation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := h.obligationRepo.Resolve(r.Context(), vars["id"]); err != nil {
		h.logger.Error("Failed to resolve obligation", "obligation_id", vars["id"], "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to resolve obligation")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *HTTPHandler) tenantID(r *http.Request) string {
	if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" {
		return tenantID
	}
	if len(h.config.Monitoring.Tenants) > 0 {
		return h.config.Monitoring.Tenants[0]
	}
	return "default"
}

func (h *HTTPHandler) parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *HTTPHandler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.collector == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		h.collector.ObserveHTTPRequest(r.Method, path, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

// internal/api/http/registry_handler.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/metrics"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Registry is the part of the registry the status API needs.
type Registry interface {
	Register(ctx context.Context, record domain.WorkerRecord) error
	GetMethodConfig(ctx context.Context, capability string) ([]domain.MethodEndpoint, error)
	Workers() []domain.WorkerStatus
}

// RegistryHandler serves the registry status API.
type RegistryHandler struct {
	registry Registry
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewRegistryHandler creates a new RegistryHandler.
func NewRegistryHandler(registry Registry, logger *slog.Logger) *RegistryHandler {
	return &RegistryHandler{
		registry: registry,
		logger:   logger.With("component", "registry-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("distributed-resize-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// instrument wraps h with a span and the request counter. path is the route
// template used as the metric label.
func (h *RegistryHandler) instrument(path string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r.WithContext(ctx))

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()
		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// RegisterRoutes registers the status routes to the http.ServeMux.
func (h *RegistryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/workers", h.instrument("/workers", h.handleWorkers))
	mux.Handle("/methods/", h.instrument("/methods/{name}", h.handleMethod))
}

func (h *RegistryHandler) handleWorkers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListWorkers(w, r)
	case http.MethodPost:
		h.handleRegisterWorker(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *RegistryHandler) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	statuses := h.registry.Workers()
	out := make([]WorkerResponse, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, newWorkerResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *RegistryHandler) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.RegisterWorker")
	defer span.End()

	var req RegisterWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var details []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation failed",
			"details": details,
		})
		return
	}

	record := req.ToDomainRecord()
	span.SetAttributes(attribute.String("worker.addr", record.Address.String()))

	if err := h.registry.Register(ctx, record); err != nil {
		span.SetStatus(codes.Error, "Registration failed")
		span.RecordError(err)
		h.logger.Warn("http registration failed", "addr", record.Address.String(), "error", err)
		switch {
		case errors.Is(err, domain.ErrRegistrationRejected):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, domain.ErrMissingAddress), errors.Is(err, domain.ErrInvalidRecord):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

// handleMethod serves GET /methods/{name}.
func (h *RegistryHandler) handleMethod(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/methods/"), "/")
	if strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}

	endpoints, err := h.registry.GetMethodConfig(r.Context(), name)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEmptyCapability):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrCapabilityNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			h.logger.Error("error querying capability", "capability", name, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, endpoints)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

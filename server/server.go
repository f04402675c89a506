package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/lumenlabs/maestro/auth"
	"github.com/lumenlabs/maestro/cost"
	"github.com/lumenlabs/maestro/decision"
	"github.com/lumenlabs/maestro/fallback"
	"github.com/lumenlabs/maestro/monitoring"
	"github.com/lumenlabs/maestro/orchestrator"
	"github.com/lumenlabs/maestro/registry"
)

// Config for the HTTP surface.
type Config struct {
	Port int
	Auth auth.Config
}

// DecisionLog is the decision-recorder surface the admin API reads.
type DecisionLog interface {
	Recent() []decision.Record
}

// Server exposes the request pipeline and the admin API over HTTP.
type Server struct {
	pipeline  *orchestrator.Orchestrator
	catalog   *registry.Registry
	decisions DecisionLog
	budget    *cost.Manager
	metrics   *monitoring.Manager
	logger    *zap.SugaredLogger
	http      *http.Server
}

func New(
	config Config,
	pipeline *orchestrator.Orchestrator,
	catalog *registry.Registry,
	decisions DecisionLog,
	budget *cost.Manager,
	metrics *monitoring.Manager,
	logger *zap.SugaredLogger,
) *Server {
	s := &Server{
		pipeline:  pipeline,
		catalog:   catalog,
		decisions: decisions,
		budget:    budget,
		metrics:   metrics,
		logger:    logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(auth.New(config.Auth, logger).Middleware)
	api.HandleFunc("/process", s.handleProcess).Methods(http.MethodPost)
	api.HandleFunc("/models", s.handleListModels).Methods(http.MethodGet)
	api.HandleFunc("/models/{id}/disable", s.handleDisableModel).Methods(http.MethodPost)
	api.HandleFunc("/models/{id}/activate", s.handleActivateModel).Methods(http.MethodPost)
	api.HandleFunc("/decisions", s.handleListDecisions).Methods(http.MethodGet)
	api.HandleFunc("/budget", s.handleBudget).Methods(http.MethodGet)
	api.HandleFunc("/budget/override", s.handleBudgetOverride).Methods(http.MethodPost)
	api.HandleFunc("/budget/override", s.handleClearBudgetOverride).Methods(http.MethodDelete)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           corsMiddleware.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully assembled handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleProcess(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	defer httpRequest.Body.Close()

	bodyBytes, err := io.ReadAll(httpRequest.Body)
	if err != nil {
		s.logger.Warnw("Failed to read request body", "error", err)
		http.Error(httpResponse, "Invalid request body", http.StatusBadRequest)
		return
	}

	var request orchestrator.Request
	if err := json.Unmarshal(bodyBytes, &request); err != nil {
		s.logger.Warnw("Invalid request body", "error", err, "body", string(bodyBytes))
		http.Error(httpResponse, "Invalid request body", http.StatusBadRequest)
		return
	}

	response, err := s.pipeline.Process(httpRequest.Context(), &request)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.writeJson(httpResponse, http.StatusOK, response)
}

func (s *Server) handleListModels(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	s.writeJson(httpResponse, http.StatusOK, s.catalog.List())
}

func (s *Server) handleDisableModel(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	id := mux.Vars(httpRequest)["id"]
	if err := s.catalog.Disable(id); err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.logger.Infow("Model disabled by administrator", "model", id)
	httpResponse.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateModel(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	id := mux.Vars(httpRequest)["id"]
	if err := s.catalog.Activate(id); err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.logger.Infow("Model activated by administrator", "model", id)
	httpResponse.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDecisions(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	s.writeJson(httpResponse, http.StatusOK, s.decisions.Recent())
}

func (s *Server) handleBudget(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	status := s.budget.Status()
	s.metrics.SetBudgetStatus(string(status))
	s.writeJson(httpResponse, http.StatusOK, map[string]any{
		"spend":  s.budget.Spend(),
		"status": status,
	})
}

func (s *Server) handleBudgetOverride(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	defer httpRequest.Body.Close()

	var body struct {
		Status cost.BudgetStatus `json:"status"`
	}
	if err := json.NewDecoder(httpRequest.Body).Decode(&body); err != nil {
		http.Error(httpResponse, "Invalid request body", http.StatusBadRequest)
		return
	}
	switch body.Status {
	case cost.BudgetNormal, cost.BudgetWarning, cost.BudgetCritical:
	default:
		http.Error(httpResponse, "Invalid budget status", http.StatusBadRequest)
		return
	}

	s.budget.SetStatusOverride(body.Status)
	s.metrics.SetBudgetStatus(string(body.Status))
	httpResponse.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearBudgetOverride(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	s.budget.ClearStatusOverride()
	httpResponse.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	s.writeJson(httpResponse, http.StatusOK, map[string]any{
		"status": "ok",
		"models": len(s.catalog.List()),
	})
}

func (s *Server) writeJson(httpResponse http.ResponseWriter, status int, body any) {
	httpResponse.Header().Set("Content-Type", "application/json")
	httpResponse.WriteHeader(status)
	if err := json.NewEncoder(httpResponse).Encode(body); err != nil {
		s.logger.Warnw("Failed to encode response", "error", err)
	}
}

// handleError maps pipeline errors to HTTP statuses. Anything unrecognized
// stays an opaque 500 so internals never leak to callers.
func (s *Server) handleError(httpResponse http.ResponseWriter, err error) {
	var invalidRequest *orchestrator.InvalidRequestError
	var notFound *registry.NotFoundError
	var noCandidates *decision.NoCandidatesError
	var timeout *fallback.TimeoutError
	var allFailed *fallback.AllModelsFailedError
	var badOutput *orchestrator.OutputValidationError

	switch {
	case errors.As(err, &invalidRequest):
		http.Error(httpResponse, err.Error(), http.StatusBadRequest)
	case errors.As(err, &notFound):
		http.Error(httpResponse, err.Error(), http.StatusNotFound)
	case errors.As(err, &noCandidates):
		http.Error(httpResponse, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &timeout):
		http.Error(httpResponse, err.Error(), http.StatusGatewayTimeout)
	case errors.As(err, &allFailed):
		http.Error(httpResponse, err.Error(), http.StatusBadGateway)
	case errors.As(err, &badOutput):
		http.Error(httpResponse, err.Error(), http.StatusBadGateway)
	default:
		s.logger.Errorw("Request failed", "error", err)
		http.Error(httpResponse, "Internal server error", http.StatusInternalServerError)
	}
}

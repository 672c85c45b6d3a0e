// Package socapi maps the orchestrator's operations onto JSON HTTP routes.
package socapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sentinel/internal/analyst"
	"github.com/linnemanlabs/sentinel/internal/graph"
	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/scanner"
	"github.com/linnemanlabs/sentinel/internal/soc"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Service defines the orchestrator operations the API needs.
type Service interface {
	Incidents() []incident.Incident
	ManualIncident(ctx context.Context, source string, severity float64, description string) (incident.Incident, error)
	RunCycle(ctx context.Context) (soc.CycleResult, error)
	RemediateByID(ctx context.Context, id string) (incident.Incident, error)
	GraphSummary() graph.Summary
	ScanNow(ctx context.Context) []scanner.Finding
	AnalyzeIncident(ctx context.Context, id string) (*analyst.Assessment, error)
	Tier3Analyze(ctx context.Context, id string) (*analyst.Result, error)
	Storyboard(id string) (soc.Storyboard, error)
	StoryboardGraph(ctx context.Context, id string) (soc.StoryGraph, error)
	SimulateAttackPath(ctx context.Context, req soc.AttackPathRequest) soc.AttackPathResult
}

var _ Service = (*soc.Engine)(nil)

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    Service
}

// New creates a new API handler.
func New(logger log.Logger, svc Service) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("soc service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router. Extra middleware,
// such as bearer auth, wraps only the /api/v1 group.
func (a *API) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw...)

		r.Get("/incidents", a.handleListIncidents)
		r.Post("/incidents", a.handleCreateIncident)
		r.Post("/incidents/{id}/remediate", a.handleRemediate)

		r.Post("/agent/run", a.handleRunCycle)
		r.Get("/graph", a.handleGraph)
		r.Post("/zero-day/scan", a.handleScan)

		r.Get("/analysis/{id}", a.handleAnalysis)
		r.Post("/tier3/analyze/{id}", a.handleTier3)

		r.Get("/storyboard/{id}", a.handleStoryboard)
		r.Get("/storyboard/graph/{id}", a.handleStoryboardGraph)
		r.Post("/attackpath/simulate", a.handleAttackPath)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps service errors onto status codes. Unknown incidents are 404.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, "incident not found")
	case errors.Is(err, incident.ErrInvalidSeverity):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error(r.Context(), err, msg)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func incidentID(r *http.Request) string {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sentinel.incident.id", id))
	return id
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

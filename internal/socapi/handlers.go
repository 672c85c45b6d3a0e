package socapi

import (
	"net/http"
	"strings"

	"github.com/linnemanlabs/sentinel/internal/soc"
)

type createIncidentRequest struct {
	Source      string   `json:"source"`
	Severity    *float64 `json:"severity"`
	Description string   `json:"description"`
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Incidents())
}

func (a *API) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Source) == "" || req.Severity == nil {
		writeError(w, http.StatusBadRequest, "source and severity are required")
		return
	}

	inc, err := a.svc.ManualIncident(r.Context(), req.Source, *req.Severity, req.Description)
	if err != nil {
		a.fail(w, r, err, "failed to create incident")
		return
	}
	a.logger.Info(r.Context(), "manual incident created", "incident_id", inc.ID, "source", inc.Source)
	writeJSON(w, http.StatusCreated, inc)
}

func (a *API) handleRemediate(w http.ResponseWriter, r *http.Request) {
	inc, err := a.svc.RemediateByID(r.Context(), incidentID(r))
	if err != nil {
		a.fail(w, r, err, "failed to remediate incident")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.RunCycle(r.Context())
	if err != nil {
		a.fail(w, r, err, "hunt cycle failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGraph(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.GraphSummary())
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	findings := a.svc.ScanNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "scanned",
		"findings": findings,
	})
}

func (a *API) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.AnalyzeIncident(r.Context(), incidentID(r))
	if err != nil {
		a.fail(w, r, err, "analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleTier3(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Tier3Analyze(r.Context(), incidentID(r))
	if err != nil {
		a.fail(w, r, err, "tier3 analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleStoryboard(w http.ResponseWriter, r *http.Request) {
	sb, err := a.svc.Storyboard(incidentID(r))
	if err != nil {
		a.fail(w, r, err, "storyboard failed")
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (a *API) handleStoryboardGraph(w http.ResponseWriter, r *http.Request) {
	sg, err := a.svc.StoryboardGraph(r.Context(), incidentID(r))
	if err != nil {
		a.fail(w, r, err, "storyboard graph failed")
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

func (a *API) handleAttackPath(w http.ResponseWriter, r *http.Request) {
	var req soc.AttackPathRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, a.svc.SimulateAttackPath(r.Context(), req))
}

package analyst

import (
	"context"
	"encoding/json"
	"time"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

// ErrIncidentNotFound is returned by every tier when the incident id does
// not resolve. It is the ledger's not-found error so errors.Is works
// against either.
var ErrIncidentNotFound = incident.ErrNotFound

// Analyzer analyzes one incident by id.
type Analyzer[R any] interface {
	Analyze(ctx context.Context, incidentID string) (R, error)
}

// Incidents is the read side of the ledger the tiers need.
type Incidents interface {
	Get(id string) (incident.Incident, error)
	All() []incident.Incident
}

// Mode records how a Result was produced.
type Mode string

const (
	// ModeTemplate means no generative provider is configured.
	ModeTemplate Mode = "template"

	// ModeRetrievalAugmented means the provider answered.
	ModeRetrievalAugmented Mode = "retrieval_augmented"

	// ModeRetrievalAugmentedFallback means the provider failed and the
	// template was used instead.
	ModeRetrievalAugmentedFallback Mode = "retrieval_augmented_fallback"
)

// Assessment is the output of the rule-based tier.
type Assessment struct {
	Timestamp           time.Time `json:"timestamp"`
	IncidentID          string    `json:"incident_id"`
	ExecutiveSummary    string    `json:"executive_summary"`
	AttackType          string    `json:"attack_type"`
	WhyItMatters        string    `json:"why_it_matters"`
	DescriptionAnalysis string    `json:"description_analysis"`
	Correlation         string    `json:"correlation"`
	RecommendedActions  []string  `json:"recommended_actions"`
}

// Steps is a list of instructions. Models return it either as a JSON
// array or as a single string; both decode.
type Steps []string

// UnmarshalJSON accepts a string, an array of strings or null.
func (s *Steps) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*s = nil
		} else {
			*s = Steps{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Narrative is the five-section analysis. Text holds the raw model output
// when it could not be parsed into sections.
type Narrative struct {
	ExecutiveSummary    string `json:"executive_summary,omitempty"`
	RootCause           string `json:"root_cause,omitempty"`
	RemediationPlaybook Steps  `json:"remediation_playbook,omitempty"`
	DetectionRules      Steps  `json:"detection_rules,omitempty"`
	BoardSummary        string `json:"board_summary,omitempty"`
	Text                string `json:"text,omitempty"`
}

// Result is the outcome of the external-call tier.
type Result struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	Mode       Mode      `json:"mode"`
	Analysis   Narrative `json:"analysis"`
	Context    []string  `json:"context"`
	Error      string    `json:"error,omitempty"`
	Model      string    `json:"model,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Duration   float64   `json:"duration_seconds"`
	TokensIn   int       `json:"tokens_in,omitempty"`
	TokensOut  int       `json:"tokens_out,omitempty"`
}

package analyst

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

// Rule maps a description substring to a classification.
type Rule struct {
	Pattern    string   `yaml:"pattern"`
	AttackType string   `yaml:"attack_type"`
	Risk       string   `yaml:"risk"`
	Actions    []string `yaml:"actions"`
}

// RuleTable is evaluated first-match-wins; Fallback applies when no rule
// matches.
type RuleTable struct {
	Rules    []Rule `yaml:"rules"`
	Fallback Rule   `yaml:"fallback"`
}

// DefaultRules returns the built-in classification table.
func DefaultRules() RuleTable {
	return RuleTable{
		Rules: []Rule{
			{
				Pattern:    "brute",
				AttackType: "Credential Brute Force",
				Risk:       "High probability of account compromise",
				Actions: []string{
					"Enforce MFA immediately",
					"Lock or throttle offending source IP",
					"Rotate exposed credentials",
					"Review authentication logs for lateral movement",
				},
			},
			{
				Pattern:    "exfil",
				AttackType: "Possible Data Exfiltration",
				Risk:       "High risk of sensitive data leakage",
				Actions: []string{
					"Disable egress temporarily",
					"Inspect outbound traffic for large transfers",
					"Audit S3 buckets / GCS storage for strange reads",
					"Rotate access tokens tied to the node",
				},
			},
			{
				Pattern:    "kube",
				AttackType: "Suspicious Kubernetes Pod Exec",
				Risk:       "Possible container breakout or cluster compromise",
				Actions: []string{
					"Isolate pod",
					"Check RBAC bindings",
					"Review API server audit logs",
					"Scan container image for known threats",
				},
			},
		},
		Fallback: Rule{
			AttackType: "General Security Anomaly",
			Risk:       "Requires further investigation",
			Actions: []string{
				"Check system logs",
				"Review IAM permissions",
				"Validate recent configuration changes",
			},
		},
	}
}

// LoadRules reads a YAML rule table from path.
func LoadRules(path string) (RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleTable{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	var t RuleTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return RuleTable{}, fmt.Errorf("decode rules %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return RuleTable{}, fmt.Errorf("rules %s: %w", path, err)
	}
	return t, nil
}

// Validate checks that every rule has a pattern and attack type and that a
// fallback is defined.
func (t RuleTable) Validate() error {
	var errs []error
	for i, r := range t.Rules {
		if strings.TrimSpace(r.Pattern) == "" {
			errs = append(errs, fmt.Errorf("rule %d: pattern is required", i))
		}
		if r.AttackType == "" {
			errs = append(errs, fmt.Errorf("rule %d: attack_type is required", i))
		}
	}
	if t.Fallback.AttackType == "" {
		errs = append(errs, errors.New("fallback.attack_type is required"))
	}
	return errors.Join(errs...)
}

// Match returns the first rule whose pattern occurs in description,
// case-insensitively, or the fallback.
func (t RuleTable) Match(description string) Rule {
	d := strings.ToLower(description)
	for _, r := range t.Rules {
		if strings.Contains(d, strings.ToLower(r.Pattern)) {
			return r
		}
	}
	return t.Fallback
}

// Classify assesses inc against the table and correlates it with other
// incidents from the same source in all.
func (t RuleTable) Classify(inc incident.Incident, all []incident.Incident, now time.Time) Assessment {
	r := t.Match(inc.Description)

	var related int
	for _, o := range all {
		if o.Source == inc.Source && o.ID != inc.ID {
			related++
		}
	}
	correlation := "No correlated events detected."
	if related > 0 {
		correlation = fmt.Sprintf("%d related events detected from %s", related, inc.Source)
	}

	actions := make([]string, len(r.Actions))
	copy(actions, r.Actions)

	sev := formatSeverity(inc.Severity)
	return Assessment{
		Timestamp:           now,
		IncidentID:          inc.ID,
		ExecutiveSummary:    fmt.Sprintf("Potential %s detected on %s. Severity %s.", r.AttackType, inc.Source, sev),
		AttackType:          r.AttackType,
		WhyItMatters:        r.Risk,
		DescriptionAnalysis: fmt.Sprintf("The system observed: %s. This behavior aligns with %s patterns.", inc.Description, r.AttackType),
		Correlation:         correlation,
		RecommendedActions:  actions,
	}
}

// RuleTier is the rule-based analyst tier.
type RuleTier struct {
	incidents Incidents
	rules     RuleTable
	now       func() time.Time
}

var _ Analyzer[*Assessment] = (*RuleTier)(nil)

// NewRuleTier creates a rule-based tier over incidents.
func NewRuleTier(incidents Incidents, rules RuleTable) *RuleTier {
	return &RuleTier{incidents: incidents, rules: rules, now: time.Now}
}

// Analyze classifies the incident with the given id.
func (t *RuleTier) Analyze(_ context.Context, incidentID string) (*Assessment, error) {
	inc, err := t.incidents.Get(incidentID)
	if err != nil {
		return nil, err
	}
	a := t.rules.Classify(inc, t.incidents.All(), t.now())
	return &a, nil
}

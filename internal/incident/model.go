package incident

import "time"

// Incident is a recorded security-relevant event. ID, Source, Severity,
// Description and Timestamp never change after creation.
type Incident struct {
	ID               string    `json:"id"`
	Source           string    `json:"source"`
	Severity         float64   `json:"severity"`
	Description      string    `json:"description"`
	Timestamp        time.Time `json:"timestamp"`
	AutoRemediated   bool      `json:"auto_remediated"`
	RemediationNotes string    `json:"remediation_notes,omitempty"`
}

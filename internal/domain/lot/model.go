// Package lot implements line-of-therapy assignment over chronological
// drug-administration events. One parametrized engine serves every tumor
// type; behavior differences come entirely from the resolved rule set.
package lot

import (
	"time"

	"github.com/google/uuid"

	"github.com/oncolot/oncolot/internal/domain/drug"
)

// Decision is the transition evaluator's verdict for one event.
type Decision string

const (
	// DecisionNoChange absorbs the event into the current regimen without
	// changing its recorded composition (continuation, interchangeable swap).
	DecisionNoChange Decision = "NO_CHANGE"
	// DecisionRegimenUpdate keeps the current line but adds the event's
	// agent to the regimen (in-window addition, supplementation).
	DecisionRegimenUpdate Decision = "REGIMEN_UPDATE"
	// DecisionNewLine starts a new line at the event date.
	DecisionNewLine Decision = "NEW_LINE"
	// DecisionGapRestart starts a new line triggered purely by elapsed
	// time since the last exposure, even when the drug set is unchanged.
	DecisionGapRestart Decision = "GAP_RESTART"
)

// NewLine reports whether the decision advances the line counter.
func (d Decision) NewLine() bool {
	return d == DecisionNewLine || d == DecisionGapRestart
}

// Reason records why a line was discontinued.
type Reason string

const (
	ReasonOngoing        Reason = "ongoing"
	ReasonGap            Reason = "gap"
	ReasonNewChemo       Reason = "new_chemotherapy"
	ReasonNewBiologic    Reason = "new_biologic"
	ReasonSecondBiologic Reason = "second_biologic"
)

// Event is one canonicalized drug administration. Events are immutable and
// ordered by date; same-day events keep their ingest order.
type Event struct {
	PatientID string
	Agent     drug.Agent
	Date      time.Time
}

// EventAssignment is the per-administration detail row: which line the
// event landed on and why.
type EventAssignment struct {
	Date              time.Time `json:"date"`
	Agent             string    `json:"agent"`
	LineNumber        int       `json:"line_number"`
	Decision          Decision  `json:"decision"`
	Status            string    `json:"status"`
	DaysFromLineStart int       `json:"days_from_line_start"`
	DaysFromPrev      int       `json:"days_from_prev_treatment"`
	InInitialWindow   bool      `json:"in_initial_window"`
}

// Line is one assigned line of therapy. Lines are numbered from 1 per
// patient, non-overlapping and ordered by start date.
type Line struct {
	Number             int       `json:"line_number"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
	Ongoing            bool      `json:"ongoing"`
	Agents             []string  `json:"agents"`
	NumAdministrations int       `json:"num_administrations"`
	RegimenLabel       string    `json:"regimen_label"`
	Maintenance        bool      `json:"maintenance"`
	Discontinuation    Reason    `json:"discontinuation_reason"`
}

// DurationDays is the line's span in whole days.
func (l Line) DurationDays() int {
	return daysBetween(l.StartDate, l.EndDate)
}

// PatientResult is the full assignment output for one patient.
type PatientResult struct {
	PatientID string            `json:"patient_id"`
	Lines     []Line            `json:"lines"`
	Events    []EventAssignment `json:"events"`
	// Warnings records recoverable ordering anomalies (duplicate same-day
	// administrations) resolved by the deterministic tie-break.
	Warnings []string `json:"warnings,omitempty"`
}

// MaxLine returns the highest assigned line number, 0 when no events.
func (r *PatientResult) MaxLine() int {
	return len(r.Lines)
}

// Administration is a stored drug-administration record. The raw name is
// kept alongside the canonical agent so ingest-time resolution is auditable.
type Administration struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	PatientID          string     `db:"patient_id" json:"patient_id"`
	DrugName           string     `db:"drug_name" json:"drug_name"`
	CanonicalAgent     string     `db:"canonical_agent" json:"canonical_agent"`
	DrugClass          drug.Class `db:"drug_class" json:"drug_class"`
	AdministrationDate time.Time  `db:"administration_date" json:"administration_date"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// Run is one batch assignment execution over the stored cohort.
type Run struct {
	ID               uuid.UUID `db:"id" json:"id"`
	RulesFingerprint string    `db:"rules_fingerprint" json:"rules_fingerprint"`
	Status           string    `db:"status" json:"status"`
	PatientsTotal    int       `db:"patients_total" json:"patients_total"`
	PatientsFailed   int       `db:"patients_failed" json:"patients_failed"`
	LinesAssigned    int       `db:"lines_assigned" json:"lines_assigned"`
	StartedAt        time.Time `db:"started_at" json:"started_at"`
	DurationMS       int64     `db:"duration_ms" json:"duration_ms"`
}

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// PatientFailure records one patient whose processing failed; failures are
// isolated and never abort the batch.
type PatientFailure struct {
	PatientID string `json:"patient_id"`
	Error     string `json:"error"`
}

// daysBetween returns whole days from a to b. Administration dates carry no
// time-of-day component, so plain duration division is exact.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

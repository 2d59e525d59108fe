package lot

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repository lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Repository persists administrations, runs and assignment results. Two
// implementations exist: Postgres for server deployments and SQLite for the
// embedded single-file mode.
type Repository interface {
	// InsertAdministrations stores a batch of canonicalized administration
	// records.
	InsertAdministrations(ctx context.Context, admins []*Administration) error
	// ListAdministrations pages one patient's administrations in date order.
	ListAdministrations(ctx context.Context, patientID string, limit, offset int) ([]*Administration, int, error)
	// CohortAdministrations returns every stored administration grouped by
	// patient, each patient's rows in date order, patients sorted by id.
	CohortAdministrations(ctx context.Context) ([]PatientAdministrations, error)

	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error)
	// LatestCompletedRun returns the most recently started completed run.
	LatestCompletedRun(ctx context.Context) (*Run, error)

	// SaveResult stores one patient's line table and event assignments
	// under a run.
	SaveResult(ctx context.Context, runID uuid.UUID, result *PatientResult) error
	SaveFailures(ctx context.Context, runID uuid.UUID, failures []PatientFailure) error
	// LinesForPatient reads one patient's assigned lines from a run.
	LinesForPatient(ctx context.Context, runID uuid.UUID, patientID string) ([]Line, error)
	// ResultsForRun reads back every patient result of a run, sorted by
	// patient id, for export.
	ResultsForRun(ctx context.Context, runID uuid.UUID) ([]*PatientResult, error)
}

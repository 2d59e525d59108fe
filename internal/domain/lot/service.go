package lot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/oncolot/oncolot/internal/domain/rules"
	"github.com/oncolot/oncolot/internal/platform/metrics"
)

// Service wires the assignment engine to storage. Per-patient results are
// memoized in an LRU keyed by patient id and rules fingerprint; concurrent
// requests for the same patient collapse into one computation.
type Service struct {
	repo     Repository
	rules    *rules.Resolved
	assigner *Assigner
	workers  int

	cache  *lru.Cache[string, *PatientResult]
	single singleflight.Group
}

func NewService(repo Repository, r *rules.Resolved, workers, cacheSize int) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, *PatientResult](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		repo:     repo,
		rules:    r,
		assigner: NewAssigner(r),
		workers:  workers,
		cache:    cache,
	}, nil
}

// Rules exposes the resolved parameter set for the inspection endpoint.
func (s *Service) Rules() *rules.Resolved { return s.rules }

// IngestRow is one administration record submitted for storage.
type IngestRow struct {
	PatientID string    `json:"patient_id"`
	DrugName  string    `json:"drug_name"`
	Date      time.Time `json:"administration_date"`
}

// IngestError reports the first invalid row in a rejected batch.
type IngestError struct {
	Row int
	Err error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// IngestAdministrations canonicalizes and stores a batch of rows. The whole
// batch is rejected on the first invalid row so callers can fix their input;
// nothing is partially written.
func (s *Service) IngestAdministrations(ctx context.Context, rows []IngestRow) (int, error) {
	admins := make([]*Administration, 0, len(rows))
	for i, row := range rows {
		if row.PatientID == "" {
			return 0, &IngestError{Row: i, Err: errors.New("patient_id is required")}
		}
		if row.Date.IsZero() {
			return 0, &IngestError{Row: i, Err: errors.New("administration_date is required")}
		}
		agent, err := s.rules.Catalog.Resolve(row.DrugName)
		if err != nil {
			metrics.ClassificationErrors.Inc()
			return 0, &IngestError{Row: i, Err: err}
		}
		admins = append(admins, &Administration{
			PatientID:          row.PatientID,
			DrugName:           row.DrugName,
			CanonicalAgent:     agent.Name,
			DrugClass:          agent.Class,
			AdministrationDate: row.Date,
		})
	}
	if err := s.repo.InsertAdministrations(ctx, admins); err != nil {
		return 0, err
	}
	// Stored history changed; drop memoized results for affected patients.
	for _, a := range admins {
		s.cache.Remove(s.cacheKey(a.PatientID))
	}
	return len(admins), nil
}

// ListAdministrations pages one patient's stored administrations.
func (s *Service) ListAdministrations(ctx context.Context, patientID string, limit, offset int) ([]*Administration, int, error) {
	return s.repo.ListAdministrations(ctx, patientID, limit, offset)
}

func (s *Service) cacheKey(patientID string) string {
	return patientID + "|" + s.rules.Fingerprint
}

// PatientLines computes (or recalls) one patient's line table from stored
// administrations under the current rules.
func (s *Service) PatientLines(ctx context.Context, patientID string) (*PatientResult, error) {
	key := s.cacheKey(patientID)
	if result, ok := s.cache.Get(key); ok {
		metrics.CacheHits.Inc()
		return result, nil
	}
	metrics.CacheMisses.Inc()

	v, err, _ := s.single.Do(key, func() (interface{}, error) {
		admins, _, err := s.repo.ListAdministrations(ctx, patientID, 1<<31-1, 0)
		if err != nil {
			return nil, err
		}
		if len(admins) == 0 {
			return nil, fmt.Errorf("patient %s: %w", patientID, ErrNotFound)
		}
		raw := make([]RawAdministration, 0, len(admins))
		for _, a := range admins {
			raw = append(raw, RawAdministration{DrugName: a.DrugName, Date: a.AdministrationDate})
		}
		events, err := s.assigner.ResolveEvents(patientID, raw)
		if err != nil {
			metrics.ClassificationErrors.Inc()
			return nil, err
		}
		result, err := s.assigner.AssignPatient(patientID, events)
		if err != nil {
			return nil, err
		}
		s.cache.Add(key, result)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PatientResult), nil
}

// RunCohort assigns lines for every stored patient and persists the results
// as a run. Per-patient failures are recorded, not fatal; the run itself
// fails only on storage errors or cancellation.
func (s *Service) RunCohort(ctx context.Context) (*Run, error) {
	cohort, err := s.repo.CohortAdministrations(ctx)
	if err != nil {
		return nil, err
	}

	run := &Run{
		RulesFingerprint: s.rules.Fingerprint,
		Status:           RunStatusRunning,
		PatientsTotal:    len(cohort),
		StartedAt:        time.Now().UTC(),
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	started := time.Now()
	batch, err := s.assigner.RunBatch(ctx, cohort, s.workers)
	if err != nil {
		run.Status = RunStatusFailed
		run.DurationMS = time.Since(started).Milliseconds()
		if ferr := s.repo.FinishRun(ctx, run); ferr != nil {
			log.Error().Err(ferr).Str("run_id", run.ID.String()).Msg("finalize failed run")
		}
		return nil, err
	}

	for _, result := range batch.Results {
		if err := s.repo.SaveResult(ctx, run.ID, result); err != nil {
			return nil, err
		}
		decisions := make(map[string]int)
		for _, ev := range result.Events {
			decisions[string(ev.Decision)]++
		}
		metrics.ObserveResult(decisions, len(result.Lines))
		metrics.PatientsProcessed.WithLabelValues("ok").Inc()
	}
	if err := s.repo.SaveFailures(ctx, run.ID, batch.Failures); err != nil {
		return nil, err
	}
	for range batch.Failures {
		metrics.PatientsProcessed.WithLabelValues("failed").Inc()
		metrics.ClassificationErrors.Inc()
	}

	run.Status = RunStatusCompleted
	run.PatientsFailed = len(batch.Failures)
	run.LinesAssigned = batch.LinesAssigned()
	run.DurationMS = time.Since(started).Milliseconds()
	metrics.RunDuration.Observe(time.Since(started).Seconds())
	if err := s.repo.FinishRun(ctx, run); err != nil {
		return nil, err
	}

	log.Info().
		Str("run_id", run.ID.String()).
		Int("patients", run.PatientsTotal).
		Int("failed", run.PatientsFailed).
		Int("lines", run.LinesAssigned).
		Int64("duration_ms", run.DurationMS).
		Msg("cohort run completed")
	return run, nil
}

func (s *Service) GetRun(ctx context.Context, id string) (*Run, error) {
	runID, err := parseRunID(id)
	if err != nil {
		return nil, err
	}
	return s.repo.GetRun(ctx, runID)
}

func (s *Service) ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	return s.repo.ListRuns(ctx, limit, offset)
}

// RunResults reads back every patient result of a run for export.
func (s *Service) RunResults(ctx context.Context, id string) ([]*PatientResult, error) {
	runID, err := parseRunID(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.repo.ResultsForRun(ctx, runID)
}

// StoredPatientLines reads one patient's lines from the latest completed
// run, as opposed to PatientLines which computes them on demand.
func (s *Service) StoredPatientLines(ctx context.Context, patientID string) ([]Line, error) {
	run, err := s.repo.LatestCompletedRun(ctx)
	if err != nil {
		return nil, err
	}
	lines, err := s.repo.LinesForPatient(ctx, run.ID, patientID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("patient %s in run %s: %w", patientID, run.ID, ErrNotFound)
	}
	return lines, nil
}

func parseRunID(id string) (uuid.UUID, error) {
	runID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run id %q: %w", id, ErrNotFound)
	}
	return runID, nil
}

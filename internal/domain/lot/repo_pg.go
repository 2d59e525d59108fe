package lot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oncolot/oncolot/internal/domain/drug"
	"github.com/oncolot/oncolot/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func pgNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Administrations ===========

const adminCols = `id, patient_id, drug_name, canonical_agent, drug_class, administration_date, created_at`

func (r *repoPG) scanAdmin(row pgx.Row) (*Administration, error) {
	var a Administration
	var class string
	err := row.Scan(&a.ID, &a.PatientID, &a.DrugName, &a.CanonicalAgent, &class,
		&a.AdministrationDate, &a.CreatedAt)
	a.DrugClass = drug.Class(class)
	return &a, err
}

func (r *repoPG) InsertAdministrations(ctx context.Context, admins []*Administration) error {
	// Batches are all-or-nothing when a tenant connection is available.
	q := r.conn(ctx)
	txCtx, tx, err := db.WithTx(ctx)
	if err == nil {
		defer tx.Rollback(ctx)
		ctx, q = txCtx, tx
	}

	for _, a := range admins {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		_, err := q.Exec(ctx, `
			INSERT INTO drug_administration (id, patient_id, drug_name, canonical_agent, drug_class, administration_date)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			a.ID, a.PatientID, a.DrugName, a.CanonicalAgent, string(a.DrugClass), a.AdministrationDate)
		if err != nil {
			return err
		}
	}
	if tx != nil {
		return tx.Commit(ctx)
	}
	return nil
}

func (r *repoPG) ListAdministrations(ctx context.Context, patientID string, limit, offset int) ([]*Administration, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM drug_administration WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+adminCols+` FROM drug_administration
		WHERE patient_id = $1 ORDER BY administration_date, created_at LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Administration
	for rows.Next() {
		a, err := r.scanAdmin(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, nil
}

func (r *repoPG) CohortAdministrations(ctx context.Context) ([]PatientAdministrations, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT patient_id, drug_name, administration_date
		FROM drug_administration ORDER BY patient_id, administration_date, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cohort []PatientAdministrations
	var current *PatientAdministrations
	for rows.Next() {
		var patientID, drugName string
		var date time.Time
		if err := rows.Scan(&patientID, &drugName, &date); err != nil {
			return nil, err
		}
		if current == nil || current.PatientID != patientID {
			cohort = append(cohort, PatientAdministrations{PatientID: patientID})
			current = &cohort[len(cohort)-1]
		}
		current.Administrations = append(current.Administrations, RawAdministration{DrugName: drugName, Date: date})
	}
	return cohort, rows.Err()
}

// =========== Runs ===========

const runCols = `id, rules_fingerprint, status, patients_total, patients_failed, lines_assigned, started_at, duration_ms`

func (r *repoPG) scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.RulesFingerprint, &run.Status, &run.PatientsTotal,
		&run.PatientsFailed, &run.LinesAssigned, &run.StartedAt, &run.DurationMS)
	return &run, pgNotFound(err)
}

func (r *repoPG) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lot_run (id, rules_fingerprint, status, patients_total, patients_failed, lines_assigned, started_at, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		run.ID, run.RulesFingerprint, run.Status, run.PatientsTotal,
		run.PatientsFailed, run.LinesAssigned, run.StartedAt, run.DurationMS)
	return err
}

func (r *repoPG) FinishRun(ctx context.Context, run *Run) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE lot_run SET status=$2, patients_total=$3, patients_failed=$4, lines_assigned=$5, duration_ms=$6
		WHERE id = $1`,
		run.ID, run.Status, run.PatientsTotal, run.PatientsFailed, run.LinesAssigned, run.DurationMS)
	return err
}

func (r *repoPG) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	return r.scanRun(r.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM lot_run WHERE id = $1`, id))
}

func (r *repoPG) ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lot_run`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+runCols+` FROM lot_run ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, run)
	}
	return items, total, nil
}

func (r *repoPG) LatestCompletedRun(ctx context.Context) (*Run, error) {
	return r.scanRun(r.conn(ctx).QueryRow(ctx,
		`SELECT `+runCols+` FROM lot_run WHERE status = $1 ORDER BY started_at DESC LIMIT 1`, RunStatusCompleted))
}

// =========== Results ===========

func (r *repoPG) SaveResult(ctx context.Context, runID uuid.UUID, result *PatientResult) error {
	for _, line := range result.Lines {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO lot_line (id, run_id, patient_id, line_number, start_date, end_date, ongoing,
				agents, num_administrations, regimen_label, maintenance, discontinuation_reason)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			uuid.New(), runID, result.PatientID, line.Number, line.StartDate, line.EndDate, line.Ongoing,
			line.Agents, line.NumAdministrations, line.RegimenLabel, line.Maintenance, string(line.Discontinuation))
		if err != nil {
			return err
		}
	}
	for _, ev := range result.Events {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO lot_event_assignment (id, run_id, patient_id, event_date, agent, line_number,
				decision, status, days_from_line_start, days_from_prev, in_initial_window)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			uuid.New(), runID, result.PatientID, ev.Date, ev.Agent, ev.LineNumber,
			string(ev.Decision), ev.Status, ev.DaysFromLineStart, ev.DaysFromPrev, ev.InInitialWindow)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) SaveFailures(ctx context.Context, runID uuid.UUID, failures []PatientFailure) error {
	for _, f := range failures {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO lot_patient_failure (id, run_id, patient_id, error)
			VALUES ($1,$2,$3,$4)`, uuid.New(), runID, f.PatientID, f.Error)
		if err != nil {
			return err
		}
	}
	return nil
}

const lineCols = `line_number, start_date, end_date, ongoing, agents, num_administrations,
	regimen_label, maintenance, discontinuation_reason`

func scanLine(rows pgx.Rows) (Line, error) {
	var l Line
	var reason string
	err := rows.Scan(&l.Number, &l.StartDate, &l.EndDate, &l.Ongoing, &l.Agents,
		&l.NumAdministrations, &l.RegimenLabel, &l.Maintenance, &reason)
	l.Discontinuation = Reason(reason)
	return l, err
}

func (r *repoPG) LinesForPatient(ctx context.Context, runID uuid.UUID, patientID string) ([]Line, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+lineCols+` FROM lot_line
		WHERE run_id = $1 AND patient_id = $2 ORDER BY line_number`, runID, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *repoPG) ResultsForRun(ctx context.Context, runID uuid.UUID) ([]*PatientResult, error) {
	lineRows, err := r.conn(ctx).Query(ctx, `SELECT patient_id, `+lineCols+` FROM lot_line
		WHERE run_id = $1 ORDER BY patient_id, line_number`, runID)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	byPatient := make(map[string]*PatientResult)
	var order []string
	for lineRows.Next() {
		var patientID string
		var l Line
		var reason string
		if err := lineRows.Scan(&patientID, &l.Number, &l.StartDate, &l.EndDate, &l.Ongoing, &l.Agents,
			&l.NumAdministrations, &l.RegimenLabel, &l.Maintenance, &reason); err != nil {
			return nil, err
		}
		l.Discontinuation = Reason(reason)
		result, ok := byPatient[patientID]
		if !ok {
			result = &PatientResult{PatientID: patientID}
			byPatient[patientID] = result
			order = append(order, patientID)
		}
		result.Lines = append(result.Lines, l)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	eventRows, err := r.conn(ctx).Query(ctx, `
		SELECT patient_id, event_date, agent, line_number, decision, status,
			days_from_line_start, days_from_prev, in_initial_window
		FROM lot_event_assignment WHERE run_id = $1 ORDER BY patient_id, event_date, line_number`, runID)
	if err != nil {
		return nil, err
	}
	defer eventRows.Close()
	for eventRows.Next() {
		var patientID, decision string
		var ev EventAssignment
		if err := eventRows.Scan(&patientID, &ev.Date, &ev.Agent, &ev.LineNumber, &decision, &ev.Status,
			&ev.DaysFromLineStart, &ev.DaysFromPrev, &ev.InInitialWindow); err != nil {
			return nil, err
		}
		ev.Decision = Decision(decision)
		if result, ok := byPatient[patientID]; ok {
			result.Events = append(result.Events, ev)
		}
	}
	if err := eventRows.Err(); err != nil {
		return nil, err
	}

	results := make([]*PatientResult, 0, len(order))
	for _, patientID := range order {
		results = append(results, byPatient[patientID])
	}
	return results, nil
}

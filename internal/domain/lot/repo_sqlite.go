package lot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oncolot/oncolot/internal/domain/drug"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// repoSQLite is the embedded single-file store used by the CLI assign path
// and small deployments. Dates are stored as RFC 3339 text and agent lists
// as JSON, since SQLite has neither a date nor an array type.
type repoSQLite struct{ db *sql.DB }

// NewRepoSQLite opens (creating if needed) a SQLite database at path and
// bootstraps the schema.
func NewRepoSQLite(path string) (Repository, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The engine's write paths are sequential; a single connection avoids
	// SQLITE_BUSY on concurrent readers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, nil, fmt.Errorf("bootstrap sqlite schema: %w", err)
	}
	return &repoSQLite{db: db}, db, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS drug_administration (
	id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL,
	drug_name TEXT NOT NULL,
	canonical_agent TEXT NOT NULL,
	drug_class TEXT NOT NULL,
	administration_date TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_drug_administration_patient ON drug_administration (patient_id, administration_date);

CREATE TABLE IF NOT EXISTS lot_run (
	id TEXT PRIMARY KEY,
	rules_fingerprint TEXT NOT NULL,
	status TEXT NOT NULL,
	patients_total INTEGER NOT NULL DEFAULT 0,
	patients_failed INTEGER NOT NULL DEFAULT 0,
	lines_assigned INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS lot_line (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES lot_run(id),
	patient_id TEXT NOT NULL,
	line_number INTEGER NOT NULL,
	start_date TEXT NOT NULL,
	end_date TEXT NOT NULL,
	ongoing INTEGER NOT NULL,
	agents TEXT NOT NULL,
	num_administrations INTEGER NOT NULL,
	regimen_label TEXT NOT NULL,
	maintenance INTEGER NOT NULL,
	discontinuation_reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lot_line_run_patient ON lot_line (run_id, patient_id, line_number);

CREATE TABLE IF NOT EXISTS lot_event_assignment (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES lot_run(id),
	patient_id TEXT NOT NULL,
	event_date TEXT NOT NULL,
	agent TEXT NOT NULL,
	line_number INTEGER NOT NULL,
	decision TEXT NOT NULL,
	status TEXT NOT NULL,
	days_from_line_start INTEGER NOT NULL,
	days_from_prev INTEGER NOT NULL,
	in_initial_window INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lot_event_run_patient ON lot_event_assignment (run_id, patient_id, event_date);

CREATE TABLE IF NOT EXISTS lot_patient_failure (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES lot_run(id),
	patient_id TEXT NOT NULL,
	error TEXT NOT NULL
);
`

func sqliteDate(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseSQLiteDate(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored date %q: %w", s, err)
	}
	return t, nil
}

func sqliteNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoSQLite) InsertAdministrations(ctx context.Context, admins []*Administration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO drug_administration (id, patient_id, drug_name, canonical_agent, drug_class, administration_date)
		VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, a := range admins {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		if _, err := stmt.ExecContext(ctx, a.ID.String(), a.PatientID, a.DrugName,
			a.CanonicalAgent, string(a.DrugClass), sqliteDate(a.AdministrationDate)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *repoSQLite) ListAdministrations(ctx context.Context, patientID string, limit, offset int) ([]*Administration, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM drug_administration WHERE patient_id = ?`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, patient_id, drug_name, canonical_agent, drug_class, administration_date, created_at
		FROM drug_administration WHERE patient_id = ?
		ORDER BY administration_date, created_at LIMIT ? OFFSET ?`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Administration
	for rows.Next() {
		var a Administration
		var id, class, adminDate, createdAt string
		if err := rows.Scan(&id, &a.PatientID, &a.DrugName, &a.CanonicalAgent, &class, &adminDate, &createdAt); err != nil {
			return nil, 0, err
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, 0, err
		}
		a.DrugClass = drug.Class(class)
		if a.AdministrationDate, err = parseSQLiteDate(adminDate); err != nil {
			return nil, 0, err
		}
		if a.CreatedAt, err = parseSQLiteDate(createdAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &a)
	}
	return items, total, rows.Err()
}

func (r *repoSQLite) CohortAdministrations(ctx context.Context) ([]PatientAdministrations, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT patient_id, drug_name, administration_date
		FROM drug_administration ORDER BY patient_id, administration_date, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cohort []PatientAdministrations
	var current *PatientAdministrations
	for rows.Next() {
		var patientID, drugName, raw string
		if err := rows.Scan(&patientID, &drugName, &raw); err != nil {
			return nil, err
		}
		date, err := parseSQLiteDate(raw)
		if err != nil {
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

func (r *repoSQLite) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lot_run (id, rules_fingerprint, status, patients_total, patients_failed, lines_assigned, started_at, duration_ms)
		VALUES (?,?,?,?,?,?,?,?)`,
		run.ID.String(), run.RulesFingerprint, run.Status, run.PatientsTotal,
		run.PatientsFailed, run.LinesAssigned, sqliteDate(run.StartedAt), run.DurationMS)
	return err
}

func (r *repoSQLite) FinishRun(ctx context.Context, run *Run) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE lot_run SET status=?, patients_total=?, patients_failed=?, lines_assigned=?, duration_ms=?
		WHERE id = ?`,
		run.Status, run.PatientsTotal, run.PatientsFailed, run.LinesAssigned, run.DurationMS, run.ID.String())
	return err
}

func (r *repoSQLite) scanRunRow(row *sql.Row) (*Run, error) {
	var run Run
	var id, startedAt string
	err := row.Scan(&id, &run.RulesFingerprint, &run.Status, &run.PatientsTotal,
		&run.PatientsFailed, &run.LinesAssigned, &startedAt, &run.DurationMS)
	if err != nil {
		return nil, sqliteNotFound(err)
	}
	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseSQLiteDate(startedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

const sqliteRunCols = `id, rules_fingerprint, status, patients_total, patients_failed, lines_assigned, started_at, duration_ms`

func (r *repoSQLite) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	return r.scanRunRow(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunCols+` FROM lot_run WHERE id = ?`, id.String()))
}

func (r *repoSQLite) ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lot_run`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteRunCols+` FROM lot_run ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Run
	for rows.Next() {
		var run Run
		var id, startedAt string
		if err := rows.Scan(&id, &run.RulesFingerprint, &run.Status, &run.PatientsTotal,
			&run.PatientsFailed, &run.LinesAssigned, &startedAt, &run.DurationMS); err != nil {
			return nil, 0, err
		}
		if run.ID, err = uuid.Parse(id); err != nil {
			return nil, 0, err
		}
		if run.StartedAt, err = parseSQLiteDate(startedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &run)
	}
	return items, total, rows.Err()
}

func (r *repoSQLite) LatestCompletedRun(ctx context.Context) (*Run, error) {
	return r.scanRunRow(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunCols+` FROM lot_run WHERE status = ? ORDER BY started_at DESC LIMIT 1`, RunStatusCompleted))
}

func (r *repoSQLite) SaveResult(ctx context.Context, runID uuid.UUID, result *PatientResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, line := range result.Lines {
		agents, err := json.Marshal(line.Agents)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lot_line (id, run_id, patient_id, line_number, start_date, end_date, ongoing,
				agents, num_administrations, regimen_label, maintenance, discontinuation_reason)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			uuid.New().String(), runID.String(), result.PatientID, line.Number,
			sqliteDate(line.StartDate), sqliteDate(line.EndDate), line.Ongoing,
			string(agents), line.NumAdministrations, line.RegimenLabel, line.Maintenance,
			string(line.Discontinuation)); err != nil {
			return err
		}
	}
	for _, ev := range result.Events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lot_event_assignment (id, run_id, patient_id, event_date, agent, line_number,
				decision, status, days_from_line_start, days_from_prev, in_initial_window)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			uuid.New().String(), runID.String(), result.PatientID, sqliteDate(ev.Date), ev.Agent,
			ev.LineNumber, string(ev.Decision), ev.Status, ev.DaysFromLineStart, ev.DaysFromPrev,
			ev.InInitialWindow); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *repoSQLite) SaveFailures(ctx context.Context, runID uuid.UUID, failures []PatientFailure) error {
	for _, f := range failures {
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO lot_patient_failure (id, run_id, patient_id, error)
			VALUES (?,?,?,?)`, uuid.New().String(), runID.String(), f.PatientID, f.Error); err != nil {
			return err
		}
	}
	return nil
}

const sqliteLineCols = `line_number, start_date, end_date, ongoing, agents, num_administrations,
	regimen_label, maintenance, discontinuation_reason`

func scanSQLiteLine(rows *sql.Rows, patientID *string) (Line, error) {
	var l Line
	var start, end, agents, reason string
	dest := []interface{}{&l.Number, &start, &end, &l.Ongoing, &agents,
		&l.NumAdministrations, &l.RegimenLabel, &l.Maintenance, &reason}
	if patientID != nil {
		dest = append([]interface{}{patientID}, dest...)
	}
	if err := rows.Scan(dest...); err != nil {
		return Line{}, err
	}
	var err error
	if l.StartDate, err = parseSQLiteDate(start); err != nil {
		return Line{}, err
	}
	if l.EndDate, err = parseSQLiteDate(end); err != nil {
		return Line{}, err
	}
	if err := json.Unmarshal([]byte(agents), &l.Agents); err != nil {
		return Line{}, err
	}
	l.Discontinuation = Reason(reason)
	return l, nil
}

func (r *repoSQLite) LinesForPatient(ctx context.Context, runID uuid.UUID, patientID string) ([]Line, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sqliteLineCols+` FROM lot_line
		WHERE run_id = ? AND patient_id = ? ORDER BY line_number`, runID.String(), patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		l, err := scanSQLiteLine(rows, nil)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *repoSQLite) ResultsForRun(ctx context.Context, runID uuid.UUID) ([]*PatientResult, error) {
	lineRows, err := r.db.QueryContext(ctx, `SELECT patient_id, `+sqliteLineCols+` FROM lot_line
		WHERE run_id = ? ORDER BY patient_id, line_number`, runID.String())
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	byPatient := make(map[string]*PatientResult)
	var order []string
	for lineRows.Next() {
		var patientID string
		l, err := scanSQLiteLine(lineRows, &patientID)
		if err != nil {
			return nil, err
		}
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

	eventRows, err := r.db.QueryContext(ctx, `
		SELECT patient_id, event_date, agent, line_number, decision, status,
			days_from_line_start, days_from_prev, in_initial_window
		FROM lot_event_assignment WHERE run_id = ? ORDER BY patient_id, event_date, line_number`, runID.String())
	if err != nil {
		return nil, err
	}
	defer eventRows.Close()
	for eventRows.Next() {
		var patientID, date, decision string
		var ev EventAssignment
		if err := eventRows.Scan(&patientID, &date, &ev.Agent, &ev.LineNumber, &decision, &ev.Status,
			&ev.DaysFromLineStart, &ev.DaysFromPrev, &ev.InInitialWindow); err != nil {
			return nil, err
		}
		if ev.Date, err = parseSQLiteDate(date); err != nil {
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

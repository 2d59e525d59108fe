package lot

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Input CSV column layout: patientid, drug_name, administratedate. Header
// matching is case-insensitive and order-independent.
const dateLayout = "2006-01-02"

// ReadAdministrationsCSV parses an input file into per-patient raw
// administrations, patients sorted by first appearance. Rows with an
// unparseable date fail the read; drug name resolution happens later so one
// patient's typo cannot block the file.
func ReadAdministrationsCSV(r io.Reader) ([]PatientAdministrations, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	idx := map[string]int{}
	for i, col := range header {
		idx[strings.ToLower(strings.TrimSpace(col))] = i
	}
	patientCol, ok := idx["patientid"]
	if !ok {
		return nil, fmt.Errorf("csv header missing patientid column")
	}
	drugCol, ok := idx["drug_name"]
	if !ok {
		return nil, fmt.Errorf("csv header missing drug_name column")
	}
	dateCol, ok := idx["administratedate"]
	if !ok {
		return nil, fmt.Errorf("csv header missing administratedate column")
	}

	byPatient := make(map[string]int)
	var cohort []PatientAdministrations
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		patientID := strings.TrimSpace(record[patientCol])
		if patientID == "" {
			return nil, fmt.Errorf("csv line %d: empty patientid", line)
		}
		date, err := time.Parse(dateLayout, strings.TrimSpace(record[dateCol]))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		i, ok := byPatient[patientID]
		if !ok {
			i = len(cohort)
			byPatient[patientID] = i
			cohort = append(cohort, PatientAdministrations{PatientID: patientID})
		}
		cohort[i].Administrations = append(cohort[i].Administrations, RawAdministration{
			DrugName: record[drugCol],
			Date:     date,
		})
	}
	log.Debug().Int("patients", len(cohort)).Int("rows", line-1).Msg("csv input parsed")
	return cohort, nil
}

// WriteAdministrationsCSV writes a cohort back out in the input column
// layout, so generated cohorts can be fed through the reader unchanged.
func WriteAdministrationsCSV(w io.Writer, cohort []PatientAdministrations) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"patientid", "drug_name", "administratedate"}); err != nil {
		return err
	}
	for _, p := range cohort {
		for _, admin := range p.Administrations {
			if err := cw.Write([]string{
				p.PatientID,
				admin.DrugName,
				admin.Date.Format(dateLayout),
			}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteDetailCSV writes the per-administration assignment table.
func WriteDetailCSV(w io.Writer, results []*PatientResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"patientid", "date", "agent", "line_number", "decision", "status",
		"days_from_line_start", "days_from_prev_treatment", "in_initial_window",
	}); err != nil {
		return err
	}
	for _, result := range results {
		for _, ev := range result.Events {
			if err := cw.Write([]string{
				result.PatientID,
				ev.Date.Format(dateLayout),
				ev.Agent,
				strconv.Itoa(ev.LineNumber),
				string(ev.Decision),
				ev.Status,
				strconv.Itoa(ev.DaysFromLineStart),
				strconv.Itoa(ev.DaysFromPrev),
				strconv.FormatBool(ev.InInitialWindow),
			}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSummaryCSV writes the per-line summary table.
func WriteSummaryCSV(w io.Writer, results []*PatientResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"patientid", "line_number", "start_date", "end_date", "duration_days",
		"ongoing", "regimen", "agents", "num_administrations", "maintenance",
		"discontinuation_reason",
	}); err != nil {
		return err
	}
	for _, result := range results {
		for _, line := range result.Lines {
			if err := cw.Write([]string{
				result.PatientID,
				strconv.Itoa(line.Number),
				line.StartDate.Format(dateLayout),
				line.EndDate.Format(dateLayout),
				strconv.Itoa(line.DurationDays()),
				strconv.FormatBool(line.Ongoing),
				line.RegimenLabel,
				strings.Join(line.Agents, "|"),
				strconv.Itoa(line.NumAdministrations),
				strconv.FormatBool(line.Maintenance),
				string(line.Discontinuation),
			}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

package lot

import (
	"fmt"
	"sort"
	"time"

	"github.com/oncolot/oncolot/internal/domain/rules"
)

// Assigner runs the full per-patient pipeline: regimen formation, transition
// evaluation and line sequencing. It holds only the resolved rules and is
// safe for concurrent use across patients.
type Assigner struct {
	rules     *rules.Resolved
	evaluator *Evaluator
}

func NewAssigner(r *rules.Resolved) *Assigner {
	return &Assigner{rules: r, evaluator: NewEvaluator(r)}
}

// ResolveEvents canonicalizes raw administrations into engine events. An
// unrecognized drug name fails the whole patient with a ClassificationError
// rather than silently skipping the row.
func (a *Assigner) ResolveEvents(patientID string, admins []RawAdministration) ([]Event, error) {
	events := make([]Event, 0, len(admins))
	for _, adm := range admins {
		agent, err := a.rules.Catalog.Resolve(adm.DrugName)
		if err != nil {
			return nil, fmt.Errorf("patient %s: %w", patientID, err)
		}
		events = append(events, Event{PatientID: patientID, Agent: agent, Date: adm.Date})
	}
	return events, nil
}

// RawAdministration is an un-canonicalized input row.
type RawAdministration struct {
	DrugName string
	Date     time.Time
}

// AssignPatient processes one patient's events in chronological order and
// returns the line table plus per-event assignments. The input need not be
// sorted; ordering is normalized with the documented tie-break (stable sort
// by date, same-day events in input order).
func (a *Assigner) AssignPatient(patientID string, events []Event) (*PatientResult, error) {
	result := &PatientResult{PatientID: patientID}
	if len(events) == 0 {
		return result, nil
	}

	ordered, warnings := sortEvents(events)
	result.Warnings = warnings
	result.Events = make([]EventAssignment, 0, len(ordered))

	seq := newSequencer(a.rules)
	lifetimeBiologics := make(map[string]bool)
	var lastExposure time.Time

	for i, ev := range ordered {
		if i == 0 {
			seq.open(ev.Date, ev.Agent.Name)
			result.Events = append(result.Events, EventAssignment{
				Date:            ev.Date,
				Agent:           ev.Agent.Name,
				LineNumber:      1,
				Decision:        DecisionNoChange,
				Status:          "Initial Regimen",
				InInitialWindow: true,
			})
		} else {
			out := a.evaluator.Evaluate(Transition{
				Agent:             ev.Agent,
				Date:              ev.Date,
				LineStart:         seq.lineStart(),
				LastExposure:      lastExposure,
				Regimen:           seq.regimen(),
				LifetimeBiologics: lifetimeBiologics,
			})

			daysFromPrev := daysBetween(lastExposure, ev.Date)
			var assignment EventAssignment

			if out.Decision.NewLine() {
				seq.close(out.Reason)
				seq.open(ev.Date, ev.Agent.Name)
				assignment = EventAssignment{
					Date:            ev.Date,
					Agent:           ev.Agent.Name,
					Decision:        out.Decision,
					Status:          out.Status,
					DaysFromPrev:    daysFromPrev,
					InInitialWindow: true,
				}
			} else {
				seq.extend(ev.Date, ev.Agent.Name)
				days := daysBetween(seq.lineStart(), ev.Date)
				assignment = EventAssignment{
					Date:              ev.Date,
					Agent:             ev.Agent.Name,
					Decision:          out.Decision,
					Status:            out.Status,
					DaysFromLineStart: days,
					DaysFromPrev:      daysFromPrev,
					InInitialWindow:   days <= rules.InitialWindowDays,
				}
			}
			assignment.LineNumber = seq.current.Number
			result.Events = append(result.Events, assignment)
		}

		if ev.Agent.Class.BiologicOrTargeted() {
			lifetimeBiologics[ev.Agent.Name] = true
		}
		lastExposure = ev.Date
	}

	result.Lines = seq.finish()
	if err := ValidateLines(result.Lines); err != nil {
		return nil, fmt.Errorf("patient %s: line table invariant violated: %w", patientID, err)
	}
	return result, nil
}

// sortEvents orders events by date with a stable sort so same-day events
// keep their ingest order. Exact duplicates (same day, same agent) are the
// one genuinely ambiguous case; they are processed deterministically and
// surfaced as warnings, never dropped.
func sortEvents(events []Event) ([]Event, []string) {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Date.Before(ordered[j].Date)
	})

	var warnings []string
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		if cur.Date.Equal(prev.Date) && cur.Agent.Name == prev.Agent.Name {
			warnings = append(warnings, fmt.Sprintf(
				"duplicate administration of %s on %s resolved by input order",
				cur.Agent.Name, cur.Date.Format("2006-01-02")))
		}
	}
	return ordered, warnings
}

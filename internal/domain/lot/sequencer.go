package lot

import (
	"fmt"
	"sort"
	"time"

	"github.com/oncolot/oncolot/internal/domain/rules"
)

// sequencer folds evaluator decisions into the ordered line table. It owns
// the line numbering and the no-overlap bookkeeping; it never revisits a
// closed line.
type sequencer struct {
	rules *rules.Resolved

	lines   []Line
	current *Line
	agents  map[string]bool
}

func newSequencer(r *rules.Resolved) *sequencer {
	return &sequencer{rules: r}
}

// open starts the next line at date with the given first agent.
func (s *sequencer) open(date time.Time, agent string) {
	number := len(s.lines) + 1
	if s.current != nil {
		number = s.current.Number + 1
	}
	s.agents = map[string]bool{agent: true}
	s.current = &Line{
		Number:    number,
		StartDate: date,
		EndDate:   date,
	}
	s.current.NumAdministrations = 1
}

// extend attributes one more administration to the current line.
func (s *sequencer) extend(date time.Time, agent string) {
	s.agents[agent] = true
	s.current.EndDate = date
	s.current.NumAdministrations++
}

// close finalizes the current line with the given discontinuation reason.
// The end date stays at the last exposure attributed to the line.
func (s *sequencer) close(reason Reason) {
	s.current.Discontinuation = reason
	s.finalize()
	s.lines = append(s.lines, *s.current)
	s.current = nil
}

// finish closes the last open line as ongoing and returns the line table.
func (s *sequencer) finish() []Line {
	if s.current != nil {
		s.current.Ongoing = true
		s.current.Discontinuation = ReasonOngoing
		s.finalize()
		s.lines = append(s.lines, *s.current)
		s.current = nil
	}
	return s.lines
}

// finalize derives the presentation fields from the accumulated agent set.
func (s *sequencer) finalize() {
	names := make([]string, 0, len(s.agents))
	for name := range s.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	s.current.Agents = names
	s.current.RegimenLabel = RegimenLabel(s.rules, s.agents)
	s.current.Maintenance = IsMaintenance(s.rules, s.agents)
}

// regimen exposes the current line's agent set to the evaluator.
func (s *sequencer) regimen() map[string]bool {
	return s.agents
}

// lineStart returns the current line's start date.
func (s *sequencer) lineStart() time.Time {
	return s.current.StartDate
}

// ValidateLines checks the sequencer postconditions for one patient:
// contiguous 1-based numbering and non-overlapping intervals ordered by
// start date. A line may start on the day the previous line ended; a
// same-day transition closes the prior line at that date.
func ValidateLines(lines []Line) error {
	for i, l := range lines {
		if l.Number != i+1 {
			return fmt.Errorf("line %d has number %d, want %d", i, l.Number, i+1)
		}
		if l.EndDate.Before(l.StartDate) {
			return fmt.Errorf("line %d ends before it starts", l.Number)
		}
		if i > 0 {
			prev := lines[i-1]
			if l.StartDate.Before(prev.StartDate) {
				return fmt.Errorf("line %d starts before line %d", l.Number, prev.Number)
			}
			if l.StartDate.Before(prev.EndDate) {
				return fmt.Errorf("line %d overlaps line %d", l.Number, prev.Number)
			}
		}
	}
	return nil
}

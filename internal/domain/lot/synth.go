package lot

import (
	"fmt"
	"math/rand"
	"time"
)

// Synthesizer generates deterministic synthetic treatment histories for
// load testing and demos. The same seed always yields the same cohort.
type Synthesizer struct {
	rng *rand.Rand
}

func NewSynthesizer(seed int64) *Synthesizer {
	return &Synthesizer{rng: rand.New(rand.NewSource(seed))}
}

// regimen templates drawn with interval days between cycles.
var synthTemplates = []struct {
	agents   []string
	interval int
}{
	{[]string{"5-fluorouracil", "oxaliplatin", "leucovorin"}, 14},
	{[]string{"5-fluorouracil", "irinotecan", "leucovorin"}, 14},
	{[]string{"capecitabine", "oxaliplatin"}, 21},
	{[]string{"capecitabine"}, 21},
	{[]string{"5-fluorouracil", "oxaliplatin", "leucovorin", "bevacizumab"}, 14},
}

var synthLaterLines = [][]string{
	{"5-fluorouracil", "irinotecan", "leucovorin"},
	{"regorafenib"},
	{"trifluridine-tipiracil"},
	{"irinotecan", "cetuximab"},
}

// Cohort generates n patients starting treatment around start. Roughly half
// receive a single line; the rest progress through one or two gaps or
// regimen switches.
func (s *Synthesizer) Cohort(n int, start time.Time) []PatientAdministrations {
	cohort := make([]PatientAdministrations, 0, n)
	for i := 0; i < n; i++ {
		patientID := fmt.Sprintf("SYN-%05d", i+1)
		cohort = append(cohort, PatientAdministrations{
			PatientID:       patientID,
			Administrations: s.history(start.AddDate(0, 0, s.rng.Intn(90))),
		})
	}
	return cohort
}

func (s *Synthesizer) history(start time.Time) []RawAdministration {
	var admins []RawAdministration
	date := start

	template := synthTemplates[s.rng.Intn(len(synthTemplates))]
	cycles := 4 + s.rng.Intn(8)
	date = s.emitCycles(&admins, date, template.agents, template.interval, cycles)

	extraLines := s.rng.Intn(3) // 0, 1 or 2 additional lines
	for l := 0; l < extraLines; l++ {
		// A restart gap strictly beyond the 180-day threshold, or a prompt
		// switch to a later-line regimen.
		if s.rng.Intn(2) == 0 {
			date = date.AddDate(0, 0, 181+s.rng.Intn(185))
		} else {
			date = date.AddDate(0, 0, 30+s.rng.Intn(60))
		}
		later := synthLaterLines[s.rng.Intn(len(synthLaterLines))]
		cycles := 3 + s.rng.Intn(6)
		date = s.emitCycles(&admins, date, later, 14+7*s.rng.Intn(2), cycles)
	}
	return admins
}

func (s *Synthesizer) emitCycles(admins *[]RawAdministration, start time.Time, agents []string, interval, cycles int) time.Time {
	date := start
	for c := 0; c < cycles; c++ {
		for _, agent := range agents {
			*admins = append(*admins, RawAdministration{DrugName: agent, Date: date})
		}
		date = date.AddDate(0, 0, interval)
	}
	return date
}

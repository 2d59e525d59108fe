package lot

import (
	"time"

	"github.com/oncolot/oncolot/internal/domain/drug"
	"github.com/oncolot/oncolot/internal/domain/rules"
)

// Transition is the evaluator's view of one subsequent event against the
// current open line.
type Transition struct {
	Agent        drug.Agent
	Date         time.Time
	LineStart    time.Time
	LastExposure time.Time
	// Regimen holds the canonical agents currently in the open line.
	Regimen map[string]bool
	// LifetimeBiologics holds every biologic/targeted agent the patient
	// has been exposed to, across all lines.
	LifetimeBiologics map[string]bool
}

// Outcome is the evaluator's verdict plus the human-readable regimen status
// recorded on the detail row.
type Outcome struct {
	Decision Decision
	Reason   Reason
	Status   string
}

// Evaluator applies the resolved rule cascade to one event at a time. It is
// stateless; all state lives in the Transition.
type Evaluator struct {
	rules *rules.Resolved
}

func NewEvaluator(r *rules.Resolved) *Evaluator {
	return &Evaluator{rules: r}
}

// Evaluate runs the decision cascade, first match wins. The gap rule is
// checked before continuation so that a same-agent restart after a long gap
// opens a new line. Every threshold comparison is boundary-inclusive:
// elapsed <= threshold does not advance, strictly greater does.
func (e *Evaluator) Evaluate(t Transition) Outcome {
	daysSinceLast := daysBetween(t.LastExposure, t.Date)
	daysSinceLineStart := daysBetween(t.LineStart, t.Date)

	// 1. Treatment gap.
	if daysSinceLast > e.rules.GapRestartDays {
		return Outcome{Decision: DecisionGapRestart, Reason: ReasonGap, Status: "New Line (Gap)"}
	}

	// 2. Continuation, including interchangeable substitution.
	if t.Regimen[t.Agent.Name] {
		return Outcome{Decision: DecisionNoChange, Status: "Continuation"}
	}
	for member := range t.Regimen {
		if e.rules.Catalog.Interchangeable(t.Agent.Name, member) {
			return Outcome{Decision: DecisionNoChange, Status: "Continuation (Interchangeable)"}
		}
	}

	// 3. Supportive care never triggers a line change.
	if t.Agent.Class.Supportive() {
		return Outcome{Decision: DecisionRegimenUpdate, Status: "Supportive Addition"}
	}

	// 4. New biologic/targeted agent.
	if t.Agent.Class.BiologicOrTargeted() {
		return e.evaluateBiologic(t, daysSinceLineStart)
	}

	// 5. New chemotherapy agent.
	if t.Agent.Class.Chemotherapy() {
		return e.evaluateChemo(t, daysSinceLineStart)
	}

	// 6. Nothing triggered.
	return Outcome{Decision: DecisionNoChange, Status: "Continuation"}
}

func (e *Evaluator) evaluateBiologic(t Transition, daysSinceLineStart int) Outcome {
	// A second distinct biologic/targeted exposure in the patient's
	// lifetime always opens a new line, window or not.
	if len(t.LifetimeBiologics) >= 1 && !t.LifetimeBiologics[t.Agent.Name] {
		return Outcome{
			Decision: DecisionNewLine,
			Reason:   ReasonSecondBiologic,
			Status:   "New Line (Second Biologic/Targeted Agent)",
		}
	}

	window := e.rules.BiologicGeneralWindowDays
	status := "Biologic Addition (Within Window)"
	if e.rules.IsExceptionClass(t.Agent.Class) {
		window = e.rules.BiologicExceptionWindowDays
		status = "Targeted Addition (Within Window)"
	}

	if daysSinceLineStart <= window {
		return Outcome{Decision: DecisionRegimenUpdate, Status: status}
	}
	return Outcome{
		Decision: DecisionNewLine,
		Reason:   ReasonNewBiologic,
		Status:   "New Line (Biologic Outside Window)",
	}
}

func (e *Evaluator) evaluateChemo(t Transition, daysSinceLineStart int) Outcome {
	// Inside the regimen-formation window any chemo joins the forming
	// regimen.
	if daysSinceLineStart <= rules.InitialWindowDays {
		return Outcome{Decision: DecisionRegimenUpdate, Status: "Chemo Addition (Initial Window)"}
	}

	// After the window, supplementation is only allowed onto a single
	// fluoropyrimidine backbone, within its window, and only when the
	// result is a standard regimen.
	if e.singleFluoropyrimidineBackbone(t.Regimen) {
		union := make(map[string]bool, len(t.Regimen)+1)
		for a := range t.Regimen {
			union[a] = true
		}
		union[t.Agent.Name] = true
		if e.rules.FormsStandardRegimen(union) && daysSinceLineStart <= e.rules.ChemoSupplementWindowDays {
			return Outcome{Decision: DecisionRegimenUpdate, Status: "Chemo Supplementation (Within Window)"}
		}
	}

	return Outcome{
		Decision: DecisionNewLine,
		Reason:   ReasonNewChemo,
		Status:   "New Line (New Chemotherapy)",
	}
}

// singleFluoropyrimidineBackbone reports whether, supportive agents aside,
// the regimen consists solely of fluoropyrimidines.
func (e *Evaluator) singleFluoropyrimidineBackbone(regimen map[string]bool) bool {
	seen := false
	for name := range regimen {
		agent, err := e.rules.Catalog.Resolve(name)
		if err != nil {
			return false
		}
		if agent.Class.Supportive() {
			continue
		}
		if agent.Class != drug.ClassFluoropyrimidine {
			return false
		}
		seen = true
	}
	return seen
}

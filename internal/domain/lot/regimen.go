package lot

import (
	"sort"
	"strings"

	"github.com/oncolot/oncolot/internal/domain/drug"
	"github.com/oncolot/oncolot/internal/domain/rules"
)

// displayNames overrides title-casing for agents with conventional short
// names.
var displayNames = map[string]string{
	"5-fluorouracil":         "5-FU",
	"trifluridine-tipiracil": "LONSURF",
}

// RegimenLabel names the agent set using the standard regimen templates:
// the chemotherapy backbone picks the base name (FOLFOX, CAPOX, ...),
// biologic/targeted agents are appended, and supportive agents only
// distinguish 5-FU/LV from bare 5-FU. Sets that match no template fall back
// to the sorted agent list joined with "+".
func RegimenLabel(r *rules.Resolved, agents map[string]bool) string {
	var backbone, targeted []string
	hasLeucovorin := false
	for name := range agents {
		agent, err := r.Catalog.Resolve(name)
		if err != nil {
			continue
		}
		switch {
		case agent.Class.Supportive():
			if agent.Name == "leucovorin" {
				hasLeucovorin = true
			}
		case agent.Class.BiologicOrTargeted():
			targeted = append(targeted, agent.Name)
		default:
			backbone = append(backbone, agent.Name)
		}
	}
	sort.Strings(backbone)
	sort.Strings(targeted)

	base := matchTemplate(r, backbone)
	if base == "" && len(backbone) == 1 {
		base = displayAgent(backbone[0])
		if base == "5-FU" && hasLeucovorin {
			base = "5-FU/LV"
		}
	}

	// Single-agent later-line targeted therapy gets its own name
	// (Regorafenib, LONSURF).
	if base == "" && len(backbone) == 0 && len(targeted) == 1 {
		agent, _ := r.Catalog.Resolve(targeted[0])
		if agent.Class == drug.ClassOtherTargeted || agent.Class == drug.ClassImmunotherapy {
			return displayAgent(targeted[0])
		}
	}

	if base != "" {
		if len(targeted) == 0 {
			return base
		}
		parts := make([]string, 0, len(targeted))
		for _, t := range targeted {
			parts = append(parts, displayAgent(t))
		}
		return base + " + " + strings.Join(parts, " + ")
	}

	if len(backbone) == 0 && len(targeted) > 0 {
		parts := make([]string, 0, len(targeted))
		for _, t := range targeted {
			parts = append(parts, displayAgent(t))
		}
		return strings.Join(parts, " + ")
	}

	all := make([]string, 0, len(agents))
	for name := range agents {
		all = append(all, name)
	}
	sort.Strings(all)
	return strings.Join(all, "+")
}

// matchTemplate finds the standard regimen whose template equals the sorted
// backbone. Template names are scanned in sorted order so the result is
// deterministic.
func matchTemplate(r *rules.Resolved, backbone []string) string {
	if len(backbone) == 0 {
		return ""
	}
	names := make([]string, 0, len(r.StandardRegimens))
	for name := range r.StandardRegimens {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		template := r.StandardRegimens[name]
		if len(template) != len(backbone) {
			continue
		}
		match := true
		for i := range template {
			if template[i] != backbone[i] {
				match = false
				break
			}
		}
		if match {
			return name
		}
	}
	return ""
}

// displayAgent title-cases a canonical agent name unless it has a
// conventional short form.
func displayAgent(name string) string {
	if d, ok := displayNames[name]; ok {
		return d
	}
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// IsMaintenance reports whether a configured maintenance combination is a
// subset of the line's agents.
func IsMaintenance(r *rules.Resolved, agents map[string]bool) bool {
	for _, combo := range r.MaintenanceCombos {
		subset := true
		for _, agent := range combo {
			if !agents[agent] {
				subset = false
				break
			}
		}
		if subset {
			return true
		}
	}
	return false
}

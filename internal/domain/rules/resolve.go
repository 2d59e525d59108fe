package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/oncolot/oncolot/internal/domain/drug"
)

// InitialWindowDays is the fixed regimen-formation window. It is applied
// identically across tumor types and re-anchored at the start of every new
// line; all other thresholds come from the rules file.
const InitialWindowDays = 28

// Resolved is the flat parameter set the engine consumes. It is produced
// once at load time and never mutated, so it is safe to share across
// concurrent patient workers.
type Resolved struct {
	CancerType string

	// GapRestartDays: a gap strictly greater than this since the last
	// exposure starts a new line even when the drug set is unchanged.
	GapRestartDays int

	// BiologicGeneralWindowDays bounds additions of general biologics
	// (anti-VEGF, immunotherapy) measured from line start.
	BiologicGeneralWindowDays int

	// BiologicExceptionWindowDays bounds additions of exception-class
	// biologics (anti-EGFR, other targeted) measured from line start.
	BiologicExceptionWindowDays int

	// ChemoSupplementWindowDays bounds chemo supplementation onto a
	// single-agent fluoropyrimidine backbone measured from line start.
	ChemoSupplementWindowDays int

	// ExceptionClasses are the biologic classes judged against the
	// exception window instead of the general one.
	ExceptionClasses map[drug.Class]bool

	Catalog *drug.Catalog

	// StandardRegimens maps a regimen name to its defining canonical
	// agents, supportive agents excluded. Chemo supplementation is only
	// allowed when the result forms one of these.
	StandardRegimens map[string][]string

	// MaintenanceCombos are agent sets that mark a line as maintenance
	// therapy when they are a subset of the line's agents.
	MaintenanceCombos [][]string

	// Fingerprint identifies this resolved rule set; computed results are
	// keyed by it so a rules change invalidates cached line tables.
	Fingerprint string
}

// Resolve validates the rules file and flattens its option families into
// scalars. Any violation is a ConfigurationError and nothing may run.
func Resolve(f *File) (*Resolved, error) {
	if f.CancerType == "" {
		return nil, &ConfigurationError{Field: "cancer_type", Reason: "required"}
	}

	gap, err := activeOption("gap_period_options", f.GapPeriodOptions)
	if err != nil {
		return nil, err
	}
	bioGeneral, err := activeOption("new_biologic_agent_options.general_window", f.NewBiologicAgentOptions.GeneralWindow)
	if err != nil {
		return nil, err
	}
	bioException, err := activeOption("new_biologic_agent_options.exception_window", f.NewBiologicAgentOptions.ExceptionWindow)
	if err != nil {
		return nil, err
	}
	chemoSupp, err := activeOption("new_chemo_agent_options.fluoropyrimidine_supplementation", f.NewChemoAgentOptions.FluoropyrimidineSupplementation)
	if err != nil {
		return nil, err
	}

	if len(f.NewBiologicAgentOptions.ExceptionClasses) == 0 {
		return nil, &ConfigurationError{Field: "new_biologic_agent_options.exception_classes", Reason: "must not be empty"}
	}
	exceptionClasses := make(map[drug.Class]bool, len(f.NewBiologicAgentOptions.ExceptionClasses))
	for _, name := range f.NewBiologicAgentOptions.ExceptionClasses {
		class := drug.Class(strings.ToLower(strings.TrimSpace(name)))
		if !class.BiologicOrTargeted() {
			return nil, &ConfigurationError{
				Field:  "new_biologic_agent_options.exception_classes",
				Reason: fmt.Sprintf("%q is not a biologic/targeted class", name),
			}
		}
		exceptionClasses[class] = true
	}

	if len(f.DrugClasses) == 0 {
		return nil, &ConfigurationError{Field: "drug_classes", Reason: "must not be empty"}
	}
	classes := make(map[drug.Class][]string, len(f.DrugClasses))
	for name, members := range f.DrugClasses {
		classes[drug.Class(strings.ToLower(strings.TrimSpace(name)))] = members
	}
	catalog, err := drug.NewCatalog(classes, f.Synonyms, f.InterchangeabilityGroups)
	if err != nil {
		return nil, &ConfigurationError{Field: "drug_classes", Reason: err.Error()}
	}

	regimens := make(map[string][]string, len(f.StandardRegimens))
	for name, members := range f.StandardRegimens {
		canonical := make([]string, 0, len(members))
		for _, m := range members {
			agent, err := catalog.Resolve(m)
			if err != nil {
				return nil, &ConfigurationError{
					Field:  "standard_regimens." + name,
					Reason: fmt.Sprintf("unknown agent %q", m),
				}
			}
			canonical = append(canonical, agent.Name)
		}
		sort.Strings(canonical)
		regimens[name] = canonical
	}

	var combos [][]string
	for _, spec := range f.MaintenanceOptions {
		parts := strings.Split(spec, "+")
		combo := make([]string, 0, len(parts))
		for _, p := range parts {
			agent, err := catalog.Resolve(p)
			if err != nil {
				return nil, &ConfigurationError{
					Field:  "maintenance_options",
					Reason: fmt.Sprintf("unknown agent %q in %q", p, spec),
				}
			}
			combo = append(combo, agent.Name)
		}
		sort.Strings(combo)
		combos = append(combos, combo)
	}

	r := &Resolved{
		CancerType:                  f.CancerType,
		GapRestartDays:              gap.Days,
		BiologicGeneralWindowDays:   bioGeneral.Days,
		BiologicExceptionWindowDays: bioException.Days,
		ChemoSupplementWindowDays:   chemoSupp.Days,
		ExceptionClasses:            exceptionClasses,
		Catalog:                     catalog,
		StandardRegimens:            regimens,
		MaintenanceCombos:           combos,
	}
	r.Fingerprint = r.fingerprint()
	return r, nil
}

// activeOption picks the single option marked active in a family.
func activeOption(family string, opts []Option) (Option, error) {
	if len(opts) == 0 {
		return Option{}, &ConfigurationError{Field: family, Reason: "no options defined"}
	}
	var active []Option
	for _, o := range opts {
		if o.Active {
			active = append(active, o)
		}
	}
	switch len(active) {
	case 0:
		return Option{}, &ConfigurationError{Field: family, Reason: "no option marked active"}
	case 1:
		if active[0].Days <= 0 {
			return Option{}, &ConfigurationError{
				Field:  family,
				Reason: fmt.Sprintf("active option %q has non-positive days", active[0].Name),
			}
		}
		return active[0], nil
	default:
		names := make([]string, len(active))
		for i, o := range active {
			names[i] = o.Name
		}
		return Option{}, &ConfigurationError{
			Field:  family,
			Reason: fmt.Sprintf("multiple options marked active: %s", strings.Join(names, ", ")),
		}
	}
}

// fingerprint hashes the resolved scalars and catalog contents.
func (r *Resolved) fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%d|%d|%d", r.CancerType, InitialWindowDays,
		r.GapRestartDays, r.BiologicGeneralWindowDays, r.BiologicExceptionWindowDays, r.ChemoSupplementWindowDays)
	for _, name := range r.Catalog.Agents() {
		agent, _ := r.Catalog.Resolve(name)
		fmt.Fprintf(h, "|%s:%s:%s", agent.Name, agent.Class, agent.Group)
	}
	regimenNames := make([]string, 0, len(r.StandardRegimens))
	for name := range r.StandardRegimens {
		regimenNames = append(regimenNames, name)
	}
	sort.Strings(regimenNames)
	for _, name := range regimenNames {
		fmt.Fprintf(h, "|%s=%s", name, strings.Join(r.StandardRegimens[name], "+"))
	}
	for _, combo := range r.MaintenanceCombos {
		fmt.Fprintf(h, "|m=%s", strings.Join(combo, "+"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IsExceptionClass reports whether the class uses the exception window.
func (r *Resolved) IsExceptionClass(c drug.Class) bool {
	return r.ExceptionClasses[c]
}

// FormsStandardRegimen reports whether the given canonical agent set,
// supportive agents excluded, exactly matches a standard regimen template.
func (r *Resolved) FormsStandardRegimen(agents map[string]bool) bool {
	var backbone []string
	for name := range agents {
		agent, err := r.Catalog.Resolve(name)
		if err != nil || agent.Class.Supportive() {
			continue
		}
		backbone = append(backbone, agent.Name)
	}
	sort.Strings(backbone)
	for _, template := range r.StandardRegimens {
		if equalSorted(backbone, template) {
			return true
		}
	}
	return false
}

func equalSorted(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

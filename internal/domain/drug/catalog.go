// Package drug holds the anticancer agent catalog: canonical agent names,
// drug-class assignments, synonym resolution and interchangeability groups.
// The catalog is built once from the rules file and is read-only afterwards.
package drug

import (
	"fmt"
	"sort"
	"strings"
)

// Class is the therapeutic class of a canonical agent.
type Class string

const (
	ClassFluoropyrimidine Class = "fluoropyrimidine"
	ClassPlatinum         Class = "platinum"
	ClassTopoisomerase    Class = "topoisomerase"
	ClassAntiEGFR         Class = "anti-egfr"
	ClassAntiVEGF         Class = "anti-vegf"
	ClassOtherTargeted    Class = "other-targeted"
	ClassImmunotherapy    Class = "immunotherapy"
	ClassSupportive       Class = "supportive"
)

// Chemotherapy reports whether the class counts as cytotoxic chemotherapy
// for line-of-therapy purposes.
func (c Class) Chemotherapy() bool {
	switch c {
	case ClassFluoropyrimidine, ClassPlatinum, ClassTopoisomerase:
		return true
	}
	return false
}

// BiologicOrTargeted reports whether the class counts as a biologic or
// targeted agent for line-of-therapy purposes.
func (c Class) BiologicOrTargeted() bool {
	switch c {
	case ClassAntiEGFR, ClassAntiVEGF, ClassOtherTargeted, ClassImmunotherapy:
		return true
	}
	return false
}

// Supportive reports whether the class is supportive care. Supportive agents
// never trigger a line change and are ignored when testing regimen backbones.
func (c Class) Supportive() bool {
	return c == ClassSupportive
}

// ClassificationError is returned when a raw drug name cannot be mapped to a
// canonical agent. Unknown drugs fail loudly: silently defaulting a drug's
// class would bias line assignment.
type ClassificationError struct {
	DrugName string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("drug %q is not in the catalog and cannot be classified", e.DrugName)
}

// Agent is one canonical agent with its class and interchangeability group.
// Group is empty when the agent is not interchangeable with any other.
type Agent struct {
	Name  string
	Class Class
	Group string
}

// Catalog maps raw drug names to canonical agents.
type Catalog struct {
	agents   map[string]Agent  // canonical name -> agent
	synonyms map[string]string // normalized raw name -> canonical name
}

// NewCatalog builds a catalog from class membership lists, a synonym table
// and named interchangeability groups. All names are normalized with
// Normalize. An agent may belong to exactly one class and at most one group;
// a synonym may resolve to exactly one canonical name.
func NewCatalog(classes map[Class][]string, synonyms map[string]string, groups map[string][]string) (*Catalog, error) {
	c := &Catalog{
		agents:   make(map[string]Agent),
		synonyms: make(map[string]string),
	}

	for class, names := range classes {
		for _, name := range names {
			canonical := Normalize(name)
			if prev, ok := c.agents[canonical]; ok {
				return nil, fmt.Errorf("agent %q assigned to both class %q and class %q", canonical, prev.Class, class)
			}
			c.agents[canonical] = Agent{Name: canonical, Class: class}
		}
	}

	for group, members := range groups {
		for _, name := range members {
			canonical := Normalize(name)
			agent, ok := c.agents[canonical]
			if !ok {
				return nil, fmt.Errorf("interchangeability group %q references unknown agent %q", group, canonical)
			}
			if agent.Group != "" && agent.Group != group {
				return nil, fmt.Errorf("agent %q is in both group %q and group %q", canonical, agent.Group, group)
			}
			agent.Group = group
			c.agents[canonical] = agent
		}
	}

	for raw, target := range synonyms {
		rawNorm := Normalize(raw)
		canonical := Normalize(target)
		if _, ok := c.agents[canonical]; !ok {
			return nil, fmt.Errorf("synonym %q points to unknown agent %q", rawNorm, canonical)
		}
		if prev, ok := c.synonyms[rawNorm]; ok && prev != canonical {
			return nil, fmt.Errorf("synonym %q maps to both %q and %q", rawNorm, prev, canonical)
		}
		if _, ok := c.agents[rawNorm]; ok && rawNorm != canonical {
			return nil, fmt.Errorf("synonym %q collides with canonical agent of the same name", rawNorm)
		}
		c.synonyms[rawNorm] = canonical
	}

	return c, nil
}

// Normalize lowercases and trims a raw drug name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Resolve maps a raw drug name to its canonical agent. Returns a
// *ClassificationError when the name is neither a canonical agent nor a
// known synonym.
func (c *Catalog) Resolve(rawName string) (Agent, error) {
	name := Normalize(rawName)
	if canonical, ok := c.synonyms[name]; ok {
		name = canonical
	}
	agent, ok := c.agents[name]
	if !ok {
		return Agent{}, &ClassificationError{DrugName: rawName}
	}
	return agent, nil
}

// Interchangeable reports whether two canonical agents belong to the same
// interchangeability group. An agent is trivially interchangeable with
// itself.
func (c *Catalog) Interchangeable(a, b string) bool {
	if a == b {
		return true
	}
	ag, aok := c.agents[a]
	bg, bok := c.agents[b]
	return aok && bok && ag.Group != "" && ag.Group == bg.Group
}

// Agents returns all canonical agent names in the catalog, sorted.
func (c *Catalog) Agents() []string {
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AgentsInClass returns the sorted canonical agents of a class.
func (c *Catalog) AgentsInClass(class Class) []string {
	var names []string
	for name, agent := range c.agents {
		if agent.Class == class {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

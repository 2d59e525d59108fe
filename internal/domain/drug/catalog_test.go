package drug

import (
	"errors"
	"testing"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(
		map[Class][]string{
			ClassFluoropyrimidine: {"5-fluorouracil", "capecitabine"},
			ClassPlatinum:         {"oxaliplatin"},
			ClassAntiEGFR:         {"cetuximab", "panitumumab"},
			ClassAntiVEGF:         {"bevacizumab"},
			ClassSupportive:       {"leucovorin"},
		},
		map[string]string{
			"5-FU":         "5-fluorouracil",
			"fluorouracil": "5-fluorouracil",
			"Xeloda":       "capecitabine",
		},
		map[string][]string{
			"fluoropyrimidines": {"5-fluorouracil", "capecitabine"},
			"anti_egfr":         {"cetuximab", "panitumumab"},
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestResolve_CanonicalName(t *testing.T) {
	c := testCatalog(t)
	agent, err := c.Resolve("oxaliplatin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agent.Name != "oxaliplatin" || agent.Class != ClassPlatinum {
		t.Errorf("got %+v", agent)
	}
}

func TestResolve_Synonym(t *testing.T) {
	c := testCatalog(t)
	tests := []struct {
		raw  string
		want string
	}{
		{"5-FU", "5-fluorouracil"},
		{"  Fluorouracil ", "5-fluorouracil"},
		{"XELODA", "capecitabine"},
		{"Capecitabine", "capecitabine"},
	}
	for _, tt := range tests {
		agent, err := c.Resolve(tt.raw)
		if err != nil {
			t.Fatalf("Resolve(%q): unexpected error: %v", tt.raw, err)
		}
		if agent.Name != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.raw, agent.Name, tt.want)
		}
	}
}

func TestResolve_UnknownDrug(t *testing.T) {
	c := testCatalog(t)
	_, err := c.Resolve("vitamin c")
	if err == nil {
		t.Fatal("expected error for unknown drug")
	}
	var cerr *ClassificationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ClassificationError, got %T", err)
	}
	if cerr.DrugName != "vitamin c" {
		t.Errorf("got drug name %q", cerr.DrugName)
	}
}

func TestInterchangeable(t *testing.T) {
	c := testCatalog(t)
	if !c.Interchangeable("5-fluorouracil", "capecitabine") {
		t.Error("fluoropyrimidines should be interchangeable")
	}
	if !c.Interchangeable("cetuximab", "panitumumab") {
		t.Error("anti-EGFR agents should be interchangeable")
	}
	if c.Interchangeable("5-fluorouracil", "oxaliplatin") {
		t.Error("different classes should not be interchangeable")
	}
	if c.Interchangeable("oxaliplatin", "bevacizumab") {
		t.Error("ungrouped agents should not be interchangeable")
	}
	if !c.Interchangeable("oxaliplatin", "oxaliplatin") {
		t.Error("an agent is interchangeable with itself")
	}
}

func TestNewCatalog_AgentInTwoClasses(t *testing.T) {
	_, err := NewCatalog(
		map[Class][]string{
			ClassFluoropyrimidine: {"capecitabine"},
			ClassPlatinum:         {"capecitabine"},
		}, nil, nil)
	if err == nil {
		t.Fatal("expected error for agent in two classes")
	}
}

func TestNewCatalog_GroupWithUnknownAgent(t *testing.T) {
	_, err := NewCatalog(
		map[Class][]string{ClassPlatinum: {"oxaliplatin"}},
		nil,
		map[string][]string{"platinums": {"carboplatin"}})
	if err == nil {
		t.Fatal("expected error for group referencing unknown agent")
	}
}

func TestNewCatalog_ConflictingSynonym(t *testing.T) {
	_, err := NewCatalog(
		map[Class][]string{ClassFluoropyrimidine: {"5-fluorouracil", "capecitabine"}},
		map[string]string{"capecitabine": "5-fluorouracil"},
		nil)
	if err == nil {
		t.Fatal("expected error for synonym colliding with canonical agent")
	}
}

func TestClassPredicates(t *testing.T) {
	if !ClassPlatinum.Chemotherapy() || ClassAntiEGFR.Chemotherapy() {
		t.Error("Chemotherapy predicate wrong")
	}
	if !ClassAntiVEGF.BiologicOrTargeted() || ClassFluoropyrimidine.BiologicOrTargeted() {
		t.Error("BiologicOrTargeted predicate wrong")
	}
	if !ClassSupportive.Supportive() || ClassPlatinum.Supportive() {
		t.Error("Supportive predicate wrong")
	}
}

package lot

import (
	"context"
	"testing"
	"time"
)

func TestSynthesizer_Deterministic(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewSynthesizer(42).Cohort(20, start)
	b := NewSynthesizer(42).Cohort(20, start)

	if len(a) != len(b) {
		t.Fatalf("cohort sizes differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].PatientID != b[i].PatientID || len(a[i].Administrations) != len(b[i].Administrations) {
			t.Fatalf("patient %d differs across identical seeds", i)
		}
		for j := range a[i].Administrations {
			if a[i].Administrations[j] != b[i].Administrations[j] {
				t.Fatalf("patient %d row %d differs", i, j)
			}
		}
	}
}

func TestSynthesizer_CohortProcessesCleanly(t *testing.T) {
	r := testRules(t)
	a := NewAssigner(r)

	cohort := NewSynthesizer(7).Cohort(50, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC))
	batch, err := a.RunBatch(context.Background(), cohort, 4)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	// Every generated drug name is in the catalog.
	if len(batch.Failures) != 0 {
		t.Fatalf("failures: %+v", batch.Failures)
	}
	if len(batch.Results) != 50 {
		t.Fatalf("results = %d", len(batch.Results))
	}
	dist := batch.MaxLineDistribution()
	if dist[1] == 0 {
		t.Error("expected some single-line patients")
	}
	multi := 0
	for maxLine, n := range dist {
		if maxLine > 1 {
			multi += n
		}
	}
	if multi == 0 {
		t.Error("expected some multi-line patients")
	}
}

package lot

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BatchResult aggregates per-patient results of one cohort run. Results are
// sorted by patient identifier; processing order is not observable.
type BatchResult struct {
	Results  []*PatientResult
	Failures []PatientFailure
}

// LinesAssigned counts all assigned lines across the batch.
func (b *BatchResult) LinesAssigned() int {
	total := 0
	for _, r := range b.Results {
		total += len(r.Lines)
	}
	return total
}

// MaxLineDistribution maps the per-patient maximum line number to how many
// patients reached it.
func (b *BatchResult) MaxLineDistribution() map[int]int {
	dist := make(map[int]int)
	for _, r := range b.Results {
		dist[r.MaxLine()]++
	}
	return dist
}

// PatientAdministrations is one patient's raw input to a batch run. Drug
// names are resolved inside the worker so a classification failure stays
// scoped to its patient.
type PatientAdministrations struct {
	PatientID       string
	Administrations []RawAdministration
}

// RunBatch processes patients concurrently with a bounded worker pool. Each
// patient is a sequential single-pass scan; the only shared state is the
// read-only rule set. One patient's failure is recorded and does not abort
// the batch. Workers stop being dispatched once ctx is cancelled.
func (a *Assigner) RunBatch(ctx context.Context, patients []PatientAdministrations, workers int) (*BatchResult, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var mu sync.Mutex
	batch := &BatchResult{}

	// The errgroup context is cancelled once Wait returns, so it is only
	// good for gating dispatch; completion checks go against the parent.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, p := range patients {
		p := p
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			var result *PatientResult
			events, err := a.ResolveEvents(p.PatientID, p.Administrations)
			if err == nil {
				result, err = a.AssignPatient(p.PatientID, events)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				batch.Failures = append(batch.Failures, PatientFailure{PatientID: p.PatientID, Error: err.Error()})
				return nil
			}
			batch.Results = append(batch.Results, result)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(batch.Results, func(i, j int) bool {
		return batch.Results[i].PatientID < batch.Results[j].PatientID
	})
	sort.Slice(batch.Failures, func(i, j int) bool {
		return batch.Failures[i].PatientID < batch.Failures[j].PatientID
	})
	return batch, nil
}

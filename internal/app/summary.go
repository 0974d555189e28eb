package app

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ccs_harvester/internal/models"
)

const (
	StatusFinalized = "finalized"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

type assetResult struct {
	Kind     models.AssetKind
	Status   string
	Attempts int
	Err      error
}

// RunSummary accumulates per-asset outcomes for the end-of-run report.
// The run always completes with this summary instead of stopping at the
// first per-asset failure.
type RunSummary struct {
	RunID   string
	Started time.Time

	mu       sync.Mutex
	order    []string
	products map[string][]assetResult
}

func NewRunSummary() *RunSummary {
	now := time.Now()
	return &RunSummary{
		RunID:    fmt.Sprintf("run-%d", now.UnixNano()),
		Started:  now,
		products: make(map[string][]assetResult),
	}
}

func (s *RunSummary) Record(code string, kind models.AssetKind, status string, attempts int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[code]; !ok {
		s.order = append(s.order, code)
	}
	s.products[code] = append(s.products[code], assetResult{Kind: kind, Status: status, Attempts: attempts, Err: err})
}

func (s *RunSummary) Totals() (finalized, skipped, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, results := range s.products {
		for _, r := range results {
			switch r.Status {
			case StatusFinalized:
				finalized++
			case StatusSkipped:
				skipped++
			case StatusFailed:
				failed++
			}
		}
	}
	return
}

func (s *RunSummary) ProductCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Failures returns the permanently failed (product, kind) pairs in
// processing order.
func (s *RunSummary) Failures() map[string][]models.AssetKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]models.AssetKind)
	for code, results := range s.products {
		for _, r := range results {
			if r.Status == StatusFailed {
				out[code] = append(out[code], r.Kind)
			}
		}
	}
	return out
}

// Log emits the per-product breakdown and run totals.
func (s *RunSummary) Log() {
	s.mu.Lock()
	codes := make([]string, len(s.order))
	copy(codes, s.order)
	s.mu.Unlock()

	for _, code := range codes {
		s.mu.Lock()
		results := s.products[code]
		s.mu.Unlock()

		var finalized, skipped int
		var failed []string
		for _, r := range results {
			switch r.Status {
			case StatusFinalized:
				finalized++
			case StatusSkipped:
				skipped++
			case StatusFailed:
				reason := ""
				if r.Err != nil {
					reason = r.Err.Error()
				}
				failed = append(failed, fmt.Sprintf("%s (%s)", r.Kind, reason))
			}
		}
		if len(failed) > 0 {
			slog.Warn("product summary", "product", code, "finalized", finalized, "skipped", skipped, "failed", failed)
		} else {
			slog.Info("product summary", "product", code, "finalized", finalized, "skipped", skipped)
		}
	}

	finalized, skipped, failed := s.Totals()
	slog.Info("run summary",
		"run_id", s.RunID,
		"products", s.ProductCount(),
		"finalized", finalized,
		"skipped", skipped,
		"failed", failed,
		"elapsed", time.Since(s.Started).Round(time.Second).String(),
	)
}

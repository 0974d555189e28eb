package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"ccs_harvester/internal/artifact"
	"ccs_harvester/internal/assets"
	"ccs_harvester/internal/config"
	"ccs_harvester/internal/ledger"
	"ccs_harvester/internal/models"
	"ccs_harvester/internal/packager"
	"ccs_harvester/internal/session"
)

// HistoryStore receives per-asset outcomes and run summaries. It is
// optional; a nil store disables history recording.
type HistoryStore interface {
	SaveAssetOutcome(ctx context.Context, outcome models.AssetOutcome) error
	SaveRunRecord(ctx context.Context, rec models.RunRecord) error
}

// Harvester drives the per-product download pipeline: decide what to
// request, fetch through the session driver, validate, package, commit
// to the ledger, and retry bounded failures. A single asset failure
// never aborts the run; only credential rejection and repeated session
// expiry do.
type Harvester struct {
	logic   config.LogicConfig
	driver  session.Driver
	state   *session.State
	ledger  *ledger.Ledger
	pack    *packager.Packager
	history HistoryStore
	summary *RunSummary

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration)

	// cart holds temp paths from a consolidated cart retrieval for the
	// product currently being processed.
	cart map[models.AssetKind]string
}

func NewHarvester(logic config.LogicConfig, driver session.Driver, state *session.State, led *ledger.Ledger, pack *packager.Packager, history HistoryStore, summary *RunSummary) *Harvester {
	return &Harvester{
		logic:   logic,
		driver:  driver,
		state:   state,
		ledger:  led,
		pack:    pack,
		history: history,
		summary: summary,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// HarvestProduct processes every asset kind for one product in the
// fixed order. The returned error is non-nil only for run-fatal
// conditions (bad credentials, repeated session expiry, cancellation).
func (h *Harvester) HarvestProduct(ctx context.Context, p models.Product) error {
	if h.allFinalized(p) {
		for _, kind := range assets.Order {
			h.skipFromLedger(p, kind)
		}
		return nil
	}

	available, err := h.listAssets(ctx, p)
	if err != nil {
		return err
	}

	h.cart = nil
	defer h.discardCart()

	if err := h.fillCart(ctx, p); err != nil {
		return err
	}

	for _, kind := range assets.Order {
		if err := ctx.Err(); err != nil {
			return err
		}

		spec := assets.Lookup(kind)
		if available != nil && !available[kind] && !spec.Required {
			slog.Debug("asset not offered, skipping", "product", p.Code, "kind", kind)
			continue
		}

		if h.skipFromLedger(p, kind) {
			continue
		}

		if err := h.runTask(ctx, p, kind); err != nil {
			return err
		}
	}
	return nil
}

// allFinalized reports whether every kind for this product is already
// committed and intact, in which case the product needs no portal
// traffic at all.
func (h *Harvester) allFinalized(p models.Product) bool {
	for _, kind := range assets.Order {
		if _, ok := h.trustedEntry(p, kind); !ok {
			return false
		}
	}
	return true
}

// listAssets asks the driver which kinds the portal offers for this
// product. Enumeration failures are not fatal: every kind is assumed
// available and per-kind fetches sort it out.
func (h *Harvester) listAssets(ctx context.Context, p models.Product) (map[models.AssetKind]bool, error) {
	if err := h.state.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}
	available, err := h.driver.ListAssets(ctx, p)
	if err != nil {
		if errors.Is(err, session.ErrSessionExpired) {
			h.state.MarkExpired()
			if err := h.state.EnsureAuthenticated(ctx); err != nil {
				return nil, err
			}
			available, err = h.driver.ListAssets(ctx, p)
		}
		if err != nil {
			slog.Warn("asset listing failed, assuming all kinds", "product", p.Code, "err", err)
			return nil, nil
		}
	}
	h.state.NoteHealthy()
	return available, nil
}

// fillCart attempts the vendor's consolidated cart retrieval when the
// driver supports it and all batched kinds still need downloading. A
// failed cart attempt is not an error: the per-kind loop degrades to
// individual fetches with identical treatment.
func (h *Harvester) fillCart(ctx context.Context, p models.Product) error {
	cf, ok := h.driver.(session.CartFetcher)
	if !ok {
		return nil
	}

	var pending []models.AssetKind
	for _, kind := range assets.BatchKinds() {
		if _, done := h.trustedEntry(p, kind); !done {
			pending = append(pending, kind)
		}
	}
	if len(pending) != len(assets.BatchKinds()) {
		// Partial carts are not worth the extra cart round-trip;
		// individual fetches cover the stragglers.
		return nil
	}

	if err := h.state.EnsureAuthenticated(ctx); err != nil {
		return err
	}
	paths, err := cf.FetchBatch(ctx, p, pending)
	if err != nil {
		if errors.Is(err, session.ErrSessionExpired) {
			h.state.MarkExpired()
			return nil
		}
		slog.Warn("cart retrieval failed, falling back to per-kind fetches", "product", p.Code, "err", err)
		return nil
	}
	h.state.NoteHealthy()
	h.cart = paths
	return nil
}

func (h *Harvester) discardCart() {
	for _, path := range h.cart {
		os.Remove(path)
	}
	h.cart = nil
}

// trustedEntry reports whether the ledger has a completed entry whose
// fingerprint still matches the file at the canonical path. Overwrite
// runs ignore the ledger entirely.
func (h *Harvester) trustedEntry(p models.Product, kind models.AssetKind) (models.LedgerEntry, bool) {
	if h.logic.Overwrite {
		return models.LedgerEntry{}, false
	}
	entry, ok := h.ledger.HasCompleted(p.Code, kind)
	if !ok {
		return models.LedgerEntry{}, false
	}

	var size int64
	var magic string
	if _, err := fmt.Sscanf(entry.Fingerprint, "%d:%s", &size, &magic); err != nil {
		return models.LedgerEntry{}, false
	}
	target := h.pack.CanonicalPath(p.Code, kind, "")
	info, err := os.Stat(target)
	if kind == models.KindImage && err != nil {
		// Image extensions follow the source file; probe the common ones.
		for _, ext := range []string{".jpg", ".jpeg", ".gif", ".webp"} {
			info, err = os.Stat(h.pack.CanonicalPath(p.Code, kind, "x"+ext))
			if err == nil {
				break
			}
		}
	}
	if err != nil || info.Size() != size {
		return models.LedgerEntry{}, false
	}
	return entry, true
}

func (h *Harvester) skipFromLedger(p models.Product, kind models.AssetKind) bool {
	entry, ok := h.trustedEntry(p, kind)
	if !ok {
		return false
	}
	slog.Info("already finalized, skipping", "product", p.Code, "kind", kind)
	h.summary.Record(p.Code, kind, StatusSkipped, 0, nil)
	h.recordHistory(p, kind, StatusSkipped, 0, entry.Fingerprint, nil, 0)
	return true
}

// runTask runs the Pending -> Finalized state machine for one (product,
// kind) pair, retrying recoverable failures up to the attempt ceiling
// with linear backoff. After the ceiling the task is recorded as
// permanently failed and the run moves on.
func (h *Harvester) runTask(ctx context.Context, p models.Product, kind models.AssetKind) error {
	task := models.DownloadTask{Product: p, Kind: kind, State: models.TaskPending}
	started := time.Now()

	for task.Attempts < h.logic.MaxRetries {
		if err := ctx.Err(); err != nil {
			return err
		}
		task.Attempts++

		fingerprint, err := h.attempt(ctx, &task)
		if err == nil {
			task.State = models.TaskFinalized
			slog.Info("finalized", "product", p.Code, "kind", kind, "attempts", task.Attempts)
			h.summary.Record(p.Code, kind, StatusFinalized, task.Attempts, nil)
			h.recordHistory(p, kind, StatusFinalized, task.Attempts, fingerprint, nil, time.Since(started))
			return nil
		}

		if errors.Is(err, session.ErrAuthentication) || errors.Is(err, session.ErrReauthLimit) || errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, session.ErrSessionExpired) {
			h.state.MarkExpired()
			// Re-authentication happens at the top of the next
			// attempt; a capped expiry surfaces there as fatal.
			task.State = models.TaskFailed
			task.LastErr = err
			continue
		}

		task.State = models.TaskFailed
		task.LastErr = err
		slog.Warn("attempt failed", "product", p.Code, "kind", kind, "attempt", task.Attempts, "err", err)

		if task.Attempts < h.logic.MaxRetries {
			h.sleep(ctx, time.Duration(task.Attempts*h.logic.DelayMS)*time.Millisecond)
		}
	}

	task.State = models.TaskPermanentlyFailed
	slog.Warn("permanently failed", "product", p.Code, "kind", kind, "attempts", task.Attempts, "err", task.LastErr)
	h.summary.Record(p.Code, kind, StatusFailed, task.Attempts, task.LastErr)
	h.recordHistory(p, kind, StatusFailed, task.Attempts, "", task.LastErr, time.Since(started))
	return nil
}

// attempt performs one Requested -> Downloaded -> Validated ->
// Finalized pass. On success it returns the committed fingerprint.
func (h *Harvester) attempt(ctx context.Context, task *models.DownloadTask) (string, error) {
	if err := h.state.EnsureAuthenticated(ctx); err != nil {
		return "", err
	}

	task.State = models.TaskRequested
	srcPath, fromCart, err := h.fetchOnce(ctx, task.Product, task.Kind)
	if err != nil {
		return "", err
	}
	if !fromCart {
		defer os.Remove(srcPath)
	}
	task.State = models.TaskDownloaded

	res := artifact.Check(srcPath, task.Kind)
	if !res.OK {
		if fromCart {
			// Don't revalidate the same bad cart bytes on retry.
			os.Remove(srcPath)
			delete(h.cart, task.Kind)
		}
		return "", fmt.Errorf("validation failed for %s/%s: %s", task.Product.Code, task.Kind, res.Reason)
	}
	task.State = models.TaskValidated

	target, err := h.pack.Package(srcPath, task.Product.Code, task.Kind)
	if err != nil {
		return "", err
	}

	fingerprint, err := artifact.Fingerprint(target, res)
	if err != nil {
		return "", &packager.PackagingError{Path: target, Err: err}
	}
	if err := h.ledger.MarkCompleted(task.Product.Code, task.Kind, fingerprint); err != nil {
		return "", fmt.Errorf("ledger commit: %w", err)
	}

	h.state.NoteHealthy()
	return fingerprint, nil
}

func (h *Harvester) fetchOnce(ctx context.Context, p models.Product, kind models.AssetKind) (string, bool, error) {
	if path, ok := h.cart[kind]; ok {
		return path, true, nil
	}
	path, err := h.driver.Fetch(ctx, p, kind)
	if err != nil {
		return "", false, err
	}
	return path, false, nil
}

func (h *Harvester) recordHistory(p models.Product, kind models.AssetKind, status string, attempts int, fingerprint string, taskErr error, dur time.Duration) {
	if h.history == nil {
		return
	}
	outcome := models.AssetOutcome{
		RunID:       h.summary.RunID,
		ModelCode:   p.Code,
		AssetKind:   string(kind),
		Status:      status,
		Attempts:    attempts,
		Fingerprint: fingerprint,
		Timestamp:   time.Now().Unix(),
		DurationMS:  dur.Milliseconds(),
	}
	if taskErr != nil {
		outcome.Error = taskErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.history.SaveAssetOutcome(ctx, outcome); err != nil {
		slog.Warn("history store write failed", "product", p.Code, "kind", kind, "err", err)
	}
}

package app

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"ccs_harvester/internal/config"
	"ccs_harvester/internal/ledger"
	"ccs_harvester/internal/models"
	"ccs_harvester/internal/packager"
	"ccs_harvester/internal/session"
)

// ProductSource produces a lazy, finite sequence of products in
// discovery order. Next reports ok=false when the sequence is
// exhausted.
type ProductSource interface {
	Next(ctx context.Context) (models.Product, bool, error)
}

type HarvestApp struct {
	cfg       *config.HarvestConfig
	ledger    *ledger.Ledger
	source    ProductSource
	history   HistoryStore
	harvester *Harvester
	summary   *RunSummary
}

func NewHarvestApp(cfg *config.HarvestConfig, driver session.Driver, source ProductSource, history HistoryStore) (*HarvestApp, error) {
	led := ledger.New(cfg.Output.LedgerPath)
	if err := led.Load(); err != nil {
		return nil, err
	}

	state := session.NewState(driver, session.Credentials{
		Username: cfg.Credentials.Username,
		Password: cfg.Credentials.Password,
	}, cfg.Logic.MaxReauths)

	summary := NewRunSummary()
	pack := &packager.Packager{Root: cfg.Output.Root}
	harvester := NewHarvester(cfg.Logic, driver, state, led, pack, history, summary)

	return &HarvestApp{
		cfg:       cfg,
		ledger:    led,
		source:    source,
		history:   history,
		harvester: harvester,
		summary:   summary,
	}, nil
}

// Run processes products until the source is exhausted, the product cap
// is reached, a fatal error occurs, or the run is interrupted. It
// always finishes by logging the run summary; interruption is safe at
// any point because packaging is atomic and ledger commits are
// per-asset.
func (a *HarvestApp) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.ledger.Close()

	slog.Info("starting harvest",
		"output_root", a.cfg.Output.Root,
		"ledger", a.cfg.Output.LedgerPath,
		"ledger_entries", a.ledger.Len(),
		"overwrite", a.cfg.Logic.Overwrite,
	)

	var fatal error
	processed := 0
	for {
		if a.cfg.Logic.MaxProducts > 0 && processed >= a.cfg.Logic.MaxProducts {
			slog.Info("product limit reached", "max_products", a.cfg.Logic.MaxProducts)
			break
		}
		if ctx.Err() != nil {
			fatal = ctx.Err()
			break
		}

		product, ok, err := a.source.Next(ctx)
		if err != nil {
			slog.Warn("product enumeration failed", "err", err)
			fatal = err
			break
		}
		if !ok {
			break
		}
		processed++

		slog.Info("processing product", "product", product.Code, "series", product.SeriesName, "order", product.Order)
		if err := a.harvester.HarvestProduct(ctx, product); err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Warn("interrupted, shutting down")
			} else {
				slog.Error("run aborted", "product", product.Code, "err", err)
			}
			fatal = err
			break
		}
	}

	a.summary.Log()
	a.saveRunRecord(processed, fatal)
	return fatal
}

func (a *HarvestApp) saveRunRecord(products int, fatal error) {
	if a.history == nil {
		return
	}
	finalized, skipped, failed := a.summary.Totals()
	rec := models.RunRecord{
		RunID:      a.summary.RunID,
		StartedAt:  a.summary.Started.Unix(),
		FinishedAt: time.Now().Unix(),
		Products:   products,
		Finalized:  finalized,
		Skipped:    skipped,
		Failed:     failed,
		Aborted:    fatal != nil,
	}
	if fatal != nil {
		rec.Error = fatal.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.history.SaveRunRecord(ctx, rec); err != nil {
		slog.Warn("failed to persist run record", "err", err)
	}
}

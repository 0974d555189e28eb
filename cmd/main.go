package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"ccs_harvester/internal/app"
	"ccs_harvester/internal/config"
	"ccs_harvester/internal/db"
	"ccs_harvester/internal/portal"

	"github.com/spf13/cobra"
)

var flags struct {
	configPath      string
	outputRoot      string
	seriesURLs      []string
	seriesFile      string
	productFile     string
	maxProducts     int
	overwrite       bool
	sleepMS         int
	downloadTimeout int
	maxRetries      int
	username        string
	password        string
	verbose         bool
}

var rootCmd = &cobra.Command{
	Use:   "ccs_harvester",
	Short: "Harvest per-product technical collateral from the CCS vendor portal",
	Long: `Logs into the vendor catalog, enumerates products series by series and
downloads each product's collateral (catalog, dimension drawing, DXF,
STEP, datasheet, manual, image) into a deterministic local archive.
Finished assets are recorded in a resume ledger, so interrupted runs
pick up exactly where they left off.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to the yaml config file")
	rootCmd.Flags().StringVar(&flags.outputRoot, "output-root", "", "directory where products are stored")
	rootCmd.Flags().StringArrayVar(&flags.seriesURLs, "series-url", nil, "series URL to harvest (repeatable)")
	rootCmd.Flags().StringVar(&flags.seriesFile, "series-file", "", "text/CSV file of series URLs, one per line")
	rootCmd.Flags().StringVar(&flags.productFile, "product-file", "", "file restricting harvest to listed model codes or product URLs")
	rootCmd.Flags().IntVar(&flags.maxProducts, "max-products", 0, "process only the first N products (0 = no limit)")
	rootCmd.Flags().BoolVar(&flags.overwrite, "overwrite", false, "re-download assets already recorded in the ledger")
	rootCmd.Flags().IntVar(&flags.sleepMS, "sleep-ms", 0, "base delay between portal interactions")
	rootCmd.Flags().IntVar(&flags.downloadTimeout, "download-timeout", 0, "seconds to wait for a download or CAD generation")
	rootCmd.Flags().IntVar(&flags.maxRetries, "max-retries", 0, "per-asset attempt ceiling")
	rootCmd.Flags().StringVar(&flags.username, "username", "", "portal login email")
	rootCmd.Flags().StringVar(&flags.password, "password", "", "portal login password")
	rootCmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
}

func loadConfig() (*config.HarvestConfig, error) {
	var cfg *config.HarvestConfig
	if _, err := os.Stat(flags.configPath); err == nil {
		cfg, err = config.LoadConfig(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
		}
	} else {
		cfg = &config.HarvestConfig{}
		cfg.ApplyDefaults()
	}

	if flags.outputRoot != "" {
		cfg.Output.Root = flags.outputRoot
		cfg.Output.LedgerPath = flags.outputRoot + "/.harvest-ledger.jsonl"
	}
	if len(flags.seriesURLs) > 0 {
		cfg.Portal.SeriesURLs = append(cfg.Portal.SeriesURLs, flags.seriesURLs...)
	}
	if flags.seriesFile != "" {
		cfg.Portal.SeriesFile = flags.seriesFile
	}
	if flags.productFile != "" {
		cfg.Portal.ProductFile = flags.productFile
	}
	if flags.maxProducts > 0 {
		cfg.Logic.MaxProducts = flags.maxProducts
	}
	if flags.overwrite {
		cfg.Logic.Overwrite = true
	}
	if flags.sleepMS > 0 {
		cfg.Logic.DelayMS = flags.sleepMS
	}
	if flags.downloadTimeout > 0 {
		cfg.Logic.DownloadTimeoutSec = flags.downloadTimeout
	}
	if flags.maxRetries > 0 {
		cfg.Logic.MaxRetries = flags.maxRetries
	}
	if flags.username != "" {
		cfg.Credentials.Username = flags.username
	}
	if flags.password != "" {
		cfg.Credentials.Password = flags.password
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	driver, err := portal.NewDriver(portal.Options{
		BaseURL:            cfg.Portal.BaseURL,
		LoginPath:          cfg.Portal.LoginPath,
		SeriesPath:         cfg.Portal.SeriesPath,
		UserAgent:          cfg.Portal.UserAgent,
		DelayMS:            cfg.Logic.DelayMS,
		TimeoutSec:         cfg.Logic.TimeoutSec,
		DownloadTimeoutSec: cfg.Logic.DownloadTimeoutSec,
	})
	if err != nil {
		return fmt.Errorf("portal driver: %w", err)
	}
	defer driver.Cleanup()

	seriesURLs := append([]string(nil), cfg.Portal.SeriesURLs...)
	if cfg.Portal.SeriesFile != "" {
		fromFile, err := portal.ReadListFile(cfg.Portal.SeriesFile)
		if err != nil {
			return fmt.Errorf("series file: %w", err)
		}
		seriesURLs = append(seriesURLs, fromFile...)
	}

	var filters []string
	if cfg.Portal.ProductFile != "" {
		filters, err = portal.ReadListFile(cfg.Portal.ProductFile)
		if err != nil {
			return fmt.Errorf("product file: %w", err)
		}
	}
	source := portal.NewSeriesSource(driver, seriesURLs, filters)

	var history app.HistoryStore
	if cfg.History.Connection != "" {
		historyDB, err := db.NewHistoryDB(cfg.History)
		if err != nil {
			return fmt.Errorf("history store: %w", err)
		}
		defer historyDB.Close()
		history = historyDB
	}

	harvestApp, err := app.NewHarvestApp(cfg, driver, source, history)
	if err != nil {
		return err
	}
	if err := harvestApp.Run(context.Background()); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("interrupted")
		}
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

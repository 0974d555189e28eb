package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type PortalConfig struct {
	BaseURL    string   `yaml:"base_url"`
	LoginPath  string   `yaml:"login_path"`
	SeriesPath string   `yaml:"series_path"`
	SeriesURLs []string `yaml:"series_urls"`
	SeriesFile string   `yaml:"series_file"`
	// ProductFile restricts harvesting to the model codes or product
	// URLs listed in the file (text or CSV, first column).
	ProductFile string `yaml:"product_file"`
	UserAgent   string `yaml:"user_agent"`
}

type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type OutputConfig struct {
	Root       string `yaml:"root"`
	LedgerPath string `yaml:"ledger_path"`
}

type LogicConfig struct {
	DelayMS            int  `yaml:"delay_ms"`
	TimeoutSec         int  `yaml:"timeout_sec"`
	DownloadTimeoutSec int  `yaml:"download_timeout_sec"`
	MaxRetries         int  `yaml:"max_retries"`
	MaxReauths         int  `yaml:"max_reauths"`
	MaxProducts        int  `yaml:"max_products"`
	Overwrite          bool `yaml:"overwrite"`
}

// HistoryConfig enables the optional Mongo run-history store. An empty
// connection string disables it; the file ledger stays the durable
// source of truth either way.
type HistoryConfig struct {
	Connection  string `yaml:"connection"`
	Database    string `yaml:"database"`
	Collections struct {
		Assets string `yaml:"assets"`
		Runs   string `yaml:"runs"`
	} `yaml:"collections"`
}

type HarvestConfig struct {
	Portal      PortalConfig      `yaml:"portal"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Output      OutputConfig      `yaml:"output"`
	Logic       LogicConfig       `yaml:"logic"`
	History     HistoryConfig     `yaml:"history"`
}

func LoadConfig(path string) (*HarvestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg HarvestConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *HarvestConfig) ApplyDefaults() {
	if c.Portal.BaseURL == "" {
		c.Portal.BaseURL = "https://www.ccs-grp.com"
	}
	if c.Portal.LoginPath == "" {
		c.Portal.LoginPath = "/login/"
	}
	if c.Portal.SeriesPath == "" {
		c.Portal.SeriesPath = "/products/series/"
	}
	if c.Portal.UserAgent == "" {
		c.Portal.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
	}
	if c.Output.Root == "" {
		c.Output.Root = "output"
	}
	if c.Output.LedgerPath == "" {
		c.Output.LedgerPath = c.Output.Root + "/.harvest-ledger.jsonl"
	}
	if c.Logic.DelayMS == 0 {
		c.Logic.DelayMS = 400
	}
	if c.Logic.TimeoutSec == 0 {
		c.Logic.TimeoutSec = 30
	}
	if c.Logic.DownloadTimeoutSec == 0 {
		c.Logic.DownloadTimeoutSec = 300
	}
	if c.Logic.MaxRetries == 0 {
		c.Logic.MaxRetries = 3
	}
	if c.Logic.MaxReauths == 0 {
		c.Logic.MaxReauths = 1
	}
	if c.History.Collections.Assets == "" {
		c.History.Collections.Assets = "asset_history"
	}
	if c.History.Collections.Runs == "" {
		c.History.Collections.Runs = "runs"
	}
}

func (c *HarvestConfig) Validate() error {
	if c.Credentials.Username == "" || c.Credentials.Password == "" {
		return fmt.Errorf("portal credentials are required")
	}
	return nil
}

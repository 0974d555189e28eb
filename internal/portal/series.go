package portal

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"ccs_harvester/internal/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"
)

// SeriesSource enumerates products lazily: series pages come from
// explicit URLs, a series file, or a crawl of the portal's series
// index; each series page yields its product-table rows in document
// order. A non-empty filter set restricts output to the listed model
// codes or product URLs.
type SeriesSource struct {
	driver  *Driver
	series  []string
	filters map[string]bool

	initialized bool
	robots      *robotstxt.Group
	nextSeries  int
	queue       []models.Product
	order       int
}

func NewSeriesSource(driver *Driver, seriesURLs []string, filters []string) *SeriesSource {
	fset := make(map[string]bool, len(filters))
	for _, f := range filters {
		if f != "" {
			fset[f] = true
		}
	}
	return &SeriesSource{driver: driver, series: seriesURLs, filters: fset}
}

func (s *SeriesSource) Next(ctx context.Context) (models.Product, bool, error) {
	if !s.initialized {
		if err := s.init(ctx); err != nil {
			return models.Product{}, false, err
		}
		s.initialized = true
	}

	for len(s.queue) == 0 {
		if err := ctx.Err(); err != nil {
			return models.Product{}, false, err
		}
		if s.nextSeries >= len(s.series) {
			return models.Product{}, false, nil
		}
		seriesURL := s.series[s.nextSeries]
		s.nextSeries++

		if !s.allowed(seriesURL) {
			slog.Info("series disallowed by robots.txt, skipping", "series", seriesURL)
			continue
		}
		products, err := s.collectProducts(seriesURL)
		if err != nil {
			slog.Warn("failed to enumerate series", "series", seriesURL, "err", err)
			continue
		}
		s.queue = append(s.queue, products...)
	}

	product := s.queue[0]
	s.queue = s.queue[1:]
	return product, true, nil
}

func (s *SeriesSource) init(ctx context.Context) error {
	s.loadRobots()

	if len(s.series) > 0 {
		return nil
	}

	indexURL := s.driver.absURL(s.driver.opts.SeriesPath)
	slog.Info("no series configured, crawling series index", "url", indexURL)
	doc, err := s.driver.fetchDoc(indexURL)
	if err != nil {
		return fmt.Errorf("series index: %w", err)
	}
	doc.Find("div.seriesList a.seriesList__item").Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			s.series = append(s.series, s.driver.absURL(href))
		}
	})
	if len(s.series) == 0 {
		return fmt.Errorf("series index %s yielded no series links", indexURL)
	}
	return nil
}

// loadRobots fetches the host's robots.txt once; failures are ignored
// and treated as allow-all.
func (s *SeriesSource) loadRobots() {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", s.driver.base.Scheme, s.driver.base.Host)
	resp, err := s.driver.httpc.Get(robotsURL)
	if err != nil {
		slog.Warn("failed to load robots.txt, proceeding", "err", err)
		return
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		slog.Warn("failed to parse robots.txt, proceeding", "err", err)
		return
	}
	s.robots = data.FindGroup(s.driver.opts.UserAgent)
}

func (s *SeriesSource) allowed(seriesURL string) bool {
	if s.robots == nil {
		return true
	}
	u, err := url.Parse(seriesURL)
	if err != nil {
		return false
	}
	return s.robots.Test(u.Path)
}

func (s *SeriesSource) collectProducts(seriesURL string) ([]models.Product, error) {
	doc, err := s.driver.fetchDoc(seriesURL)
	if err != nil {
		return nil, err
	}

	seriesName := strings.TrimSpace(doc.Find("h1").First().Text())

	var products []models.Product
	doc.Find("#proDetailBlock table tbody tr").Each(func(_ int, row *goquery.Selection) {
		link := row.Find("th.model-detail h5 a")
		code := sanitizeCode(strings.TrimSpace(link.Text()))
		if code == "" {
			return
		}
		productURL := s.driver.absURL(link.AttrOr("href", ""))
		if productURL == "" {
			productURL = seriesURL
		}
		if len(s.filters) > 0 && !s.filters[code] && !s.filters[productURL] {
			return
		}
		products = append(products, models.Product{
			Code:       code,
			SeriesName: seriesName,
			SeriesURL:  seriesURL,
			ProductURL: productURL,
			Order:      s.order,
		})
		s.order++
	})

	slog.Info("series enumerated", "series", seriesName, "url", seriesURL, "products", len(products))
	return products, nil
}

// ReadListFile loads a series or product list: CSV/TSV files contribute
// their first column, anything else is treated as one entry per line.
func ReadListFile(path string) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".csv" || ext == ".tsv" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		reader := csv.NewReader(f)
		if ext == ".tsv" {
			reader.Comma = '\t'
		}
		reader.FieldsPerRecord = -1

		var out []string
		records, err := reader.ReadAll()
		if err != nil {
			return nil, err
		}
		for _, row := range records {
			if len(row) == 0 {
				continue
			}
			if v := strings.TrimSpace(row[0]); v != "" {
				out = append(out, v)
			}
		}
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if v := strings.TrimSpace(line); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

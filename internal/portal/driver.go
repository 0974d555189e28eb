package portal

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"ccs_harvester/internal/models"
	"ccs_harvester/internal/session"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"
	"golang.org/x/net/html/charset"
)

const maxHops = 15

type Options struct {
	BaseURL            string
	LoginPath          string
	SeriesPath         string
	UserAgent          string
	DelayMS            int
	TimeoutSec         int
	DownloadTimeoutSec int
}

// productPage caches everything Fetch needs for one product: the
// per-kind anchors from its series table row, the CAD portal link, the
// thumbnail URL and the manual link from the detail page.
type productPage struct {
	links    map[models.AssetKind]string
	cadURL   string
	imageURL string
	manual   string
}

// Driver implements the session capability against the vendor portal
// over plain HTTP: a colly collector for HTML navigation, a raw client
// sharing the same cookie jar for file downloads, and a resty client
// for the CAD-generation portal.
type Driver struct {
	opts      Options
	base      *url.URL
	jar       *cookiejar.Jar
	collector *colly.Collector
	httpc     *http.Client
	cad       *cadenasClient
	tempDir   string
	pages     map[string]*productPage
}

var _ session.Driver = (*Driver)(nil)
var _ session.CartFetcher = (*Driver)(nil)

func NewDriver(opts Options) (*Driver, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	host := base.Hostname()
	c := colly.NewCollector(
		colly.AllowedDomains(host, strings.TrimPrefix(host, "www.")),
		colly.UserAgent(opts.UserAgent),
	)
	c.SetCookieJar(jar)
	c.SetRequestTimeout(time.Duration(opts.TimeoutSec) * time.Second)
	c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       time.Duration(opts.DelayMS) * time.Millisecond,
		RandomDelay: time.Duration(opts.DelayMS) * time.Millisecond / 2,
	})

	httpc := &http.Client{
		Jar:     jar,
		Timeout: time.Duration(opts.DownloadTimeoutSec) * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxHops {
				return fmt.Errorf("stopped after %d redirects", maxHops)
			}
			return nil
		},
	}

	tempDir, err := os.MkdirTemp("", "ccs-harvest-")
	if err != nil {
		return nil, err
	}

	return &Driver{
		opts:      opts,
		base:      base,
		jar:       jar,
		collector: c,
		httpc:     httpc,
		cad:       newCadenasClient(opts.UserAgent, time.Duration(opts.DownloadTimeoutSec)*time.Second),
		tempDir:   tempDir,
		pages:     make(map[string]*productPage),
	}, nil
}

// Cleanup removes the driver's temp download directory.
func (d *Driver) Cleanup() {
	os.RemoveAll(d.tempDir)
}

func (d *Driver) absURL(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return d.base.Scheme + ":" + href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return d.base.ResolveReference(ref).String()
}

// fetchDoc visits one portal page and returns the parsed document,
// decoding the response charset the way the portal declares it.
func (d *Driver) fetchDoc(pageURL string) (*goquery.Document, error) {
	var body []byte
	var ctype string

	c := d.collector.Clone()
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
		ctype = r.Headers.Get("Content-Type")
	})
	if err := c.Visit(pageURL); err != nil {
		return nil, fmt.Errorf("visit %s: %w", pageURL, err)
	}

	utf8Reader, err := charset.NewReader(bytes.NewReader(body), ctype)
	if err != nil {
		utf8Reader = bytes.NewReader(body)
	}
	return goquery.NewDocumentFromReader(utf8Reader)
}

func isLoginPage(doc *goquery.Document) bool {
	return doc.Find("form#CustomerLoginForm").Length() > 0
}

// Login authenticates against the portal's customer login form.
// Rejected credentials surface as ErrAuthentication, which aborts the
// run: there is no credential retry, to avoid account lockout.
func (d *Driver) Login(ctx context.Context, creds session.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loginURL := d.absURL(d.opts.LoginPath)

	var body []byte
	c := d.collector.Clone()
	c.OnResponse(func(r *colly.Response) { body = r.Body })
	err := c.Post(loginURL, map[string]string{
		"Customer[login]":            creds.Username,
		"Customer[customerPassword]": creds.Password,
	})
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse login response: %w", err)
	}
	if isLoginPage(doc) {
		return fmt.Errorf("%w: portal returned the login form again", session.ErrAuthentication)
	}
	return nil
}

// headerKinds maps series-table column labels to asset kinds. Columns
// like warranty or handling precautions carry no collateral we track.
var headerKinds = []struct {
	keyword string
	kind    models.AssetKind
}{
	{"catalog", models.KindCatalog},
	{"pdf drawing", models.KindDimension},
	{"dimension", models.KindDimension},
	{"dxf", models.KindDXF},
	{"data sheet", models.KindDatasheet},
	{"datasheet", models.KindDatasheet},
	{"manual", models.KindManual},
}

var excludedHeaders = []string{"warranty", "environmental", "handling precautions"}

// ListAssets parses the product's series-table row (and its detail page
// for the manual link) and reports which kinds the portal offers.
func (d *Driver) ListAssets(ctx context.Context, p models.Product) (map[models.AssetKind]bool, error) {
	page, err := d.loadProductPage(ctx, p)
	if err != nil {
		return nil, err
	}

	available := make(map[models.AssetKind]bool)
	for kind := range page.links {
		available[kind] = true
	}
	if page.cadURL != "" {
		available[models.KindSTEP] = true
	}
	if page.imageURL != "" {
		available[models.KindImage] = true
	}
	if page.manual != "" {
		available[models.KindManual] = true
	}
	return available, nil
}

func (d *Driver) loadProductPage(ctx context.Context, p models.Product) (*productPage, error) {
	if page, ok := d.pages[p.Code]; ok {
		return page, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := d.fetchDoc(p.SeriesURL)
	if err != nil {
		return nil, &session.FetchError{Err: err}
	}
	if isLoginPage(doc) {
		return nil, session.ErrSessionExpired
	}

	var headers []string
	doc.Find("#proDetailBlock table thead th").Each(func(_ int, s *goquery.Selection) {
		headers = append(headers, strings.ToLower(strings.TrimSpace(s.Text())))
	})

	page := &productPage{links: make(map[models.AssetKind]string)}
	found := false
	doc.Find("#proDetailBlock table tbody tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		label := strings.TrimSpace(row.Find("th.model-detail h5").Text())
		if !strings.Contains(label, p.Code) {
			return true
		}
		found = true
		d.parseRow(row, headers, page)
		return false
	})
	if !found {
		return nil, &session.FetchError{Err: fmt.Errorf("product row %q not found on %s", p.Code, p.SeriesURL)}
	}

	if p.ProductURL != "" {
		if manual, err := d.findManualLink(p.ProductURL); err == nil {
			page.manual = manual
		}
	}

	d.pages[p.Code] = page
	return page, nil
}

func (d *Driver) parseRow(row *goquery.Selection, headers []string, page *productPage) {
	if href, ok := row.Find("td.button a[href*='display3dcad']").Attr("href"); ok {
		page.cadURL = d.absURL(href)
	}

	img := row.Find("div.model-thumbnail img")
	src := img.AttrOr("data-src", "")
	if src == "" {
		src = img.AttrOr("src", "")
	}
	page.imageURL = d.absURL(src)

	cells := row.Find("th, td.button")
	for idx, label := range headers {
		if idx >= cells.Length() {
			break
		}
		if containsAny(label, excludedHeaders) {
			continue
		}
		kind, ok := headerKind(label)
		if !ok {
			continue
		}
		href, ok := cells.Eq(idx).Find("a").First().Attr("href")
		if !ok || strings.Contains(href, "display3dcad") {
			continue
		}
		page.links[kind] = d.absURL(href)
	}
}

func headerKind(label string) (models.AssetKind, bool) {
	for _, entry := range headerKinds {
		if strings.Contains(label, entry.keyword) {
			return entry.kind, true
		}
	}
	return "", false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func (d *Driver) findManualLink(productURL string) (string, error) {
	doc, err := d.fetchDoc(productURL)
	if err != nil {
		return "", err
	}
	var manual string
	doc.Find("a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(s.Text()))
		href := s.AttrOr("href", "")
		if strings.Contains(text, "manual") && strings.Contains(strings.ToLower(href), ".pdf") {
			manual = d.absURL(href)
			return false
		}
		return true
	})
	if manual == "" {
		return "", fmt.Errorf("no manual link on %s", productURL)
	}
	return manual, nil
}

// Fetch streams one asset to a local temp path. STEP is routed through
// the CAD-generation portal sub-protocol; the caller sees a temp path
// either way.
func (d *Driver) Fetch(ctx context.Context, p models.Product, kind models.AssetKind) (string, error) {
	page, err := d.loadProductPage(ctx, p)
	if err != nil {
		return "", err
	}

	switch kind {
	case models.KindImage:
		if page.imageURL == "" {
			return "", &session.FetchError{Kind: kind, Err: fmt.Errorf("no thumbnail for %s", p.Code)}
		}
		return d.downloadFile(ctx, page.imageURL, kind)
	case models.KindManual:
		if page.manual == "" {
			return "", &session.FetchError{Kind: kind, Err: fmt.Errorf("no manual for %s", p.Code)}
		}
		return d.downloadFile(ctx, page.manual, kind)
	case models.KindSTEP:
		if page.cadURL == "" {
			return "", &session.FetchError{Kind: kind, Err: fmt.Errorf("no CAD portal link for %s", p.Code)}
		}
		return d.cad.fetchSTEP(ctx, page.cadURL, d.tempDir)
	default:
		href, ok := page.links[kind]
		if !ok {
			return "", &session.FetchError{Kind: kind, Err: fmt.Errorf("portal offers no %s for %s", kind, p.Code)}
		}
		return d.downloadFile(ctx, href, kind)
	}
}

// downloadFile streams a URL into the driver's temp dir with the shared
// cookie jar. An HTML response carrying the login form means the
// session expired mid-run.
func (d *Driver) downloadFile(ctx context.Context, fileURL string, kind models.AssetKind) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", &session.FetchError{Kind: kind, Err: err}
	}
	req.Header.Set("User-Agent", d.opts.UserAgent)

	resp, err := d.httpc.Do(req)
	if err != nil {
		return "", &session.FetchError{Kind: kind, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &session.FetchError{Kind: kind, Err: fmt.Errorf("HTTP %d for %s", resp.StatusCode, fileURL)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &session.FetchError{Kind: kind, Timeout: isTimeout(err), Err: err}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		doc, perr := goquery.NewDocumentFromReader(bytes.NewReader(data))
		if perr == nil && isLoginPage(doc) {
			return "", session.ErrSessionExpired
		}
		return "", &session.FetchError{Kind: kind, Err: fmt.Errorf("expected file, got HTML from %s", fileURL)}
	}

	ext := path.Ext(fileURL)
	if ext == "" || len(ext) > 5 {
		ext = ""
	}
	tmp, err := os.CreateTemp(d.tempDir, "dl-*"+ext)
	if err != nil {
		return "", &session.FetchError{Kind: kind, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &session.FetchError{Kind: kind, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", &session.FetchError{Kind: kind, Err: err}
	}
	return tmp.Name(), nil
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	ok := false
	for e := err; e != nil; {
		if tt, is := e.(timeout); is {
			t, ok = tt, true
			break
		}
		u, is := e.(interface{ Unwrap() error })
		if !is {
			break
		}
		e = u.Unwrap()
	}
	return ok && t.Timeout()
}

// FetchBatch drives the vendor's download cart: queue every batched
// kind via its cart anchor, confirm the cart, download the
// consolidated zip and split it back into per-kind temp files.
func (d *Driver) FetchBatch(ctx context.Context, p models.Product, kinds []models.AssetKind) (map[models.AssetKind]string, error) {
	page, err := d.loadProductPage(ctx, p)
	if err != nil {
		return nil, err
	}

	queued := 0
	for _, kind := range kinds {
		href, ok := page.links[kind]
		if !ok {
			continue
		}
		c := d.collector.Clone()
		if err := c.Visit(href); err != nil {
			slog.Debug("cart add failed", "product", p.Code, "kind", kind, "err", err)
			continue
		}
		queued++
	}
	if queued == 0 {
		return nil, &session.FetchError{Err: fmt.Errorf("no cart anchors for %s", p.Code)}
	}

	cartURL := d.absURL("/mypage/download/")
	doc, err := d.fetchDoc(cartURL)
	if err != nil {
		return nil, &session.FetchError{Err: err}
	}
	if isLoginPage(doc) {
		return nil, session.ErrSessionExpired
	}

	action := doc.Find("form#DownloadForm").AttrOr("action", "/mypage/download/")
	zipPath, err := d.downloadFile(ctx, d.absURL(action), "")
	if err != nil {
		return nil, err
	}
	defer os.Remove(zipPath)

	return d.splitBatch(zipPath, p.Code, kinds)
}

// splitBatch extracts a consolidated cart zip into one temp file per
// classified kind, preserving the entry's original filename so archive
// repackaging keeps it.
func (d *Driver) splitBatch(zipPath, modelCode string, kinds []models.AssetKind) (map[models.AssetKind]string, error) {
	wanted := make(map[models.AssetKind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, &session.FetchError{Err: fmt.Errorf("cart delivery is not a zip: %w", err)}
	}
	defer r.Close()

	batchDir, err := os.MkdirTemp(d.tempDir, "batch-")
	if err != nil {
		return nil, &session.FetchError{Err: err}
	}

	out := make(map[models.AssetKind]string)
	for _, entry := range r.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		kind, ok := classifyEntry(entry.Name, modelCode)
		if !ok || !wanted[kind] {
			continue
		}
		if _, dup := out[kind]; dup {
			continue
		}

		target := filepath.Join(batchDir, filepath.Base(entry.Name))
		if err := extractEntry(entry, target); err != nil {
			slog.Warn("failed to extract cart entry", "entry", entry.Name, "err", err)
			continue
		}
		out[kind] = target
	}

	if len(out) == 0 {
		os.RemoveAll(batchDir)
		return nil, &session.FetchError{Err: fmt.Errorf("cart zip had no classifiable entries for %s", modelCode)}
	}
	return out, nil
}

func extractEntry(entry *zip.File, target string) error {
	in, err := entry.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(target)
		return err
	}
	return out.Close()
}

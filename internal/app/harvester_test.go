package app

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ccs_harvester/internal/config"
	"ccs_harvester/internal/ledger"
	"ccs_harvester/internal/models"
	"ccs_harvester/internal/packager"
	"ccs_harvester/internal/session"

	"github.com/stretchr/testify/require"
)

var (
	pdfBytes = []byte("%PDF-1.4\nfake document body")
	pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
)

func zipBytes(t *testing.T, entryName string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(entryName)
	require.NoError(t, err)
	_, err = w.Write([]byte("geometry"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// fakeDriver is a scripted session capability. Content is served per
// kind; queued errors are consumed before content.
type fakeDriver struct {
	t   *testing.T
	dir string

	logins    int
	loginErr  error
	content   map[models.AssetKind][]byte
	fetchErrs map[models.AssetKind][]error
	fetches   map[models.AssetKind]int
	available map[models.AssetKind]bool
}

func newFakeDriver(t *testing.T) *fakeDriver {
	d := &fakeDriver{
		t:         t,
		dir:       t.TempDir(),
		content:   make(map[models.AssetKind][]byte),
		fetchErrs: make(map[models.AssetKind][]error),
		fetches:   make(map[models.AssetKind]int),
	}
	d.content[models.KindCatalog] = pdfBytes
	d.content[models.KindDimension] = pdfBytes
	d.content[models.KindDatasheet] = pdfBytes
	d.content[models.KindManual] = pdfBytes
	d.content[models.KindDXF] = zipBytes(t, "model.dxf")
	d.content[models.KindSTEP] = []byte("ISO-10303-21 step data")
	d.content[models.KindImage] = pngBytes
	return d
}

func (d *fakeDriver) Login(ctx context.Context, creds session.Credentials) error {
	d.logins++
	return d.loginErr
}

func (d *fakeDriver) ListAssets(ctx context.Context, p models.Product) (map[models.AssetKind]bool, error) {
	return d.available, nil
}

func (d *fakeDriver) Fetch(ctx context.Context, p models.Product, kind models.AssetKind) (string, error) {
	d.fetches[kind]++
	if errs := d.fetchErrs[kind]; len(errs) > 0 {
		err := errs[0]
		d.fetchErrs[kind] = errs[1:]
		return "", err
	}

	ext := ".pdf"
	switch kind {
	case models.KindDXF:
		ext = ".zip"
	case models.KindSTEP:
		ext = ".stp"
	case models.KindImage:
		ext = ".png"
	}
	tmp, err := os.CreateTemp(d.dir, "fetch-*"+ext)
	require.NoError(d.t, err)
	_, err = tmp.Write(d.content[kind])
	require.NoError(d.t, err)
	require.NoError(d.t, tmp.Close())
	return tmp.Name(), nil
}

func (d *fakeDriver) totalFetches() int {
	total := 0
	for _, n := range d.fetches {
		total += n
	}
	return total
}

type harness struct {
	harvester *Harvester
	ledger    *ledger.Ledger
	summary   *RunSummary
	root      string
}

func newHarness(t *testing.T, driver session.Driver, root, ledgerPath string, overwrite bool) *harness {
	t.Helper()
	logic := config.LogicConfig{
		DelayMS:    1,
		MaxRetries: 3,
		MaxReauths: 1,
		Overwrite:  overwrite,
	}
	led := ledger.New(ledgerPath)
	require.NoError(t, led.Load())
	t.Cleanup(func() { led.Close() })

	state := session.NewState(driver, session.Credentials{Username: "u", Password: "p"}, logic.MaxReauths)
	summary := NewRunSummary()
	h := NewHarvester(logic, driver, state, led, &packager.Packager{Root: root}, nil, summary)
	h.sleep = func(ctx context.Context, d time.Duration) {}

	return &harness{harvester: h, ledger: led, summary: summary, root: root}
}

func product(code string) models.Product {
	return models.Product{Code: code, SeriesName: "LDR2", SeriesURL: "https://portal/series/ldr2", ProductURL: "https://portal/product/" + code}
}

func TestHarvestFinalizesAllKinds(t *testing.T) {
	driver := newFakeDriver(t)
	h := newHarness(t, driver, t.TempDir(), filepath.Join(t.TempDir(), "ledger.jsonl"), false)

	require.NoError(t, h.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))

	expected := []string{
		"LDR2-32RD2/LDR2-32RD2_Catalog.pdf",
		"LDR2-32RD2/LDR2-32RD2_Dimension.pdf",
		"LDR2-32RD2/LDR2-32RD2_DXF.zip",
		"LDR2-32RD2/LDR2-32RD2_STEP.zip",
		"LDR2-32RD2/LDR2-32RD2_Datasheet.pdf",
		"LDR2-32RD2/LDR2-32RD2_Manual.pdf",
		"LDR2-32RD2/Images/LDR2-32RD2.png",
	}
	for _, rel := range expected {
		_, err := os.Stat(filepath.Join(h.root, filepath.FromSlash(rel)))
		require.NoError(t, err, "missing %s", rel)
	}

	finalized, skipped, failed := h.summary.Totals()
	require.Equal(t, 7, finalized)
	require.Equal(t, 0, skipped)
	require.Equal(t, 0, failed)
	require.Equal(t, 7, h.ledger.Len())

	// The bare STEP delivery was wrapped, keeping its original name.
	r, err := zip.OpenReader(filepath.Join(h.root, "LDR2-32RD2", "LDR2-32RD2_STEP.zip"))
	require.NoError(t, err)
	defer r.Close()
	require.Len(t, r.File, 1)
}

func TestValidationGateRetriesThenRecordsPermanentFailure(t *testing.T) {
	driver := newFakeDriver(t)
	driver.content[models.KindCatalog] = []byte("<html>not a pdf</html>")
	h := newHarness(t, driver, t.TempDir(), filepath.Join(t.TempDir(), "ledger.jsonl"), false)

	require.NoError(t, h.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))

	require.Equal(t, 3, driver.fetches[models.KindCatalog])
	_, err := os.Stat(filepath.Join(h.root, "LDR2-32RD2", "LDR2-32RD2_Catalog.pdf"))
	require.True(t, os.IsNotExist(err), "invalid file must never reach the canonical path")

	failures := h.summary.Failures()
	require.Equal(t, []models.AssetKind{models.KindCatalog}, failures["LDR2-32RD2"])

	// The rest of the product was still collected.
	finalized, _, failed := h.summary.Totals()
	require.Equal(t, 6, finalized)
	require.Equal(t, 1, failed)
	_, ok := h.ledger.HasCompleted("LDR2-32RD2", models.KindCatalog)
	require.False(t, ok)
}

func TestSecondRunIsIdempotent(t *testing.T) {
	root := t.TempDir()
	ledgerPath := filepath.Join(t.TempDir(), "ledger.jsonl")

	first := newHarness(t, newFakeDriver(t), root, ledgerPath, false)
	require.NoError(t, first.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))
	require.NoError(t, first.ledger.Close())

	driver := newFakeDriver(t)
	second := newHarness(t, driver, root, ledgerPath, false)
	require.NoError(t, second.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))

	require.Equal(t, 0, driver.totalFetches(), "second run must not re-fetch finalized assets")
	require.Equal(t, 0, driver.logins, "nothing to fetch means no login")
	_, skipped, _ := second.summary.Totals()
	require.Equal(t, 7, skipped)
	require.Equal(t, 7, second.ledger.Len())
}

func TestResumeProcessesOnlyRemainingAssets(t *testing.T) {
	root := t.TempDir()
	ledgerPath := filepath.Join(t.TempDir(), "ledger.jsonl")

	// First run: STEP fails permanently, everything else finalizes.
	driver := newFakeDriver(t)
	driver.fetchErrs[models.KindSTEP] = []error{
		&session.FetchError{Kind: models.KindSTEP, Timeout: true, Err: fmt.Errorf("generation stuck")},
		&session.FetchError{Kind: models.KindSTEP, Timeout: true, Err: fmt.Errorf("generation stuck")},
		&session.FetchError{Kind: models.KindSTEP, Timeout: true, Err: fmt.Errorf("generation stuck")},
	}
	first := newHarness(t, driver, root, ledgerPath, false)
	require.NoError(t, first.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))
	require.NoError(t, first.ledger.Close())

	// Second run: only STEP is fetched.
	driver2 := newFakeDriver(t)
	second := newHarness(t, driver2, root, ledgerPath, false)
	require.NoError(t, second.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))

	require.Equal(t, 1, driver2.fetches[models.KindSTEP])
	require.Equal(t, 1, driver2.totalFetches())
	_, ok := second.ledger.HasCompleted("LDR2-32RD2", models.KindSTEP)
	require.True(t, ok)
}

func TestOverwriteIgnoresLedger(t *testing.T) {
	root := t.TempDir()
	ledgerPath := filepath.Join(t.TempDir(), "ledger.jsonl")

	first := newHarness(t, newFakeDriver(t), root, ledgerPath, false)
	require.NoError(t, first.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))
	require.NoError(t, first.ledger.Close())

	driver := newFakeDriver(t)
	second := newHarness(t, driver, root, ledgerPath, true)
	require.NoError(t, second.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))
	require.Equal(t, 7, driver.totalFetches())
}

func TestStaleLedgerEntryIsNotTrusted(t *testing.T) {
	root := t.TempDir()
	ledgerPath := filepath.Join(t.TempDir(), "ledger.jsonl")

	first := newHarness(t, newFakeDriver(t), root, ledgerPath, false)
	require.NoError(t, first.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))
	require.NoError(t, first.ledger.Close())

	// Corrupt the canonical catalog file: size no longer matches the
	// recorded fingerprint.
	catalogPath := filepath.Join(root, "LDR2-32RD2", "LDR2-32RD2_Catalog.pdf")
	require.NoError(t, os.WriteFile(catalogPath, []byte("%P"), 0o644))

	driver := newFakeDriver(t)
	second := newHarness(t, driver, root, ledgerPath, false)
	require.NoError(t, second.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))
	require.Equal(t, 1, driver.fetches[models.KindCatalog])
	require.Equal(t, 1, driver.totalFetches())
}

func TestSessionExpiryTriggersReloginAndResubmit(t *testing.T) {
	driver := newFakeDriver(t)
	driver.fetchErrs[models.KindCatalog] = []error{session.ErrSessionExpired}
	h := newHarness(t, driver, t.TempDir(), filepath.Join(t.TempDir(), "ledger.jsonl"), false)

	require.NoError(t, h.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))

	require.Equal(t, 2, driver.logins, "expiry must force a re-login")
	_, ok := h.ledger.HasCompleted("LDR2-32RD2", models.KindCatalog)
	require.True(t, ok)
}

func TestRepeatedExpiryAbortsRun(t *testing.T) {
	driver := newFakeDriver(t)
	driver.fetchErrs[models.KindCatalog] = []error{
		session.ErrSessionExpired,
		session.ErrSessionExpired,
	}
	h := newHarness(t, driver, t.TempDir(), filepath.Join(t.TempDir(), "ledger.jsonl"), false)

	err := h.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2"))
	require.ErrorIs(t, err, session.ErrReauthLimit)
}

func TestRejectedCredentialsAbortRun(t *testing.T) {
	driver := newFakeDriver(t)
	driver.loginErr = fmt.Errorf("%w: bad password", session.ErrAuthentication)
	h := newHarness(t, driver, t.TempDir(), filepath.Join(t.TempDir(), "ledger.jsonl"), false)

	err := h.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2"))
	require.ErrorIs(t, err, session.ErrAuthentication)
	require.Equal(t, 0, driver.totalFetches())
}

func TestPermanentStepFailureDoesNotBlockRestOfRun(t *testing.T) {
	driver := newFakeDriver(t)
	driver.fetchErrs[models.KindSTEP] = []error{
		&session.FetchError{Kind: models.KindSTEP, Err: fmt.Errorf("portal 500")},
		&session.FetchError{Kind: models.KindSTEP, Err: fmt.Errorf("portal 500")},
		&session.FetchError{Kind: models.KindSTEP, Err: fmt.Errorf("portal 500")},
	}
	h := newHarness(t, driver, t.TempDir(), filepath.Join(t.TempDir(), "ledger.jsonl"), false)

	require.NoError(t, h.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))
	require.NoError(t, h.harvester.HarvestProduct(context.Background(), product("LDR2-40BL")))

	// Datasheet, Manual and Image of the first product survived the
	// STEP failure, and the second product is untouched by it.
	for _, rel := range []string{
		"LDR2-32RD2/LDR2-32RD2_Datasheet.pdf",
		"LDR2-32RD2/LDR2-32RD2_Manual.pdf",
		"LDR2-32RD2/Images/LDR2-32RD2.png",
		"LDR2-40BL/LDR2-40BL_STEP.zip",
	} {
		_, err := os.Stat(filepath.Join(h.root, filepath.FromSlash(rel)))
		require.NoError(t, err, "missing %s", rel)
	}

	finalized, _, failed := h.summary.Totals()
	require.Equal(t, 13, finalized)
	require.Equal(t, 1, failed)
}

func TestUnofferedOptionalKindsAreSkippedSilently(t *testing.T) {
	driver := newFakeDriver(t)
	driver.available = map[models.AssetKind]bool{
		models.KindCatalog:   true,
		models.KindDimension: true,
		models.KindDXF:       true,
		models.KindSTEP:      true,
		models.KindDatasheet: true,
		// no Manual, no Image
	}
	h := newHarness(t, driver, t.TempDir(), filepath.Join(t.TempDir(), "ledger.jsonl"), false)

	require.NoError(t, h.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))

	require.Equal(t, 0, driver.fetches[models.KindManual])
	require.Equal(t, 0, driver.fetches[models.KindImage])
	finalized, skipped, failed := h.summary.Totals()
	require.Equal(t, 5, finalized)
	require.Equal(t, 0, skipped)
	require.Equal(t, 0, failed)
}

// cartDriver adds the consolidated cart capability on top of the
// scripted driver.
type cartDriver struct {
	*fakeDriver
	batches int
}

func (d *cartDriver) FetchBatch(ctx context.Context, p models.Product, kinds []models.AssetKind) (map[models.AssetKind]string, error) {
	d.batches++
	out := make(map[models.AssetKind]string, len(kinds))
	for _, kind := range kinds {
		ext := ".pdf"
		switch kind {
		case models.KindDXF:
			ext = ".zip"
		case models.KindSTEP:
			ext = ".stp"
		}
		tmp, err := os.CreateTemp(d.dir, "cart-*"+ext)
		require.NoError(d.t, err)
		_, err = tmp.Write(d.content[kind])
		require.NoError(d.t, err)
		require.NoError(d.t, tmp.Close())
		out[kind] = tmp.Name()
	}
	return out, nil
}

func TestCartBatchAvoidsIndividualFetches(t *testing.T) {
	driver := &cartDriver{fakeDriver: newFakeDriver(t)}
	h := newHarness(t, driver, t.TempDir(), filepath.Join(t.TempDir(), "ledger.jsonl"), false)

	require.NoError(t, h.harvester.HarvestProduct(context.Background(), product("LDR2-32RD2")))

	require.Equal(t, 1, driver.batches)
	for _, kind := range []models.AssetKind{models.KindCatalog, models.KindDimension, models.KindDXF, models.KindSTEP} {
		require.Equal(t, 0, driver.fetches[kind], "batched kind %s must not be fetched individually", kind)
	}
	// Output is identical to the per-kind path.
	finalized, _, failed := h.summary.Totals()
	require.Equal(t, 7, finalized)
	require.Equal(t, 0, failed)
	require.Equal(t, 7, h.ledger.Len())
}

func TestCancellationStopsBetweenAssets(t *testing.T) {
	driver := newFakeDriver(t)
	h := newHarness(t, driver, t.TempDir(), filepath.Join(t.TempDir(), "ledger.jsonl"), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.harvester.HarvestProduct(ctx, product("LDR2-32RD2"))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, h.ledger.Len())
}

package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ccs_harvester/internal/models"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	led := New(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, led.Load())
	defer led.Close()

	require.Equal(t, 0, led.Len())
	_, ok := led.HasCompleted("LDR2-32RD2", models.KindCatalog)
	require.False(t, ok)
}

func TestMarkAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	led := New(path)
	require.NoError(t, led.Load())
	require.NoError(t, led.MarkCompleted("LDR2-32RD2", models.KindCatalog, "1234:pdf"))
	require.NoError(t, led.MarkCompleted("LDR2-32RD2", models.KindDXF, "999:zip"))
	require.NoError(t, led.Close())

	// A fresh process sees everything committed before the close.
	led = New(path)
	require.NoError(t, led.Load())
	defer led.Close()

	entry, ok := led.HasCompleted("LDR2-32RD2", models.KindCatalog)
	require.True(t, ok)
	require.Equal(t, "1234:pdf", entry.Fingerprint)

	_, ok = led.HasCompleted("LDR2-32RD2", models.KindSTEP)
	require.False(t, ok)
	require.Equal(t, 2, led.Len())
}

func TestCommitIsDurablePerAsset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	led := New(path)
	require.NoError(t, led.Load())
	require.NoError(t, led.MarkCompleted("A-1", models.KindCatalog, "10:pdf"))
	// No Close: simulates an interrupted run.

	other := New(path)
	require.NoError(t, other.Load())
	defer other.Close()
	_, ok := other.HasCompleted("A-1", models.KindCatalog)
	require.True(t, ok)
}

func TestRedownloadAppendsNewRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	led := New(path)
	require.NoError(t, led.Load())
	require.NoError(t, led.MarkCompleted("A-1", models.KindCatalog, "10:pdf"))
	require.NoError(t, led.MarkCompleted("A-1", models.KindCatalog, "20:pdf"))
	require.NoError(t, led.Close())

	led = New(path)
	require.NoError(t, led.Load())
	defer led.Close()

	// Later records win on reload.
	entry, ok := led.HasCompleted("A-1", models.KindCatalog)
	require.True(t, ok)
	require.Equal(t, "20:pdf", entry.Fingerprint)
	require.Equal(t, 1, led.Len())
}

func TestLineOrientedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	led := New(path)
	require.NoError(t, led.Load())
	require.NoError(t, led.MarkCompleted("A-1", models.KindDXF, "5:zip"))
	require.NoError(t, led.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], `"model_code":"A-1"`)
	require.Contains(t, lines[0], `"asset_kind":"DXF"`)
}

func TestCorruptLineFailsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"model_code\":\"A\"}\nnot json\n"), 0o644))

	led := New(path)
	err := led.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 2")
}

func TestMarkWithoutLoad(t *testing.T) {
	led := New(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.Error(t, led.MarkCompleted("A-1", models.KindCatalog, "1:pdf"))
}

package artifact

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"ccs_harvester/internal/models"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writeZip(t *testing.T, entries map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestCheckPDF(t *testing.T) {
	good := writeFile(t, "doc.pdf", []byte("%PDF-1.7\nsome content"))
	res := Check(good, models.KindCatalog)
	require.True(t, res.OK)
	require.Equal(t, "pdf", res.Magic)

	bad := writeFile(t, "doc.pdf", []byte("<html>login required</html>"))
	res = Check(bad, models.KindDimension)
	require.False(t, res.OK)
	require.Contains(t, res.Reason, "%PDF")

	empty := writeFile(t, "doc.pdf", nil)
	require.False(t, Check(empty, models.KindDatasheet).OK)
}

func TestCheckArchive(t *testing.T) {
	good := writeZip(t, map[string][]byte{"model.dxf": []byte("dxf data")})
	res := Check(good, models.KindDXF)
	require.True(t, res.OK)
	require.Equal(t, "zip", res.Magic)

	empty := writeZip(t, nil)
	res = Check(empty, models.KindSTEP)
	require.False(t, res.OK)
	require.Contains(t, res.Reason, "no entries")

	// Bare CAD payloads are acceptable; packaging wraps them later.
	bare := writeFile(t, "model.stp", []byte("ISO-10303-21;\nHEADER;"))
	res = Check(bare, models.KindSTEP)
	require.True(t, res.OK)
	require.Equal(t, "zip", res.Magic)

	expired := writeFile(t, "bad.zip", []byte("<html><body>please log in</body></html>"))
	res = Check(expired, models.KindDXF)
	require.False(t, res.OK)
	require.Contains(t, res.Reason, "HTML")

	zero := writeFile(t, "zero.zip", nil)
	require.False(t, Check(zero, models.KindSTEP).OK)
}

func TestCheckImage(t *testing.T) {
	png := writeFile(t, "thumb.png", pngHeader)
	res := Check(png, models.KindImage)
	require.True(t, res.OK)
	require.Equal(t, "img", res.Magic)

	zero := writeFile(t, "thumb.png", nil)
	require.False(t, Check(zero, models.KindImage).OK)

	html := writeFile(t, "thumb.png", []byte("<html></html>"))
	require.False(t, Check(html, models.KindImage).OK)
}

func TestCheckDoesNotMutate(t *testing.T) {
	path := writeFile(t, "doc.pdf", []byte("%PDF-1.4 abc"))
	before, err := os.Stat(path)
	require.NoError(t, err)

	Check(path, models.KindCatalog)

	after, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, before.Size(), after.Size())
}

func TestFingerprint(t *testing.T) {
	path := writeFile(t, "doc.pdf", []byte("%PDF-1.4"))
	res := Check(path, models.KindCatalog)
	require.True(t, res.OK)

	fp, err := Fingerprint(path, res)
	require.NoError(t, err)
	require.Equal(t, "8:pdf", fp)
}

package assets

import (
	"testing"

	"ccs_harvester/internal/models"

	"github.com/stretchr/testify/require"
)

func TestRelPathNaming(t *testing.T) {
	testCases := []struct {
		kind     models.AssetKind
		srcExt   string
		expected string
	}{
		{models.KindCatalog, ".pdf", "LDR2-32RD2/LDR2-32RD2_Catalog.pdf"},
		{models.KindDimension, ".pdf", "LDR2-32RD2/LDR2-32RD2_Dimension.pdf"},
		{models.KindDXF, ".dxf", "LDR2-32RD2/LDR2-32RD2_DXF.zip"},
		{models.KindSTEP, ".stp", "LDR2-32RD2/LDR2-32RD2_STEP.zip"},
		{models.KindDatasheet, ".pdf", "LDR2-32RD2/LDR2-32RD2_Datasheet.pdf"},
		{models.KindManual, ".pdf", "LDR2-32RD2/LDR2-32RD2_Manual.pdf"},
		{models.KindImage, ".jpg", "LDR2-32RD2/Images/LDR2-32RD2.jpg"},
		{models.KindImage, "", "LDR2-32RD2/Images/LDR2-32RD2.png"},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.expected, RelPath("LDR2-32RD2", tc.kind, tc.srcExt),
			"kind %s srcExt %q", tc.kind, tc.srcExt)
	}
}

func TestRelPathIgnoresSourceExtForDocuments(t *testing.T) {
	// The source delivery name never leaks into document paths.
	require.Equal(t, "X/X_Dimension.pdf", RelPath("X", models.KindDimension, ".tmp"))
}

func TestRequiredAndArchiveFlags(t *testing.T) {
	require.True(t, Lookup(models.KindCatalog).Required)
	require.True(t, Lookup(models.KindDatasheet).Required)
	require.False(t, Lookup(models.KindManual).Required)
	require.False(t, Lookup(models.KindImage).Required)

	require.True(t, Lookup(models.KindDXF).Archive)
	require.True(t, Lookup(models.KindSTEP).Archive)
	require.False(t, Lookup(models.KindCatalog).Archive)
}

func TestBatchKinds(t *testing.T) {
	require.Equal(t, []models.AssetKind{
		models.KindCatalog,
		models.KindDimension,
		models.KindDXF,
		models.KindSTEP,
	}, BatchKinds())
}

func TestOrderStartsWithBatchKinds(t *testing.T) {
	require.Len(t, Order, 7)
	require.Equal(t, models.KindDatasheet, Order[4])
	require.Equal(t, models.KindManual, Order[5])
	require.Equal(t, models.KindImage, Order[6])
}

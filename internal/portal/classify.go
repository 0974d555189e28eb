package portal

import (
	"path"
	"strings"

	"ccs_harvester/internal/models"
)

// keywordKinds maps lowercase filename keywords to asset kinds, in
// match priority order. Mirrors the vendor's naming of files inside the
// consolidated cart zip.
var keywordKinds = []struct {
	keyword string
	kind    models.AssetKind
}{
	{"manual", models.KindManual},
	{"catalog", models.KindCatalog},
	{"dimension drawing", models.KindDimension},
	{"dimension", models.KindDimension},
	{"dxf", models.KindDXF},
	{"step", models.KindSTEP},
	{"data sheet", models.KindDatasheet},
	{"datasheet", models.KindDatasheet},
}

// classifyEntry maps one filename from a cart delivery to its asset
// kind. The vendor is inconsistent, so keyword matching is backed by
// the historical prefix conventions (c_ catalogs, d_ drawings, m_
// manuals) and a dimension-stem heuristic. ok=false means the entry is
// not collateral we track.
func classifyEntry(name, modelCode string) (models.AssetKind, bool) {
	lower := strings.ToLower(name)
	for _, entry := range keywordKinds {
		if strings.Contains(lower, entry.keyword) {
			return entry.kind, true
		}
	}

	base := path.Base(lower)
	ext := path.Ext(base)
	switch {
	case strings.HasPrefix(base, "c_"):
		return models.KindCatalog, true
	case strings.HasPrefix(base, "d_"):
		return models.KindDimension, true
	case strings.HasPrefix(base, "m_"):
		return models.KindManual, true
	case ext == ".stp" || ext == ".step":
		return models.KindSTEP, true
	case ext == ".dxf":
		return models.KindDXF, true
	case looksLikeDimension(base, modelCode):
		return models.KindDimension, true
	case strings.Contains(base, strings.ToLower(modelCode)) && ext == ".pdf":
		return models.KindDatasheet, true
	}
	return "", false
}

// looksLikeDimension recognizes the vendor's "<model>_E.pdf" dimension
// drawing naming.
func looksLikeDimension(base, modelCode string) bool {
	stem := strings.TrimSuffix(base, path.Ext(base))
	if strings.Contains(stem, "drawing") {
		return true
	}
	return strings.HasSuffix(stem, "_e") && strings.HasPrefix(stem, strings.ToLower(modelCode))
}

// sanitizeCode normalizes a scraped model code into a filesystem-safe
// identifier.
func sanitizeCode(code string) string {
	code = strings.NewReplacer("/", "-", "\\", "-", ":", "-").Replace(code)
	return strings.Join(strings.Fields(code), " ")
}

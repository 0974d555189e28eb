package assets

import (
	"path"

	"ccs_harvester/internal/models"
)

// Spec describes the naming and packaging rules for one asset kind.
// The table is the single source of truth consumed by both the packager
// and the orchestrator.
type Spec struct {
	Kind     models.AssetKind
	Suffix   string // canonical filename suffix, empty for images
	Ext      string // target extension including the dot
	Required bool
	// Batch marks the kinds that are queued together in the vendor
	// download cart before one combined retrieval is triggered.
	Batch bool
	// Archive kinds are always materialized as zip containers
	// regardless of how the portal delivers them.
	Archive bool
}

var table = map[models.AssetKind]Spec{
	models.KindCatalog:   {Kind: models.KindCatalog, Suffix: "_Catalog", Ext: ".pdf", Required: true, Batch: true},
	models.KindDimension: {Kind: models.KindDimension, Suffix: "_Dimension", Ext: ".pdf", Required: true, Batch: true},
	models.KindDXF:       {Kind: models.KindDXF, Suffix: "_DXF", Ext: ".zip", Required: true, Batch: true, Archive: true},
	models.KindSTEP:      {Kind: models.KindSTEP, Suffix: "_STEP", Ext: ".zip", Required: true, Batch: true, Archive: true},
	models.KindDatasheet: {Kind: models.KindDatasheet, Suffix: "_Datasheet", Ext: ".pdf", Required: true},
	models.KindManual:    {Kind: models.KindManual, Suffix: "_Manual", Ext: ".pdf"},
	models.KindImage:     {Kind: models.KindImage, Ext: ".png"},
}

// Order is the fixed processing order per product: the cart-batched
// kinds first, then Datasheet, then the optional kinds.
var Order = []models.AssetKind{
	models.KindCatalog,
	models.KindDimension,
	models.KindDXF,
	models.KindSTEP,
	models.KindDatasheet,
	models.KindManual,
	models.KindImage,
}

func Lookup(kind models.AssetKind) Spec {
	return table[kind]
}

func BatchKinds() []models.AssetKind {
	var kinds []models.AssetKind
	for _, k := range Order {
		if table[k].Batch {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// RelPath returns the canonical path of an asset relative to the output
// root. srcExt is only consulted for images, whose extension follows
// the source file; every other kind has a fixed target extension.
func RelPath(code string, kind models.AssetKind, srcExt string) string {
	spec := table[kind]
	if kind == models.KindImage {
		ext := srcExt
		if ext == "" {
			ext = spec.Ext
		}
		return path.Join(code, "Images", code+ext)
	}
	return path.Join(code, code+spec.Suffix+spec.Ext)
}

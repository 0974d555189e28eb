package models

// AssetKind is one of the seven categories of collateral collected per
// product. The string values are stable: they appear in ledger records
// and in run history documents.
type AssetKind string

const (
	KindCatalog   AssetKind = "Catalog"
	KindDimension AssetKind = "Dimension"
	KindDXF       AssetKind = "DXF"
	KindSTEP      AssetKind = "STEP"
	KindDatasheet AssetKind = "Datasheet"
	KindManual    AssetKind = "Manual"
	KindImage     AssetKind = "Image"
)

type Product struct {
	Code       string
	SeriesName string
	SeriesURL  string
	ProductURL string
	// Order is the discovery order within the run; products are
	// processed in this order.
	Order int
}

type TaskState int

const (
	TaskPending TaskState = iota
	TaskRequested
	TaskDownloaded
	TaskValidated
	TaskFinalized
	TaskFailed
	TaskPermanentlyFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "Pending"
	case TaskRequested:
		return "Requested"
	case TaskDownloaded:
		return "Downloaded"
	case TaskValidated:
		return "Validated"
	case TaskFinalized:
		return "Finalized"
	case TaskFailed:
		return "Failed"
	case TaskPermanentlyFailed:
		return "PermanentlyFailed"
	default:
		return "Unknown"
	}
}

type DownloadTask struct {
	Product  Product
	Kind     AssetKind
	State    TaskState
	Attempts int
	LastErr  error
}

type LedgerEntry struct {
	ModelCode   string `json:"model_code"`
	AssetKind   string `json:"asset_kind"`
	Fingerprint string `json:"fingerprint"`
	FinalizedAt int64  `json:"finalized_at"`
}

// AssetOutcome is one row of the run history store, recording one
// terminal state of a DownloadTask.
type AssetOutcome struct {
	RunID       string `bson:"run_id"`
	ModelCode   string `bson:"model_code"`
	AssetKind   string `bson:"asset_kind"`
	Status      string `bson:"status"` // finalized, skipped, failed
	Attempts    int    `bson:"attempts"`
	Fingerprint string `bson:"fingerprint,omitempty"`
	Error       string `bson:"error,omitempty"`
	Timestamp   int64  `bson:"timestamp"`
	DurationMS  int64  `bson:"duration_ms"`
}

type RunRecord struct {
	RunID      string `bson:"run_id"`
	StartedAt  int64  `bson:"started_at"`
	FinishedAt int64  `bson:"finished_at"`
	Products   int    `bson:"products"`
	Finalized  int    `bson:"finalized"`
	Skipped    int    `bson:"skipped"`
	Failed     int    `bson:"failed"`
	Aborted    bool   `bson:"aborted"`
	Error      string `bson:"error,omitempty"`
}

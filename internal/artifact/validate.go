package artifact

import (
	"archive/zip"
	"fmt"
	"net/http"
	"os"
	"strings"

	"ccs_harvester/internal/assets"
	"ccs_harvester/internal/models"
)

var pdfMagic = []byte("%PDF")

// Result is a pass/fail classification with a short diagnostic reason
// for logging. Validation never mutates ledger or filesystem state.
type Result struct {
	OK     bool
	Magic  string // pdf, zip or img when OK
	Reason string
}

// Check verifies that a freshly downloaded file is structurally sound
// for its kind: PDF kinds must carry the 4-byte %PDF signature, archive
// kinds must be a non-empty zip or a bare CAD payload, images must be
// non-empty with a recognizable image container signature.
func Check(path string, kind models.AssetKind) Result {
	switch {
	case kind == models.KindImage:
		return checkImage(path)
	case assets.Lookup(kind).Archive:
		return checkArchive(path)
	default:
		return checkPDF(path)
	}
}

func checkPDF(path string) Result {
	f, err := os.Open(path)
	if err != nil {
		return Result{Reason: fmt.Sprintf("unreadable: %v", err)}
	}
	defer f.Close()

	head := make([]byte, len(pdfMagic))
	n, _ := f.Read(head)
	if n < len(pdfMagic) || string(head[:n]) != string(pdfMagic) {
		return Result{Reason: "missing %PDF signature"}
	}
	return Result{OK: true, Magic: "pdf"}
}

// checkArchive accepts either a zip container with at least one entry
// or a bare CAD payload. Bare payloads get wrapped into the canonical
// zip during packaging, so the magic classification is zip either way.
// Session-expiry pages arrive as HTML and are rejected.
func checkArchive(path string) Result {
	r, err := zip.OpenReader(path)
	if err == nil {
		defer r.Close()
		if len(r.File) == 0 {
			return Result{Reason: "zip container has no entries"}
		}
		return Result{OK: true, Magic: "zip"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Reason: fmt.Sprintf("unreadable: %v", err)}
	}
	if len(data) == 0 {
		return Result{Reason: "zero-length file"}
	}
	sniff := data
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	if ctype := http.DetectContentType(sniff); strings.HasPrefix(ctype, "text/html") {
		return Result{Reason: "got an HTML page instead of CAD data"}
	}
	return Result{OK: true, Magic: "zip"}
}

func checkImage(path string) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Reason: fmt.Sprintf("unreadable: %v", err)}
	}
	if len(data) == 0 {
		return Result{Reason: "zero-length image"}
	}
	sniff := data
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	ctype := http.DetectContentType(sniff)
	if len(ctype) < 6 || ctype[:6] != "image/" {
		return Result{Reason: fmt.Sprintf("unrecognized image signature (%s)", ctype)}
	}
	return Result{OK: true, Magic: "img"}
}

// Fingerprint derives the ledger fingerprint of a finalized file:
// size plus the magic classification. On resume the size half is
// rechecked against the canonical file before the entry is trusted.
func Fingerprint(path string, res Result) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%s", info.Size(), res.Magic), nil
}

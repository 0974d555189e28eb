package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ccs_harvester/internal/models"
)

// Ledger is the durable record of finalized (product, kind) pairs. It
// is a line-oriented file of JSON objects so operators can diff and
// grep it. Entries are appended on every finalize, never batched, so an
// interrupted run keeps all progress up to the last committed asset.
type Ledger struct {
	path string

	mu      sync.Mutex
	entries map[string]models.LedgerEntry
	file    *os.File
}

func key(code string, kind models.AssetKind) string {
	return code + "\x00" + string(kind)
}

func New(path string) *Ledger {
	return &Ledger{path: path, entries: make(map[string]models.LedgerEntry)}
}

// Load reads the ledger file at run start. A missing file is an empty
// ledger. Later records win for a duplicate key, so a re-downloaded
// asset simply appends a fresh record.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var entry models.LedgerEntry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			f.Close()
			return fmt.Errorf("ledger %s line %d: %w", l.path, line, err)
		}
		l.entries[key(entry.ModelCode, models.AssetKind(entry.AssetKind))] = entry
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return fmt.Errorf("read ledger: %w", err)
	}

	l.file = f
	return nil
}

func (l *Ledger) HasCompleted(code string, kind models.AssetKind) (models.LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key(code, kind)]
	return entry, ok
}

// MarkCompleted appends one record and syncs it to disk before
// returning, so the commit is durable the moment the task is marked
// Finalized.
func (l *Ledger) MarkCompleted(code string, kind models.AssetKind, fingerprint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("ledger not loaded")
	}

	entry := models.LedgerEntry{
		ModelCode:   code,
		AssetKind:   string(kind),
		Fingerprint: fingerprint,
		FinalizedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	l.entries[key(code, kind)] = entry
	return nil
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

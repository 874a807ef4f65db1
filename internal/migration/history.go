package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

// HistoryStore is the durable ledger of migration attempts, one record per
// migration id. *store.SQLite implements it.
type HistoryStore interface {
	// GetMigration returns the record for id or an error wrapping
	// ops.ErrNotFound.
	GetMigration(ctx context.Context, id string) (*store.MigrationRecord, error)

	// UpsertMigration replaces the record for rec.MigrationID.
	UpsertMigration(ctx context.Context, rec store.MigrationRecord) error

	// ListMigrations returns every record ordered by id.
	ListMigrations(ctx context.Context) ([]store.MigrationRecord, error)
}

// ErrHistoryCorrupted indicates the history file exists but cannot be read.
// Callers should stop rather than treat every migration as pending.
var ErrHistoryCorrupted = errors.New("migration history file corrupted")

// FileHistoryVersion is the schema version of the history file.
const FileHistoryVersion = 1

type fileHistoryData struct {
	Version    int                              `json:"version"`
	Migrations map[string]store.MigrationRecord `json:"migrations"`
}

// FileHistory keeps migration history in a JSON file. Every call reads the
// file under an exclusive lockfile, and writes replace it atomically, so
// several processes can share one file.
type FileHistory struct {
	mu       sync.Mutex
	filePath string
}

// NewFileHistory returns a history backed by filePath. The file is created
// on the first write.
func NewFileHistory(filePath string) (*FileHistory, error) {
	if filePath == "" {
		return nil, errors.New("history file path is required")
	}
	return &FileHistory{filePath: filePath}, nil
}

// Path returns the history file path.
func (h *FileHistory) Path() string { return h.filePath }

// GetMigration implements HistoryStore.
func (h *FileHistory) GetMigration(_ context.Context, id string) (*store.MigrationRecord, error) {
	var out *store.MigrationRecord
	err := h.withData(false, func(d *fileHistoryData) error {
		rec, ok := d.Migrations[id]
		if !ok {
			return fmt.Errorf("migration %s: %w", id, ops.ErrNotFound)
		}
		out = &rec
		return nil
	})
	return out, err
}

// UpsertMigration implements HistoryStore.
func (h *FileHistory) UpsertMigration(_ context.Context, rec store.MigrationRecord) error {
	if rec.MigrationID == "" {
		return errors.New("migration id is required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return h.withData(true, func(d *fileHistoryData) error {
		d.Migrations[rec.MigrationID] = rec
		return nil
	})
}

// ListMigrations implements HistoryStore.
func (h *FileHistory) ListMigrations(_ context.Context) ([]store.MigrationRecord, error) {
	var out []store.MigrationRecord
	err := h.withData(false, func(d *fileHistoryData) error {
		for _, rec := range d.Migrations {
			out = append(out, rec)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MigrationID < out[j].MigrationID })
	return out, err
}

// withData loads the file under the lock, runs fn, and saves the result
// when write is set and fn succeeded.
func (h *FileHistory) withData(write bool, fn func(*fileHistoryData) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	unlock, err := h.acquireFileLock()
	if err != nil {
		return fmt.Errorf("acquiring file lock: %w", err)
	}
	defer unlock()

	data, err := h.load()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	if !write {
		return nil
	}
	return h.save(data)
}

func (h *FileHistory) load() (*fileHistoryData, error) {
	raw, err := os.ReadFile(h.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileHistoryData{Version: FileHistoryVersion, Migrations: map[string]store.MigrationRecord{}}, nil
		}
		return nil, fmt.Errorf("reading migration history: %w", err)
	}

	var data fileHistoryData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHistoryCorrupted, err)
	}
	if data.Version != FileHistoryVersion {
		return nil, fmt.Errorf("%w: unsupported version %d (expected %d)",
			ErrHistoryCorrupted, data.Version, FileHistoryVersion)
	}
	if data.Migrations == nil {
		data.Migrations = map[string]store.MigrationRecord{}
	}
	return &data, nil
}

func (h *FileHistory) save(data *fileHistoryData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling migration history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(h.filePath), 0o750); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}

	tmpPath := h.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("writing history temp file: %w", err)
	}
	if err := os.Rename(tmpPath, h.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming history temp file: %w", err)
	}
	return nil
}

// acquireFileLock creates filePath.lock exclusively, retrying briefly. A
// lock older than staleLockAge whose owner is gone is removed.
func (h *FileHistory) acquireFileLock() (func(), error) {
	lockPath := h.filePath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	const maxRetries = 10
	const retryDelay = 100 * time.Millisecond
	const staleLockAge = 30 * time.Second

	for range maxRetries {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if removeStaleLock(lockPath, staleLockAge) {
			continue
		}
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("could not acquire lock on %s after retries", lockPath)
}

func removeStaleLock(lockPath string, staleLockAge time.Duration) bool {
	info, err := os.Stat(lockPath)
	if err != nil || time.Since(info.ModTime()) <= staleLockAge {
		return false
	}
	if lockOwnerAlive(lockPath) {
		return false
	}
	_ = os.Remove(lockPath)
	return true
}

func lockOwnerAlive(lockPath string) bool {
	raw, err := os.ReadFile(lockPath)
	if err != nil || len(raw) == 0 {
		return false
	}
	var pid int
	if _, err := fmt.Sscanf(string(raw), "%d", &pid); err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

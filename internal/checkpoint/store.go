package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raold/second-brain-sub001/internal/ops"
)

// checkpointFileExtension is the file extension used for checkpoint files.
const checkpointFileExtension = ".json"

// Common checkpoint errors.
var (
	ErrCheckpointNotFound = fmt.Errorf("checkpoint %w", ops.ErrNotFound)
	ErrInvalidCheckpoint  = errors.New("checkpoint operation id cannot be empty")
)

// Store persists checkpoints.
type Store interface {
	Save(c *Checkpoint) error
	Load(id string) (*Checkpoint, error)
	Latest(operationID string, purpose Purpose) (*Checkpoint, error)
	List(operationID string) ([]*Checkpoint, error)
	Delete(id string) error
	PurgeExpired(now time.Time) (int, error)
}

// FileStore keeps one JSON file per checkpoint in a directory.
// Thread-safe for concurrent access.
type FileStore struct {
	// directory is the checkpoint directory path.
	directory string

	// retention is how long a checkpoint is kept before PurgeExpired removes it.
	retention time.Duration

	// mu protects concurrent access to file operations.
	mu sync.RWMutex
}

// NewFileStore creates a checkpoint store rooted at directory, creating it if
// needed. A non-positive retention uses DefaultRetention.
func NewFileStore(directory string, retention time.Duration) (*FileStore, error) {
	if directory == "" {
		return nil, errors.New("checkpoint directory cannot be empty")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	if err := os.MkdirAll(directory, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &FileStore{directory: directory, retention: retention}, nil
}

// Save writes c, assigning an id and creation time when unset.
// An existing checkpoint with the same id is overwritten.
func (s *FileStore) Save(c *Checkpoint) error {
	if c == nil || c.OperationID == "" {
		return ErrInvalidCheckpoint
	}
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Purpose == "" {
		c.Purpose = PurposeProgress
	}

	data, err := encode(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.idToFilePath(c.ID)

	// Write to temporary file first, then rename for atomicity
	tempPath := filePath + ".tmp"
	if writeErr := os.WriteFile(tempPath, data, 0o600); writeErr != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", writeErr)
	}
	if renameErr := os.Rename(tempPath, filePath); renameErr != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename checkpoint file: %w", renameErr)
	}
	return nil
}

// Load reads a checkpoint by id. A missing file returns ErrCheckpointNotFound;
// an unreadable or tampered one returns an error wrapping
// ops.ErrCheckpointCorrupted.
func (s *FileStore) Load(id string) (*Checkpoint, error) {
	if id == "" {
		return nil, ErrCheckpointNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.idToFilePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	c, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", id, err)
	}
	if c.ID != id {
		return nil, fmt.Errorf("checkpoint %s: %w: stored id %s", id, ops.ErrCheckpointCorrupted, c.ID)
	}
	return c, nil
}

// Latest returns the newest checkpoint of the given purpose for an operation.
func (s *FileStore) Latest(operationID string, purpose Purpose) (*Checkpoint, error) {
	all, err := s.List(operationID)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Purpose == purpose {
			return all[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no %s checkpoint for %s", ErrCheckpointNotFound, purpose, operationID)
}

// List returns the readable checkpoints of an operation oldest first. An
// empty operationID lists every operation. Corrupted files are skipped.
func (s *FileStore) List(operationID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var out []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != checkpointFileExtension {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(s.directory, entry.Name()))
		if readErr != nil {
			continue
		}
		c, decodeErr := decode(data)
		if decodeErr != nil {
			continue
		}
		if operationID != "" && c.OperationID != operationID {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a checkpoint. Deleting a missing checkpoint is not an error.
func (s *FileStore) Delete(id string) error {
	if id == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.idToFilePath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return nil
}

// PurgeExpired removes checkpoints created before now minus the retention
// window and returns how many were removed. Corrupted files are aged by their
// modification time.
func (s *FileStore) PurgeExpired(now time.Time) (int, error) {
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	removed := 0
	for _, dirEntry := range entries {
		if dirEntry.IsDir() || filepath.Ext(dirEntry.Name()) != checkpointFileExtension {
			continue
		}
		filePath := filepath.Join(s.directory, dirEntry.Name())

		created, ok := s.createdAt(filePath)
		if !ok {
			info, infoErr := dirEntry.Info()
			if infoErr != nil {
				continue
			}
			created = info.ModTime()
		}
		if created.Before(cutoff) {
			if removeErr := os.Remove(filePath); removeErr == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *FileStore) createdAt(filePath string) (time.Time, bool) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return time.Time{}, false
	}
	c, err := decode(data)
	if err != nil {
		return time.Time{}, false
	}
	return c.CreatedAt, true
}

// Count returns the number of checkpoint files, readable or not.
func (s *FileStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == checkpointFileExtension {
			count++
		}
	}
	return count, nil
}

// Directory returns the checkpoint directory path.
func (s *FileStore) Directory() string {
	return s.directory
}

// Retention returns the retention window.
func (s *FileStore) Retention() time.Duration {
	return s.retention
}

// idToFilePath converts a checkpoint id to a file path.
// The id is sanitized to ensure filesystem safety.
func (s *FileStore) idToFilePath(id string) string {
	safeID := strings.ReplaceAll(id, "/", "_")
	safeID = strings.ReplaceAll(safeID, "\\", "_")
	safeID = strings.ReplaceAll(safeID, ":", "_")
	return filepath.Join(s.directory, safeID+checkpointFileExtension)
}

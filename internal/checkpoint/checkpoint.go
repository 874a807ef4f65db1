package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

// Purpose distinguishes resume checkpoints from rollback points.
type Purpose string

// Checkpoint purposes.
const (
	// PurposeProgress marks a checkpoint used to resume an interrupted operation.
	PurposeProgress Purpose = "progress"

	// PurposeRollback marks a checkpoint holding the inverse write set of an operation.
	PurposeRollback Purpose = "rollback"
)

// Checkpoint is a named, timestamped snapshot of an operation's progress.
type Checkpoint struct {
	// ID is a ULID assigned on first save.
	ID string `json:"id"`

	// OperationID is the operation (or migration) the checkpoint belongs to.
	OperationID string `json:"operation_id"`

	// Name is a human-readable label, e.g. "batch-12" or "pre-delete".
	Name string `json:"name,omitempty"`

	// Purpose is progress or rollback.
	Purpose Purpose `json:"purpose"`

	// Kind is the kind of operation that produced the checkpoint.
	Kind ops.Kind `json:"kind"`

	// Offset is the number of input items fully handled (written, failed or
	// skipped) when the checkpoint was taken.
	Offset int `json:"offset"`

	// Total is the input size, or 0 when unknown.
	Total int `json:"total,omitempty"`

	// ProcessedIDs are the item keys already handled; a resume skips them.
	ProcessedIDs []string `json:"processed_ids,omitempty"`

	// WrittenIDs are the record ids written so far.
	WrittenIDs []string `json:"written_ids,omitempty"`

	// Affected holds record pre-images for rollback points. For inserts it is
	// empty and WrittenIDs alone define the inverse (delete).
	Affected []store.Record `json:"affected,omitempty"`

	// CreatedAt is set on save.
	CreatedAt time.Time `json:"created_at"`
}

// NewID returns a fresh checkpoint id.
func NewID() string {
	return ulid.Make().String()
}

// HasProcessed reports whether key is in ProcessedIDs.
func (c *Checkpoint) HasProcessed(key string) bool {
	return slices.Contains(c.ProcessedIDs, key)
}

// ProcessedSet returns ProcessedIDs as a set.
func (c *Checkpoint) ProcessedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.ProcessedIDs))
	for _, id := range c.ProcessedIDs {
		set[id] = struct{}{}
	}
	return set
}

// Age returns the time since the checkpoint was created.
func (c *Checkpoint) Age() time.Duration {
	return time.Since(c.CreatedAt)
}

// verify reports why a decoded checkpoint cannot be trusted.
func (c *Checkpoint) verify() error {
	if c.ID == "" || c.OperationID == "" {
		return fmt.Errorf("%w: missing id or operation id", ops.ErrCheckpointCorrupted)
	}
	if c.Purpose != PurposeProgress && c.Purpose != PurposeRollback {
		return fmt.Errorf("%w: unknown purpose %q", ops.ErrCheckpointCorrupted, c.Purpose)
	}
	if c.Offset < 0 || (c.Total > 0 && c.Offset > c.Total) {
		return fmt.Errorf("%w: offset %d out of range (total %d)", ops.ErrCheckpointCorrupted, c.Offset, c.Total)
	}
	return nil
}

// envelope is the on-disk form: the checkpoint bytes and their checksum.
type envelope struct {
	Version    int             `json:"version"`
	Checksum   string          `json:"checksum"`
	Checkpoint json.RawMessage `json:"checkpoint"`
}

const envelopeVersion = 1

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encode(c *Checkpoint) ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling checkpoint: %w", err)
	}
	return json.Marshal(envelope{
		Version:    envelopeVersion,
		Checksum:   checksum(payload),
		Checkpoint: payload,
	})
}

// decode parses and verifies file contents. Every failure wraps
// ops.ErrCheckpointCorrupted.
func decode(data []byte) (*Checkpoint, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ops.ErrCheckpointCorrupted, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ops.ErrCheckpointCorrupted, env.Version)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Checkpoint); err != nil || compact.Len() == 0 {
		return nil, fmt.Errorf("%w: missing checkpoint body", ops.ErrCheckpointCorrupted)
	}
	if checksum(compact.Bytes()) != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ops.ErrCheckpointCorrupted)
	}
	var c Checkpoint
	if err := json.Unmarshal(env.Checkpoint, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ops.ErrCheckpointCorrupted, err)
	}
	if err := c.verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

package ops

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Sentinel errors forming the failure taxonomy. Compare with errors.Is.
var (
	// ErrValidation marks an item that failed its configured validation level.
	// The item is skipped and the operation continues.
	ErrValidation = errors.New("validation failed")

	// ErrSafetyViolation marks an operation-wide limit breach. No writes happen.
	ErrSafetyViolation = errors.New("safety violation")

	// ErrTransientStorage marks a failed batch write (connectivity, constraint,
	// timeout). Only the batch is affected.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrPrecondition marks a migration whose preconditions do not hold.
	ErrPrecondition = errors.New("precondition failed")

	// ErrPostcondition marks a migration whose postconditions do not hold
	// after a nominally successful apply.
	ErrPostcondition = errors.New("postcondition failed")

	// ErrDependencyCycle marks a migration set whose dependencies form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrUnmetDependency marks a migration whose dependencies are not applied.
	ErrUnmetDependency = errors.New("unmet dependency")

	// ErrCheckpointCorrupted marks an unreadable or invalid checkpoint found
	// while resuming.
	ErrCheckpointCorrupted = errors.New("checkpoint corrupted")

	// ErrCancelled marks work stopped by a cancellation request.
	ErrCancelled = errors.New("operation cancelled")

	// ErrTimeout marks a batch that exceeded its configured timeout.
	ErrTimeout = errors.New("operation timed out")

	// ErrDuplicate marks an item whose content was already seen.
	ErrDuplicate = errors.New("duplicate content")

	// ErrNotFound marks a missing operation, migration, or checkpoint.
	ErrNotFound = errors.New("not found")

	// ErrOperationActive marks a second submission for an id that is still running.
	ErrOperationActive = errors.New("operation already active")
)

// MaxErrorMessageLength bounds the human-facing error text kept per item.
const MaxErrorMessageLength = 500

// ErrorKind is the machine-readable category of an error.
type ErrorKind string

// Error kinds used in error summaries.
const (
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindSafety        ErrorKind = "safety_violation"
	ErrorKindStorage       ErrorKind = "transient_storage"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindPrecondition  ErrorKind = "precondition"
	ErrorKindPostcondition ErrorKind = "postcondition"
	ErrorKindCycle         ErrorKind = "dependency_cycle"
	ErrorKindDependency    ErrorKind = "unmet_dependency"
	ErrorKindCheckpoint    ErrorKind = "checkpoint_corruption"
	ErrorKindCancelled     ErrorKind = "cancelled"
	ErrorKindDuplicate     ErrorKind = "duplicate"
	ErrorKindNotFound      ErrorKind = "not_found"
	ErrorKindUnknown       ErrorKind = "unknown"
)

// Classify maps err onto the error taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, ErrSafetyViolation):
		return ErrorKindSafety
	case errors.Is(err, ErrTransientStorage):
		return ErrorKindStorage
	case errors.Is(err, ErrPrecondition):
		return ErrorKindPrecondition
	case errors.Is(err, ErrPostcondition):
		return ErrorKindPostcondition
	case errors.Is(err, ErrDependencyCycle):
		return ErrorKindCycle
	case errors.Is(err, ErrUnmetDependency):
		return ErrorKindDependency
	case errors.Is(err, ErrCheckpointCorrupted):
		return ErrorKindCheckpoint
	case errors.Is(err, ErrDuplicate):
		return ErrorKindDuplicate
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	}
	return ErrorKindUnknown
}

// SafetyViolationError lists every limit an operation breached.
type SafetyViolationError struct {
	Reasons []string
}

func (e *SafetyViolationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSafetyViolation, strings.Join(e.Reasons, "; "))
}

// Unwrap lets errors.Is match ErrSafetyViolation.
func (e *SafetyViolationError) Unwrap() error { return ErrSafetyViolation }

// ItemError is a human-facing error attached to an item or batch.
type ItemError struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Position int       `json:"position"`
	ItemID   string    `json:"item_id,omitempty"`
	Batch    int       `json:"batch"`
}

// NewItemError builds an ItemError with a truncated message. Batch is -1 for
// errors raised before batching.
func NewItemError(err error, position int, itemID string, batch int) ItemError {
	return ItemError{
		Kind:     Classify(err),
		Message:  Truncate(err.Error(), MaxErrorMessageLength),
		Position: position,
		ItemID:   itemID,
		Batch:    batch,
	}
}

func (e ItemError) String() string {
	if e.ItemID != "" {
		return fmt.Sprintf("[%s] item %d (%s): %s", e.Kind, e.Position, e.ItemID, e.Message)
	}
	return fmt.Sprintf("[%s] item %d: %s", e.Kind, e.Position, e.Message)
}

// Truncate shortens s to at most limit runes, marking the cut with "...".
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

// ErrorSummary counts errors per kind.
type ErrorSummary map[ErrorKind]int

// Add increments the count for kind by n.
func (s ErrorSummary) Add(kind ErrorKind, n int) {
	if n <= 0 || kind == "" {
		return
	}
	s[kind] += n
}

// Total returns the number of errors across all kinds.
func (s ErrorSummary) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}

// String renders the summary in a stable order.
func (s ErrorSummary) String() string {
	if len(s) == 0 {
		return "none"
	}
	kinds := make([]string, 0, len(s))
	for k := range s {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s[ErrorKind(k)]))
	}
	return strings.Join(parts, ", ")
}

package conversation

import (
	"errors"
	"fmt"

	"github.com/mpedrazzi/intentchat/internal/intent"
	"github.com/mpedrazzi/intentchat/internal/store"
)

// ErrEmptyInput rejects blank utterances before any state is touched.
var ErrEmptyInput = errors.New("empty input provided")

// ClassificationError surfaces a classification failure the fallback could
// not absorb. The raw input is preserved so a caller can resubmit it.
type ClassificationError struct {
	Input string
	Err   error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed: %v", e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// PartialCommitError reports a turn pair committed halfway: the human turn
// is durable but the assistant turn could not be appended. It names enough
// for repair or reconciliation.
type PartialCommitError struct {
	SessionID    string
	CommittedSeq int64
	Missing      store.Role
	Err          error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("partial commit in session %s: turn %d committed, %s half missing: %v",
		e.SessionID, e.CommittedSeq, e.Missing, e.Err)
}

func (e *PartialCommitError) Unwrap() error { return e.Err }

// Stable error codes for user-visible failure payloads.
const (
	CodeEmptyInput           = "EMPTY_INPUT"
	CodeClassificationFailed = "CLASSIFICATION_FAILED"
	CodePartialCommit        = "PARTIAL_COMMIT"
	CodeStorageError         = "STORAGE_ERROR"
	CodeConfigurationError   = "CONFIGURATION_ERROR"
	CodeInternalError        = "INTERNAL_ERROR"
)

// ErrorCode maps an error to its stable code.
func ErrorCode(err error) string {
	var (
		classification *ClassificationError
		partial        *PartialCommitError
		configuration  *intent.ConfigurationError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyInput):
		return CodeEmptyInput
	case errors.As(err, &partial):
		return CodePartialCommit
	case errors.As(err, &classification):
		return CodeClassificationFailed
	case errors.As(err, &configuration):
		return CodeConfigurationError
	case store.IsStorageError(err):
		return CodeStorageError
	default:
		return CodeInternalError
	}
}

package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a stage failure for operator-facing reporting.
type Kind string

const (
	// KindInput marks malformed or unreadable source data.
	KindInput Kind = "input"
	// KindCollaborator marks an enricher or classifier failure that
	// survived retry/degradation policy.
	KindCollaborator Kind = "collaborator"
	// KindCheckpoint marks persisted stage output that cannot be read
	// back; resume is impossible and a forced rerun is required.
	KindCheckpoint Kind = "checkpoint"
	// KindValidation marks stage output violating a table invariant.
	KindValidation Kind = "validation"
	// KindCanceled marks an operator interrupt; the interrupted stage is
	// not checkpointed and re-executes in full on resume.
	KindCanceled Kind = "canceled"
	// KindInternal marks everything else: artifact IO, encoding, store
	// failures.
	KindInternal Kind = "internal"
)

// StageError is the structured failure surfaced when a run halts. It names
// the failing stage and its error kind; prior checkpoints stay intact, so
// re-invoking the run with the same configuration resumes at this stage.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s error: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from an error chain. Returns "" for
// errors that did not originate in a stage.
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func stageErr(stage string, kind Kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

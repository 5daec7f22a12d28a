package refine

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// CheckpointSchemaVersion is written into every checkpoint's metadata block. Readers accept any version up to
// and including this one.
const CheckpointSchemaVersion = 1

// CheckpointStore implementations should all be tested with adaptertest.RunCheckpointStoreTest. Concurrent Save
// calls for different workflow ids must not interfere. Saves for the same id are serialised by the caller.
type CheckpointStore interface {
	// Save persists state atomically so that a crash mid-write never corrupts the last good checkpoint. When
	// backup is true an additional timestamped copy is kept and backups beyond the store's retention are
	// pruned oldest first.
	Save(ctx context.Context, state *WorkflowState, backup bool) error
	// Load returns the latest checkpoint of a workflow, falling back to the newest valid backup when the
	// primary checkpoint is missing or corrupt. ErrCheckpointNotFound is returned when neither exists and
	// ErrCheckpointCorrupt when only unreadable checkpoints exist.
	Load(ctx context.Context, id string) (*WorkflowState, error)
	// ListBackups returns the backups of a workflow, newest first.
	ListBackups(ctx context.Context, id string) ([]BackupInfo, error)
	// List summarises every workflow that has a primary checkpoint.
	List(ctx context.Context) ([]Summary, error)
	// Delete removes a workflow's checkpoint and all of its backups.
	Delete(ctx context.Context, id string) error
}

// BackupInfo describes one backup copy of a checkpoint.
type BackupInfo struct {
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
	Size       int64     `json:"size"`
	Iteration  int       `json:"iteration"`
}

// CheckpointMetadata is the metadata block of the checkpoint document.
type CheckpointMetadata struct {
	SchemaVersion int       `json:"schema_version"`
	WrittenAt     time.Time `json:"written_at"`
}

type checkpointDocument struct {
	Metadata CheckpointMetadata `json:"metadata"`
	State    *WorkflowState     `json:"state"`
}

// MarshalCheckpoint encodes state as a checkpoint document. It is the single point of change should the
// encoding change.
func MarshalCheckpoint(state *WorkflowState, writtenAt time.Time) ([]byte, error) {
	b, err := json.MarshalIndent(checkpointDocument{
		Metadata: CheckpointMetadata{
			SchemaVersion: CheckpointSchemaVersion,
			WrittenAt:     writtenAt.UTC(),
		},
		State: state,
	}, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal checkpoint", j.MKV{"workflow_id": state.ID})
	}

	return b, nil
}

// UnmarshalCheckpoint decodes a checkpoint document. Any document that cannot be used returns an error
// wrapping ErrCheckpointCorrupt. Unknown fields are ignored.
func UnmarshalCheckpoint(b []byte) (*WorkflowState, CheckpointMetadata, error) {
	var doc checkpointDocument
	err := json.Unmarshal(b, &doc)
	if err != nil {
		return nil, CheckpointMetadata{}, errors.Wrap(ErrCheckpointCorrupt, err.Error())
	}

	if doc.Metadata.SchemaVersion < 1 || doc.Metadata.SchemaVersion > CheckpointSchemaVersion {
		return nil, doc.Metadata, errors.Wrap(ErrCheckpointCorrupt, "unsupported schema version", j.MKV{
			"schema_version": doc.Metadata.SchemaVersion,
		})
	}

	if doc.State == nil || doc.State.ID == "" || !doc.State.Status.Valid() {
		return nil, doc.Metadata, errors.Wrap(ErrCheckpointCorrupt, "missing state")
	}

	if doc.State.CurrentIteration != len(doc.State.IterationHistory) {
		return nil, doc.Metadata, errors.Wrap(ErrCheckpointCorrupt, "iteration count does not match history", j.MKV{
			"workflow_id":       doc.State.ID,
			"current_iteration": doc.State.CurrentIteration,
			"history":           len(doc.State.IterationHistory),
		})
	}

	return doc.State, doc.Metadata, nil
}

var workflowIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidateWorkflowID rejects ids that cannot safely be used as file names or keys.
func ValidateWorkflowID(id string) error {
	if !workflowIDPattern.MatchString(id) {
		return errors.Wrap(ErrInvalidWorkflowID, "", j.MKV{"workflow_id": id})
	}

	return nil
}

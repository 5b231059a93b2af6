package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"

	"assetxfer/internal/transfer"
)

// ErrCorrupt is wrapped by the error LoadCheckpoint returns when a stored entry
// cannot be decoded. Such an entry will never load, so callers treat it as no
// checkpoint and may delete it.
var ErrCorrupt = errors.New("corrupt checkpoint")

// Key identifies one stored checkpoint
type Key struct {
	TaskID    string
	LocalPath string
}

// Store defines the interface for task and checkpoint persistence
type Store interface {
	// Task records
	SaveTask(task *transfer.Task) error
	DeleteTask(id string) error
	ListTasks() ([]*transfer.Task, error)

	// Resume state. LoadCheckpoint returns (nil, nil) when nothing is stored
	// and an error wrapping ErrCorrupt when the entry cannot be decoded. Any
	// other error is transient: the entry may still be valid, so callers must
	// propagate it and leave the stored state in place.
	SaveCheckpoint(cp *transfer.Checkpoint) error
	LoadCheckpoint(taskID, localPath string) (*transfer.Checkpoint, error)
	DeleteCheckpoint(taskID, localPath string) error
	ListCheckpointKeys() ([]Key, error)

	// Cleanup
	Close() error
}

// Open creates the store selected by backend ("sqlite" or "badger") at path
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "sqlite":
		return NewSQLiteStore(path)
	case "badger":
		return NewBadgerStore(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend: %s", backend)
	}
}

func encodeCheckpoint(cp *transfer.Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return data, nil
}

func decodeCheckpoint(data []byte) (*transfer.Checkpoint, error) {
	var cp transfer.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &cp, nil
}

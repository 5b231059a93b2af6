package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"assetxfer/internal/transfer"

	"github.com/dgraph-io/badger/v4"
)

const (
	taskPrefix       = "task:"
	checkpointPrefix = "checkpoint:"
)

// BadgerStore implements Store on an embedded BadgerDB
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a Badger store in dir. An empty dir opens an in-memory store.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func taskKey(id string) []byte {
	return []byte(taskPrefix + id)
}

// Task IDs never contain ':', so the first separator after the prefix splits the key
func checkpointKey(taskID, localPath string) []byte {
	return []byte(checkpointPrefix + taskID + ":" + localPath)
}

// SaveTask saves or updates a task record
func (b *BadgerStore) SaveTask(task *transfer.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(taskKey(task.ID), data)
	})
}

// DeleteTask removes a task record
func (b *BadgerStore) DeleteTask(id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(taskKey(id))
	})
}

// ListTasks returns all task records in submission order
func (b *BadgerStore) ListTasks() ([]*transfer.Task, error) {
	var tasks []*transfer.Task
	prefix := []byte(taskPrefix)

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var task transfer.Task
				if err := json.Unmarshal(v, &task); err != nil {
					return fmt.Errorf("failed to decode task %s: %w", it.Item().Key(), err)
				}
				tasks = append(tasks, &task)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].Seq < tasks[j].Seq
	})
	return tasks, nil
}

// SaveCheckpoint upserts the checkpoint for (TaskID, LocalPath)
func (b *BadgerStore) SaveCheckpoint(cp *transfer.Checkpoint) error {
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(cp.TaskID, cp.LocalPath), data)
	})
}

// LoadCheckpoint returns the stored checkpoint, nil when none exists
func (b *BadgerStore) LoadCheckpoint(taskID, localPath string) (*transfer.Checkpoint, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(taskID, localPath))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(data)
}

// DeleteCheckpoint removes a checkpoint; deleting a missing one is not an error
func (b *BadgerStore) DeleteCheckpoint(taskID, localPath string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(checkpointKey(taskID, localPath))
	})
}

// ListCheckpointKeys returns the keys of every stored checkpoint
func (b *BadgerStore) ListCheckpointKeys() ([]Key, error) {
	var keys []Key
	prefix := []byte(checkpointPrefix)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), checkpointPrefix)
			taskID, localPath, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			keys = append(keys, Key{TaskID: taskID, LocalPath: localPath})
		}
		return nil
	})
	return keys, err
}

// Close closes the database
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

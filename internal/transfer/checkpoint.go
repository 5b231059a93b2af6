package transfer

import (
	"time"
)

// Checkpoint is the durable resume state of one task. It never carries payload bytes.
type Checkpoint struct {
	TaskID           string    `json:"task_id"`
	LocalPath        string    `json:"local_path"`
	RemoteKey        string    `json:"remote_key"`
	FileSize         int64     `json:"file_size"`
	FileModTime      time.Time `json:"file_mod_time"`
	ChunkSize        int64     `json:"chunk_size"`
	Chunks           []Chunk   `json:"chunks"`
	TransferredBytes int64     `json:"transferred_bytes"`
	UploadID         string    `json:"upload_id,omitempty"`
	SavedAt          time.Time `json:"saved_at"`
}

// Identity describes the file a session is about to transfer, used to decide
// whether a stored checkpoint may be applied
type Identity struct {
	TaskID      string
	LocalPath   string
	RemoteKey   string
	FileSize    int64
	FileModTime time.Time
	ChunkSize   int64
	Direction   Direction
}

// Matches reports whether the checkpoint belongs to the same file and chunk plan
func (c *Checkpoint) Matches(id Identity) bool {
	if c == nil {
		return false
	}
	if c.TaskID != id.TaskID || c.LocalPath != id.LocalPath {
		return false
	}
	if c.RemoteKey != id.RemoteKey || c.FileSize != id.FileSize || c.ChunkSize != id.ChunkSize {
		return false
	}
	if id.Direction == Upload {
		if c.UploadID == "" || !c.FileModTime.Equal(id.FileModTime) {
			return false
		}
	}
	if ValidatePlan(c.Chunks, c.FileSize) != nil {
		return false
	}
	// Chunk boundaries must be the ones a fresh plan would produce
	fresh := PlanChunks(c.FileSize, c.ChunkSize)
	if len(fresh) != len(c.Chunks) {
		return false
	}
	for i := range fresh {
		if fresh[i].Start != c.Chunks[i].Start || fresh[i].End != c.Chunks[i].End {
			return false
		}
	}
	return true
}

// Clone returns a copy whose chunk slice is not shared
func (c *Checkpoint) Clone() *Checkpoint {
	cp := *c
	cp.Chunks = append([]Chunk(nil), c.Chunks...)
	return &cp
}

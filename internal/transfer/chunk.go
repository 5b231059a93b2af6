package transfer

import (
	"fmt"
)

const (
	KB int64 = 1024
	MB       = 1024 * KB
	GB       = 1024 * MB
)

// Multipart limits of S3 compatible stores. Every part but the last must be at
// least MinPartSize, and an upload has at most MaxParts parts.
const (
	MinPartSize       = 5 * MB
	MaxParts    int64 = 10000
)

// UploadChunkSize raises a policy chunk size to minPart, so no part but the
// last is smaller than the store accepts. A file no larger than minPart goes
// up as a single part.
func UploadChunkSize(chunkSize, minPart int64) int64 {
	return max(chunkSize, minPart)
}

// Chunk is one contiguous byte range of a task transferred as one transport operation
type Chunk struct {
	Index     int    `json:"index"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"` // inclusive
	Completed bool   `json:"completed"`
	ETag      string `json:"etag,omitempty"`
}

// Size returns the number of bytes covered by the chunk
func (c Chunk) Size() int64 {
	return c.End - c.Start + 1
}

// PartNumber is the 1-based multipart part number for the chunk
func (c Chunk) PartNumber() int {
	return c.Index + 1
}

// PlanChunks partitions [0, fileSize) into contiguous chunks of chunkSize bytes.
// The last chunk may be shorter. An empty file has no chunks.
func PlanChunks(fileSize, chunkSize int64) []Chunk {
	if fileSize <= 0 || chunkSize <= 0 {
		return nil
	}

	count := (fileSize + chunkSize - 1) / chunkSize // Ceiling division
	chunks := make([]Chunk, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize - 1
		if end > fileSize-1 {
			end = fileSize - 1
		}
		chunks = append(chunks, Chunk{
			Index: int(i),
			Start: start,
			End:   end,
		})
	}
	return chunks
}

// CompletedBytes sums the sizes of completed chunks
func CompletedBytes(chunks []Chunk) int64 {
	var total int64
	for _, c := range chunks {
		if c.Completed {
			total += c.Size()
		}
	}
	return total
}

// ValidatePlan checks that chunks are ordered, contiguous and cover exactly [0, fileSize)
func ValidatePlan(chunks []Chunk, fileSize int64) error {
	var next int64
	for i, c := range chunks {
		if c.Index != i {
			return fmt.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Start != next {
			return fmt.Errorf("chunk %d starts at %d, expected %d", i, c.Start, next)
		}
		if c.End < c.Start {
			return fmt.Errorf("chunk %d has end %d before start %d", i, c.End, c.Start)
		}
		next = c.End + 1
	}
	if next != fileSize {
		return fmt.Errorf("plan covers %d bytes, file has %d", next, fileSize)
	}
	return nil
}

// Tier is one step of the chunk policy: files smaller than Below use ChunkSize and Parallelism.
// A zero Below marks the open-ended last tier.
type Tier struct {
	Below       int64 `yaml:"below"`
	ChunkSize   int64 `yaml:"chunk_size"`
	Parallelism int   `yaml:"parallelism"`
}

// Policy maps a file size to chunk size and parallelism
type Policy []Tier

// DefaultPolicy keeps small files fine grained and gives large files bigger chunks and more workers
var DefaultPolicy = Policy{
	{Below: 1 * MB, ChunkSize: 256 * KB, Parallelism: 2},
	{Below: 10 * MB, ChunkSize: 1 * MB, Parallelism: 3},
	{Below: 100 * MB, ChunkSize: 5 * MB, Parallelism: 3},
	{Below: 1 * GB, ChunkSize: 10 * MB, Parallelism: 4},
	{Below: 5 * GB, ChunkSize: 20 * MB, Parallelism: 5},
	{Below: 10 * GB, ChunkSize: 50 * MB, Parallelism: 6},
	{Below: 0, ChunkSize: 100 * MB, Parallelism: 6},
}

// For returns chunk size and parallelism for a file size
func (p Policy) For(fileSize int64) (chunkSize int64, parallelism int) {
	for _, tier := range p {
		if tier.Below == 0 || fileSize < tier.Below {
			return tier.ChunkSize, tier.Parallelism
		}
	}
	last := p[len(p)-1]
	return last.ChunkSize, last.Parallelism
}

// Validate checks that the table is non-empty, ends open-ended and is monotonic
func (p Policy) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("policy has no tiers")
	}
	for i, tier := range p {
		if tier.ChunkSize <= 0 {
			return fmt.Errorf("tier %d: chunk size must be positive", i)
		}
		if tier.Parallelism <= 0 {
			return fmt.Errorf("tier %d: parallelism must be positive", i)
		}
		last := i == len(p)-1
		if last != (tier.Below == 0) {
			return fmt.Errorf("tier %d: only the last tier may be open-ended", i)
		}
		if i == 0 {
			continue
		}
		prev := p[i-1]
		if !last && tier.Below <= prev.Below {
			return fmt.Errorf("tier %d: boundaries must increase", i)
		}
		if tier.ChunkSize < prev.ChunkSize || tier.Parallelism < prev.Parallelism {
			return fmt.Errorf("tier %d: chunk size and parallelism must not decrease", i)
		}
	}
	return nil
}

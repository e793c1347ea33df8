package render

import (
	"fmt"

	"rendermill/internal/services"
)

// Chunk is a contiguous sub-range of a project's frame range rendered by one
// Blender process. Immutable once created.
type Chunk struct {
	Start int
	End   int
}

// Length returns the number of frames in the chunk, inclusive of both ends.
func (c Chunk) Length() int {
	return c.End - c.Start + 1
}

// Label returns the "start-end" form used in file names and logs.
func (c Chunk) Label() string {
	return fmt.Sprintf("%d-%d", c.Start, c.End)
}

// SplitRange divides the inclusive frame range [start, end] into at most
// parts contiguous chunks. Remainder frames are spread over the leading
// chunks so lengths differ by at most one. Fewer chunks than requested are
// returned when the range is shorter than parts.
func SplitRange(start, end, parts int) ([]Chunk, error) {
	if start > end {
		return nil, services.Wrap(services.ErrValidation, "chunks", "split", fmt.Sprintf("start frame %d is after end frame %d", start, end), nil)
	}
	if parts < 1 {
		return nil, services.Wrap(services.ErrValidation, "chunks", "split", fmt.Sprintf("chunk count %d must be positive", parts), nil)
	}
	total := end - start + 1
	if parts > total {
		parts = total
	}

	chunks := make([]Chunk, 0, parts)
	base := total / parts
	extra := total % parts
	cursor := start
	for i := 0; i < parts; i++ {
		length := base
		if i < extra {
			length++
		}
		chunks = append(chunks, Chunk{Start: cursor, End: cursor + length - 1})
		cursor += length
	}
	return chunks, nil
}

// ValidateChunks checks that a chunk sequence is ascending, contiguous, and
// non-overlapping.
func ValidateChunks(chunks []Chunk) error {
	if len(chunks) == 0 {
		return services.Wrap(services.ErrValidation, "chunks", "validate", "chunk list is empty", nil)
	}
	for i, chunk := range chunks {
		if chunk.Start > chunk.End {
			return services.Wrap(services.ErrValidation, "chunks", "validate", fmt.Sprintf("chunk %s is inverted", chunk.Label()), nil)
		}
		if i == 0 {
			continue
		}
		if chunk.Start != chunks[i-1].End+1 {
			return services.Wrap(services.ErrValidation, "chunks", "validate",
				fmt.Sprintf("chunk %s does not follow %s contiguously", chunk.Label(), chunks[i-1].Label()), nil)
		}
	}
	return nil
}

// TotalFrames sums the lengths of all chunks.
func TotalFrames(chunks []Chunk) int {
	total := 0
	for _, chunk := range chunks {
		total += chunk.Length()
	}
	return total
}

package upload

import "github.com/tonimelisma/sharepoint-go/internal/graph"

// DefaultChunkSize is 10 MiB, a multiple of graph.ChunkAlignment.
const DefaultChunkSize = 32 * graph.ChunkAlignment

// Chunk is one byte range of a session upload: [Offset, Offset+Length).
type Chunk struct {
	Offset int64
	Length int64
}

// End is the exclusive end offset.
func (c Chunk) End() int64 {
	return c.Offset + c.Length
}

// EffectiveChunkSize rounds a configured chunk size down to a multiple of
// graph.ChunkAlignment within [graph.ChunkAlignment, graph.MaxChunkSize].
// Zero or negative selects DefaultChunkSize.
func EffectiveChunkSize(size int64) int64 {
	switch {
	case size <= 0:
		return DefaultChunkSize
	case size > graph.MaxChunkSize:
		return graph.MaxChunkSize
	case size < graph.ChunkAlignment:
		return graph.ChunkAlignment
	default:
		return size - size%graph.ChunkAlignment
	}
}

// PlanChunks splits [start, total) into contiguous chunks of at most
// chunkSize bytes, in increasing offset order. Only the last chunk may be
// shorter. An empty plan is returned when start >= total.
func PlanChunks(total, start, chunkSize int64) []Chunk {
	chunkSize = EffectiveChunkSize(chunkSize)

	if start < 0 {
		start = 0
	}

	if start >= total {
		return nil
	}

	plan := make([]Chunk, 0, (total-start+chunkSize-1)/chunkSize)

	for off := start; off < total; off += chunkSize {
		plan = append(plan, Chunk{Offset: off, Length: min(chunkSize, total-off)})
	}

	return plan
}

// Package buzhashChunker splits oversized values into content-defined
// chunks. Chunk boundaries depend on content, not offsets, so an edit in
// the middle of a large value only changes the chunks it touches and the
// rest keep their digests for dedup.
package buzhashChunker

import (
	"bytes"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-ledger/pkg/types"

	chunker "github.com/ipfs/boxo/chunker"
)

type ChunkData struct {
	Digest types.Digest
	Data   []byte
}

func ChunkBytes(data []byte) ([]ChunkData, error) {
	return ChunkReader(bytes.NewReader(data))
}

func ChunkReader(reader io.Reader) ([]ChunkData, error) {
	bz := chunker.NewBuzhash(reader)

	var chunks []ChunkData
	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading chunk: %w", err)
		}

		chunks = append(chunks, ChunkData{
			Digest: types.DigestOf(chunk),
			Data:   chunk,
		})
	}

	return chunks, nil
}

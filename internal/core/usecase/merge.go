package usecase

import (
	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/lexical"
)

// mergeChunks unions both result sets by chunk ID keeping the higher score,
// in retrieval order. The placeholder is dropped once real context exists.
func mergeChunks(primary, hybrid []domain.ContextChunk) []domain.ContextChunk {
	index := make(map[string]int, len(primary)+len(hybrid))
	out := make([]domain.ContextChunk, 0, len(primary)+len(hybrid))
	for _, list := range [][]domain.ContextChunk{primary, hybrid} {
		for _, c := range list {
			key := chunkKey(c)
			if pos, ok := index[key]; ok {
				if c.Score > out[pos].Score {
					if c.Stage == "" {
						c.Stage = out[pos].Stage
					}
					out[pos] = c
				}
				continue
			}
			index[key] = len(out)
			out = append(out, c)
		}
	}

	if len(out) > 1 {
		kept := out[:0:0]
		for _, c := range out {
			if c.Source != placeholderSource {
				kept = append(kept, c)
			}
		}
		if len(kept) > 0 {
			out = kept
		}
	}
	return out
}

func chunkKey(c domain.ContextChunk) string {
	if c.ID != "" {
		return c.ID
	}
	return "content:" + lexical.ContentHash(c.Content)
}

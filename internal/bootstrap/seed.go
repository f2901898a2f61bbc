package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/chunking"
)

const embedBatchSize = 32

// Document is one portfolio entry to index. Metadata keys follow the vector
// payload convention (contentType, contentId, technologies, date, featured).
type Document struct {
	ID       string         `json:"id" yaml:"id"`
	Text     string         `json:"text" yaml:"text"`
	Metadata map[string]any `json:"metadata" yaml:"metadata"`
}

// LoadDocuments reads a JSON or YAML list of documents.
func LoadDocuments(path string) ([]Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	var docs []Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &docs)
	default:
		err = json.Unmarshal(raw, &docs)
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse documents", err)
	}
	for i, doc := range docs {
		if strings.TrimSpace(doc.ID) == "" || strings.TrimSpace(doc.Text) == "" {
			return nil, domain.WrapError(domain.ErrInvalidInput, "parse documents", fmt.Errorf("document %d needs id and text", i))
		}
		if err := domain.MetadataFromPayload(doc.Metadata).Validate(); err != nil {
			return nil, fmt.Errorf("document %q: %w", doc.ID, err)
		}
	}
	return docs, nil
}

// IndexDocuments splits documents into passages, embeds them in batches and
// upserts them into namespace. It returns the number of passages written.
func (a *App) IndexDocuments(ctx context.Context, namespace string, docs []Document) (int, error) {
	splitter := chunking.NewSplitter(a.Config.IndexChunkSize, a.Config.IndexChunkOverlap)
	return indexDocuments(ctx, a.Embedder, a.Index, namespace, passages(splitter, docs))
}

// passages expands each document into one point per passage. Every passage
// carries the document id as contentId so content.updated invalidation still
// matches.
func passages(splitter *chunking.Splitter, docs []Document) []ports.VectorPoint {
	out := make([]ports.VectorPoint, 0, len(docs))
	for _, doc := range docs {
		parts := splitter.Split(doc.Text)
		for i, part := range parts {
			payload := make(map[string]any, len(doc.Metadata)+3)
			for k, v := range doc.Metadata {
				payload[k] = v
			}
			if _, ok := payload["contentId"]; !ok {
				payload["contentId"] = doc.ID
			}
			payload["text"] = part
			id := doc.ID
			if len(parts) > 1 {
				id = fmt.Sprintf("%s#%d", doc.ID, i)
				payload["chunkIndex"] = i
			}
			out = append(out, ports.VectorPoint{ID: id, Payload: payload})
		}
	}
	return out
}

func indexDocuments(ctx context.Context, embedder ports.Embedder, index ports.VectorIndexer, namespace string, points []ports.VectorPoint) (int, error) {
	indexed := 0
	for start := 0; start < len(points); start += embedBatchSize {
		batch := points[start:min(start+embedBatchSize, len(points))]
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i], _ = p.Payload["text"].(string)
		}
		vectors, err := embedder.Embed(ctx, texts)
		if err != nil {
			return indexed, fmt.Errorf("embed documents: %w", err)
		}
		if len(vectors) != len(batch) {
			return indexed, errors.New("embed documents: vector count mismatch")
		}
		for i := range batch {
			batch[i].Vector = vectors[i]
		}
		if err := index.Upsert(ctx, namespace, batch); err != nil {
			return indexed, fmt.Errorf("upsert documents: %w", err)
		}
		indexed += len(batch)
	}
	return indexed, nil
}

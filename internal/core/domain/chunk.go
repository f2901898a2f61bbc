package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ContentType string

const (
	ContentWork       ContentType = "work"
	ContentTimeline   ContentType = "timeline"
	ContentExperiment ContentType = "experiment"
	ContentLeadership ContentType = "leadership"
	ContentContact    ContentType = "contact"
	ContentOther      ContentType = "other"
)

// ParseContentType maps free-form payload values onto the known content types.
func ParseContentType(raw string) ContentType {
	switch ContentType(strings.ToLower(strings.TrimSpace(raw))) {
	case ContentWork:
		return ContentWork
	case ContentTimeline:
		return ContentTimeline
	case ContentExperiment:
		return ContentExperiment
	case ContentLeadership:
		return ContentLeadership
	case ContentContact:
		return ContentContact
	default:
		return ContentOther
	}
}

type RetrievalStage string

const (
	StageFine   RetrievalStage = "FINE"
	StageMedium RetrievalStage = "MEDIUM"
	StageCoarse RetrievalStage = "COARSE"
)

// ChunkMetadata is keyed by ContentType. Typed chunks must carry a ContentID,
// timeline chunks also a Date.
type ChunkMetadata struct {
	ContentType  ContentType    `json:"contentType"`
	ContentID    string         `json:"contentId,omitempty"`
	Technologies []string       `json:"technologies,omitempty"`
	Date         *time.Time     `json:"date,omitempty"`
	Featured     bool           `json:"featured,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

func (m ChunkMetadata) Validate() error {
	switch m.ContentType {
	case "", ContentOther:
		return nil
	case ContentTimeline:
		if m.Date == nil {
			return WrapError(ErrInvalidInput, "validate metadata", fmt.Errorf("timeline chunk %q has no date", m.ContentID))
		}
	}
	if strings.TrimSpace(m.ContentID) == "" {
		return WrapError(ErrInvalidInput, "validate metadata", fmt.Errorf("%s chunk has no content id", m.ContentType))
	}
	return nil
}

// MetadataFromPayload reads the vector backend payload into typed metadata.
// Unknown keys are kept in Extra.
func MetadataFromPayload(payload map[string]any) ChunkMetadata {
	meta := ChunkMetadata{ContentType: ContentOther}
	for key, value := range payload {
		switch key {
		case "contentType", "content_type":
			meta.ContentType = ParseContentType(fmt.Sprint(value))
		case "contentId", "content_id":
			meta.ContentID = fmt.Sprint(value)
		case "technologies":
			meta.Technologies = toStringSlice(value)
		case "date", "timestamp":
			if t, ok := parsePayloadTime(value); ok {
				meta.Date = &t
			}
		case "featured":
			meta.Featured = toBool(value)
		case "text", "content":
		default:
			if meta.Extra == nil {
				meta.Extra = make(map[string]any)
			}
			meta.Extra[key] = value
		}
	}
	return meta
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

func parsePayloadTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case float64:
		return time.Unix(int64(v), 0).UTC(), true
	case int64:
		return time.Unix(v, 0).UTC(), true
	case int:
		return time.Unix(int64(v), 0).UTC(), true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01"} {
			if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

type ContextChunk struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata ChunkMetadata  `json:"metadata"`
	Score    float64        `json:"score"`
	Tokens   int            `json:"tokens"`
	Source   string         `json:"source"`
	Stage    RetrievalStage `json:"stage,omitempty"`
}

// SearchHit is a raw nearest-neighbour result from the vector backend.
type SearchHit struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	Score    float64        `json:"score"`
}

func TotalTokens(chunks []ContextChunk) int {
	total := 0
	for _, c := range chunks {
		if c.Tokens > 0 {
			total += c.Tokens
		}
	}
	return total
}

func CloneChunks(chunks []ContextChunk) []ContextChunk {
	if chunks == nil {
		return nil
	}
	out := make([]ContextChunk, len(chunks))
	copy(out, chunks)
	return out
}

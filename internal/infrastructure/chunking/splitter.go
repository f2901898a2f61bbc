// Package chunking splits long portfolio entries into embeddable passages.
package chunking

import "strings"

type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 1200
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{ChunkSize: chunkSize, Overlap: overlap}
}

// Split packs whole paragraphs into passages of at most ChunkSize runes.
// A paragraph longer than ChunkSize is cut into overlapping rune windows.
func (s *Splitter) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= s.ChunkSize {
		return []string{text}
	}

	var (
		out     []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if size > 0 {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
			size = 0
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		n := len([]rune(para))
		switch {
		case n == 0:
			continue
		case n > s.ChunkSize:
			flush()
			out = append(out, s.window(para)...)
		case size+n+2 > s.ChunkSize:
			flush()
			fallthrough
		default:
			if size > 0 {
				current.WriteString("\n\n")
				size += 2
			}
			current.WriteString(para)
			size += n
		}
	}
	flush()
	return out
}

func (s *Splitter) window(text string) []string {
	runes := []rune(text)
	step := s.ChunkSize - s.Overlap
	if step <= 0 {
		step = s.ChunkSize
	}

	out := make([]string, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := min(start+s.ChunkSize, len(runes))
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

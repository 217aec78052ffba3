// Package chunker splits documents into ordered, bounded chunks with
// stable indices and byte offsets. Chunking is deterministic: identical
// input always yields identical boundaries.
package chunker

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"atlas/internal/store"
)

var ErrFileTooLarge = errors.New("file exceeds chunking size threshold")

// Config bounds chunk sizes. Zero values take the defaults below.
type Config struct {
	// MinChars is the smallest byte length a non-final chunk may have.
	MinChars int
	// MaxChars is the hard upper bound on chunk byte length.
	MaxChars int
	// SkipOver is the file size above which undecodable files are
	// skipped instead of chunked.
	SkipOver int64
}

const (
	defaultMinChars = 200
	defaultMaxChars = 2000
	defaultSkipOver = 5 << 20
)

func (c Config) withDefaults() Config {
	if c.MinChars <= 0 {
		c.MinChars = defaultMinChars
	}
	if c.MaxChars <= c.MinChars {
		c.MaxChars = defaultMaxChars
	}
	if c.SkipOver <= 0 {
		c.SkipOver = defaultSkipOver
	}
	return c
}

// Piece is one chunk of a document before persistence. StartByte and
// EndByte delimit the half-open range [StartByte, EndByte) in the input.
type Piece struct {
	Index       int
	Text        string
	StartByte   int64
	EndByte     int64
	ContentType store.ContentType
}

// Chunker splits file contents. Safe for concurrent use.
type Chunker struct {
	cfg Config
}

func New(cfg Config) *Chunker {
	return &Chunker{cfg: cfg.withDefaults()}
}

// codeExtensions drive the code/prose content type split, which in turn
// selects embedding modality downstream.
var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true,
	".jsx": true, ".rs": true, ".c": true, ".h": true, ".cpp": true,
	".hpp": true, ".java": true, ".kt": true, ".rb": true, ".sh": true,
	".sql": true, ".proto": true, ".zig": true, ".lua": true, ".ex": true,
}

// Chunk splits data into ordered pieces. Undecodable input produces a
// single binary piece, or ErrFileTooLarge above the skip threshold.
// mimeHint overrides extension-based content type detection when set.
func (c *Chunker) Chunk(filePath string, data []byte, mimeHint string) ([]Piece, error) {
	if looksBinary(data) {
		if int64(len(data)) > c.cfg.SkipOver {
			return nil, fmt.Errorf("%s: %w", filePath, ErrFileTooLarge)
		}
		return []Piece{{
			Index:       0,
			Text:        fmt.Sprintf("[binary file %s, %d bytes]", filepath.Base(filePath), len(data)),
			StartByte:   0,
			EndByte:     int64(len(data)),
			ContentType: store.ContentBinary,
		}}, nil
	}

	contentType := contentTypeFor(filePath, mimeHint)
	fences := openingFences(data)

	var pieces []Piece
	start := 0
	for start < len(data) {
		end := c.boundary(data, start, fences)
		text := string(data[start:end])
		pieces = append(pieces, Piece{
			Index:       len(pieces),
			Text:        text,
			StartByte:   int64(start),
			EndByte:     int64(end),
			ContentType: contentType,
		})
		start = end
	}
	return pieces, nil
}

// boundary picks the end of the chunk starting at start. When the
// remainder fits in MaxChars the chunk takes it all; otherwise the best
// break inside [start+MinChars, start+MaxChars] wins, with code fence
// lines beating blank lines beating sentence ends beating whitespace.
// With no candidate at all the chunk hard-breaks at a rune boundary.
func (c *Chunker) boundary(data []byte, start int, fences map[int]bool) int {
	remaining := len(data) - start
	if remaining <= c.cfg.MaxChars {
		return len(data)
	}

	lo := start + c.cfg.MinChars
	hi := start + c.cfg.MaxChars

	bestPos, bestClass := -1, 0
	for i := lo; i < hi; i++ {
		class := breakClass(data, i, fences)
		// >= keeps the rightmost boundary of the winning class, which
		// packs chunks as full as the class allows.
		if class > 0 && class >= bestClass {
			bestPos, bestClass = i, class
		}
	}
	if bestPos > start {
		return bestPos
	}

	// No natural break in the window. Back off to a rune boundary.
	pos := hi
	for pos > lo && !utf8.RuneStart(data[pos]) {
		pos--
	}
	return pos
}

// breakClass scores position i as a chunk boundary. The chunk would end
// at i (exclusive), so i should begin a new structural unit.
func breakClass(data []byte, i int, fences map[int]bool) int {
	if i <= 0 || i >= len(data) {
		return 0
	}
	// Start of an opening code fence line: break before the block so it
	// stays whole. Closing fences do not qualify.
	if data[i-1] == '\n' && fences[i] {
		return 4
	}
	// Paragraph: i sits right after a blank line.
	if data[i-1] == '\n' && i >= 2 && data[i-2] == '\n' {
		return 3
	}
	// Sentence end: punctuation then whitespace, break after the space.
	if i >= 2 && (data[i-1] == ' ' || data[i-1] == '\n') && isSentenceEnd(data[i-2]) {
		return 2
	}
	// Any whitespace is better than mid-token.
	if data[i-1] == ' ' || data[i-1] == '\n' || data[i-1] == '\t' {
		return 1
	}
	return 0
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

// openingFences maps byte offsets of ``` lines that open a code block.
// Fence lines alternate open/close from the top of the document.
func openingFences(data []byte) map[int]bool {
	open := make(map[int]bool)
	count := 0
	lineStart := 0
	for lineStart < len(data) {
		if bytes.HasPrefix(data[lineStart:], []byte("```")) {
			if count%2 == 0 {
				open[lineStart] = true
			}
			count++
		}
		next := bytes.IndexByte(data[lineStart:], '\n')
		if next < 0 {
			break
		}
		lineStart += next + 1
	}
	return open
}

// looksBinary sniffs the leading bytes for NULs or invalid utf8, the
// same heuristic git uses for its text/binary split.
func looksBinary(data []byte) bool {
	sample := data
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}
	if len(data) > 8192 {
		// A rune split at the sample edge is not evidence of binary.
		for i := 0; i < utf8.UTFMax && len(sample) > 0; i++ {
			if r, _ := utf8.DecodeLastRune(sample); r != utf8.RuneError {
				break
			}
			sample = sample[:len(sample)-1]
		}
	}
	return !utf8.Valid(sample)
}

func contentTypeFor(filePath, mimeHint string) store.ContentType {
	if strings.HasPrefix(mimeHint, "text/x-") || strings.Contains(mimeHint, "source") {
		return store.ContentCode
	}
	if codeExtensions[strings.ToLower(filepath.Ext(filePath))] {
		return store.ContentCode
	}
	return store.ContentProse
}

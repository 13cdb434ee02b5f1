package protocol

import (
	"fmt"
	"iter"
)

// DefaultMaxFrameBytes bounds how many undecoded bytes a Framer will hold
// while waiting for a document to complete.
const DefaultMaxFrameBytes = 1 << 20

// FramingError reports that the buffered bytes grew past the limit without
// producing a complete document. The stream cannot be resynchronized.
type FramingError struct {
	Buffered int
	Limit    int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing: %d buffered bytes exceed limit of %d without a complete document", e.Buffered, e.Limit)
}

// Framer splits a continuous byte stream into discrete JSON documents.
//
// Documents are objects or arrays delimited by balanced brackets, with
// brackets inside string literals ignored. Anything else at the top level
// (a stray token such as `hello` or `}`) is emitted as its own document once
// whitespace or the next opening bracket terminates it, so the decoder can
// reject it without losing sync with the documents that follow.
//
// The scan state is kept across Feed calls, so bytes are examined once no
// matter how the stream is split.
type Framer struct {
	buf      []byte
	pos      int
	depth    int
	inString bool
	escaped  bool
	junk     bool
	max      int
}

// NewFramer creates a Framer holding at most max undecoded bytes.
// A non-positive max selects DefaultMaxFrameBytes.
func NewFramer(max int) *Framer {
	if max <= 0 {
		max = DefaultMaxFrameBytes
	}
	return &Framer{max: max}
}

// Feed appends bytes read from the connection.
func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Buffered returns the number of bytes not yet yielded as a document.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Next returns the next complete document. It returns (nil, nil) when more
// bytes are needed and a *FramingError once the pending partial document
// exceeds the limit.
func (f *Framer) Next() ([]byte, error) {
	for f.pos < len(f.buf) {
		c := f.buf[f.pos]

		switch {
		case f.inString:
			switch {
			case f.escaped:
				f.escaped = false
			case c == '\\':
				f.escaped = true
			case c == '"':
				f.inString = false
			}
			f.pos++

		case f.depth == 0 && !f.junk:
			// f.pos is 0 here: nothing of the next document has been seen yet.
			switch {
			case isSpace(c):
				f.buf = f.buf[1:]
				continue
			case c == '{' || c == '[':
				f.depth = 1
			default:
				f.junk = true
				f.inString = c == '"'
			}
			f.pos++

		case f.junk:
			// A stray token runs to the next space or opening bracket
			// outside a string literal.
			if isSpace(c) || c == '{' || c == '[' {
				f.junk = false
				return f.take(f.pos), nil
			}
			f.inString = c == '"'
			f.pos++

		default:
			f.pos++
			switch c {
			case '"':
				f.inString = true
			case '{', '[':
				f.depth++
			case '}', ']':
				f.depth--
				if f.depth == 0 {
					return f.take(f.pos), nil
				}
			}
		}
	}

	if len(f.buf) == 0 {
		// Drop the backing array once fully drained so a single large
		// document does not pin memory for the life of the connection.
		f.buf = nil
		return nil, nil
	}
	if len(f.buf) > f.max {
		return nil, &FramingError{Buffered: len(f.buf), Limit: f.max}
	}
	return nil, nil
}

// Frames yields every complete document currently buffered. Iteration stops
// when more input is needed; it can be resumed after the next Feed.
func (f *Framer) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			doc, err := f.Next()
			if err != nil {
				yield(nil, err)
				return
			}
			if doc == nil {
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

func (f *Framer) take(n int) []byte {
	doc := make([]byte, n)
	copy(doc, f.buf[:n])
	f.buf = f.buf[n:]
	f.pos = 0
	return doc
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

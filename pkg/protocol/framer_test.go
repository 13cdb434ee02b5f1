package protocol_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/omochice/json-socket-chat/pkg/protocol"
)

func collect(t *testing.T, f *protocol.Framer) []string {
	t.Helper()
	var docs []string
	for doc, err := range f.Frames() {
		if err != nil {
			t.Fatalf("Frames() error = %v", err)
		}
		docs = append(docs, string(doc))
	}
	return docs
}

func equalDocs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFramer_SingleRead(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "one document",
			input: `{"type":"login","username":"alice","password":"pw"}`,
			want:  []string{`{"type":"login","username":"alice","password":"pw"}`},
		},
		{
			name:  "concatenated documents",
			input: `{"type":"logout"}{"type":"refresh_users"}`,
			want:  []string{`{"type":"logout"}`, `{"type":"refresh_users"}`},
		},
		{
			name:  "whitespace and newlines between documents",
			input: "  {\"a\":1}\n\r\n\t{\"b\":2}  ",
			want:  []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:  "braces inside strings",
			input: `{"content":"}{ not a boundary ]["}{"x":"\"}"}`,
			want:  []string{`{"content":"}{ not a boundary ]["}`, `{"x":"\"}"}`},
		},
		{
			name:  "escaped backslash before closing quote",
			input: `{"path":"C:\\"}{"n":1}`,
			want:  []string{`{"path":"C:\\"}`, `{"n":1}`},
		},
		{
			name:  "nested objects and arrays",
			input: `{"a":{"b":[1,{"c":[]}]}}[1,2]`,
			want:  []string{`{"a":{"b":[1,{"c":[]}]}}`, `[1,2]`},
		},
		{
			name:  "stray token terminated by next document",
			input: `garbage{"type":"text"}`,
			want:  []string{`garbage`, `{"type":"text"}`},
		},
		{
			name:  "stray string token hides brackets",
			input: `"x{" {"type":"logout"}`,
			want:  []string{`"x{"`, `{"type":"logout"}`},
		},
		{
			name:  "stray token with escaped quote",
			input: `"a\"[b"{"n":1}`,
			want:  []string{`"a\"[b"`, `{"n":1}`},
		},
		{
			name:  "incomplete trailing document stays buffered",
			input: `{"a":1}{"b":`,
			want:  []string{`{"a":1}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := protocol.NewFramer(0)
			f.Feed([]byte(tt.input))
			got := collect(t, f)
			if !equalDocs(got, tt.want) {
				t.Errorf("documents = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFramer_SplitAcrossReads(t *testing.T) {
	f := protocol.NewFramer(0)

	f.Feed([]byte(`{"type":"te`))
	if got := collect(t, f); len(got) != 0 {
		t.Fatalf("expected no documents from partial read, got %q", got)
	}

	f.Feed([]byte(`xt","content":"hi"}{"type"`))
	got := collect(t, f)
	want := []string{`{"type":"text","content":"hi"}`}
	if !equalDocs(got, want) {
		t.Fatalf("documents = %q, want %q", got, want)
	}

	f.Feed([]byte(`:"logout"}`))
	got = collect(t, f)
	want = []string{`{"type":"logout"}`}
	if !equalDocs(got, want) {
		t.Fatalf("documents = %q, want %q", got, want)
	}
	if f.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", f.Buffered())
	}
}

// Every way of cutting the stream must yield the same documents as feeding
// it whole.
func TestFramer_StreamingEquivalence(t *testing.T) {
	stream := `{"type":"login","username":"alice","password":"p{w}"}` +
		"\n" + `{"type":"text","content":"say \"hi\" [ok]","timestamp":1712345678.5}` +
		` oops {"nested":{"list":[{"a":"\\"},[]]}}` + "\t" + `[1,"]",3]`

	whole := protocol.NewFramer(0)
	whole.Feed([]byte(stream))
	want := collect(t, whole)
	if len(want) != 5 {
		t.Fatalf("unsplit stream produced %d documents, want 5: %q", len(want), want)
	}

	for size := 1; size <= len(stream); size++ {
		f := protocol.NewFramer(0)
		var got []string
		for start := 0; start < len(stream); start += size {
			end := min(start+size, len(stream))
			f.Feed([]byte(stream[start:end]))
			got = append(got, collect(t, f)...)
		}
		if !equalDocs(got, want) {
			t.Fatalf("chunk size %d: documents = %q, want %q", size, got, want)
		}
	}

	// Two-way splits at every boundary.
	for cut := 0; cut <= len(stream); cut++ {
		f := protocol.NewFramer(0)
		f.Feed([]byte(stream[:cut]))
		got := collect(t, f)
		f.Feed([]byte(stream[cut:]))
		got = append(got, collect(t, f)...)
		if !equalDocs(got, want) {
			t.Fatalf("cut at %d: documents = %q, want %q", cut, got, want)
		}
	}
}

func TestFramer_Oversize(t *testing.T) {
	f := protocol.NewFramer(16)
	f.Feed([]byte(`{"content":"` + strings.Repeat("x", 32)))

	_, err := f.Next()
	var framingErr *protocol.FramingError
	if !errors.As(err, &framingErr) {
		t.Fatalf("Next() error = %v, want *FramingError", err)
	}
	if framingErr.Limit != 16 {
		t.Errorf("Limit = %d, want 16", framingErr.Limit)
	}
}

func TestFramer_CompleteDocumentLargerThanLimit(t *testing.T) {
	// The limit guards partial documents only; a document that arrives
	// whole is still delivered.
	doc := `{"content":"` + strings.Repeat("x", 64) + `"}`
	f := protocol.NewFramer(16)
	f.Feed([]byte(doc))

	got, err := f.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(got) != doc {
		t.Errorf("Next() = %q, want %q", got, doc)
	}
}

func TestFramer_WhitespaceDoesNotCountTowardsLimit(t *testing.T) {
	f := protocol.NewFramer(4)
	f.Feed([]byte(strings.Repeat(" \n", 64)))

	doc, err := f.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if doc != nil {
		t.Errorf("Next() = %q, want nil", doc)
	}
	if f.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", f.Buffered())
	}
}

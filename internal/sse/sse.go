// Package sse implements the dialect-neutral SSE line scanner and the
// StreamTap pass-through used to finalize usage/debug capture exactly once
// per stream (spec.md §4.5). The scanner is grounded on the teacher's
// internal/provider/sseutil.NewScanner/ParseSSELine (a bufio.Scanner with a
// 64KB line buffer); StreamTap generalizes the teacher's channel-based
// gateway.StreamChunk streaming into an io.Reader pass-through tap.
package sse

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"
)

const maxLineSize = 64 * 1024

// NewScanner returns a bufio.Scanner configured for reading SSE lines,
// splitting on \r?\n and carrying incomplete trailing lines across reads.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	s.Split(scanLinesCRLF)
	return s
}

// scanLinesCRLF is bufio.ScanLines with explicit \r?\n handling; kept
// separate from the stdlib version only so the doc comment can call out the
// boundary behavior spec.md §8 tests for (accepts \n and \r\n, reassembles
// frames split across chunks -- bufio.Scanner already does this via its
// internal buffer, this split func only trims the \r).
func scanLinesCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := indexByte(data, '\n'); i >= 0 {
		line := data[:i]
		line = strings.TrimSuffix(string(line), "\r")
		return i + 1, []byte(line), nil
	}
	if atEOF {
		line := strings.TrimSuffix(string(data), "\r")
		return len(data), []byte(line), nil
	}
	return 0, nil, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Event is a single parsed SSE frame.
type Event struct {
	Name     string // "event:" value, empty for bare data lines (OpenAI/Gemini framing)
	DataJSON string
	IsDone   bool // true for the "data: [DONE]" / "event: message_stop" terminators
}

// ParseLine parses a single SSE line into event name or data payload.
// Returns ok=false for empty lines, comments, and malformed lines.
func ParseLine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")
	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// CaptureFunc receives every chunk written through a StreamTap.
type CaptureFunc func(chunk []byte)

// CompleteFunc finalizes the trace; invoked exactly once.
type CompleteFunc func(cancelled bool)

// Tap wraps an io.Reader/io.Writer pair in a pass-through that invokes a
// capture callback for every chunk, and a completion callback exactly once
// on natural EOF or Close (spec.md §4.5 "StreamTap").
type Tap struct {
	capture  CaptureFunc
	complete CompleteFunc

	once        sync.Once
	firstByteAt time.Time
	startedAt   time.Time
	outputBytes int
}

// NewTap returns a Tap that calls capture for every chunk read/written and
// complete exactly once when the stream ends (naturally or via Close).
func NewTap(capture CaptureFunc, complete CompleteFunc) *Tap {
	return &Tap{capture: capture, complete: complete, startedAt: time.Now()}
}

// Observe records a chunk read from the upstream (or written to the
// client) and returns the elapsed time since the tap started, useful for
// time-to-first-token tracking.
func (t *Tap) Observe(chunk []byte) time.Duration {
	if len(chunk) > 0 && t.firstByteAt.IsZero() {
		t.firstByteAt = time.Now()
	}
	t.outputBytes += len(chunk)
	if t.capture != nil {
		t.capture(chunk)
	}
	return time.Since(t.startedAt)
}

// TimeToFirstToken returns the duration between tap start and the first
// non-empty chunk observed, or 0 if none has been observed yet.
func (t *Tap) TimeToFirstToken() time.Duration {
	if t.firstByteAt.IsZero() {
		return 0
	}
	return t.firstByteAt.Sub(t.startedAt)
}

// Complete finalizes the trace. Safe to call multiple times (e.g. once from
// the natural EOF path and once from a deferred cancellation handler); only
// the first call takes effect.
func (t *Tap) Complete(cancelled bool) {
	t.once.Do(func() {
		if t.complete != nil {
			t.complete(cancelled)
		}
	})
}

// TapReader wraps r so every Read observed by the tap also flows through
// Observe, and Complete fires on EOF. Other read errors do not complete the
// tap; Close or CloseCancel does.
type TapReader struct {
	r   io.ReadCloser
	tap *Tap
}

// NewTapReader returns a TapReader; closing it (or draining it to EOF)
// calls tap.Complete(false). A caller that abandons the reader should call
// Close explicitly so Complete still fires (cancelled=true via CloseCancel).
func NewTapReader(r io.ReadCloser, tap *Tap) *TapReader {
	return &TapReader{r: r, tap: tap}
}

func (tr *TapReader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n > 0 {
		tr.tap.Observe(p[:n])
	}
	if err == io.EOF {
		tr.tap.Complete(false)
	}
	return n, err
}

// Close closes the underlying reader and finalizes the tap as a normal
// completion. Use CloseCancel for a client-disconnect path.
func (tr *TapReader) Close() error {
	tr.tap.Complete(false)
	return tr.r.Close()
}

// CloseCancel closes the underlying reader and finalizes the tap as a
// cancellation (spec.md §5 "Client disconnect during SSE triggers
// tap-cancel").
func (tr *TapReader) CloseCancel() error {
	tr.tap.Complete(true)
	return tr.r.Close()
}

package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"
)

// AntigravityEventStreamContentType is the upstream Content-Type that marks
// an Antigravity response as binary-framed (an AWS eventstream envelope
// around the JSON envelope) rather than plain SSE text (spec.md §4.5
// "Antigravity envelope", SPEC_FULL.md's "when the hosting wraps a binary
// stream").
const AntigravityEventStreamContentType = "application/vnd.amazon.eventstream"

// WrapAntigravityRequest wraps an already-encoded Gemini-dialect request
// body in the `{"request": …}` envelope Antigravity-hosted providers expect
// (spec.md §4.5).
func WrapAntigravityRequest(body []byte) []byte {
	out := make([]byte, 0, len(body)+12)
	out = append(out, `{"request":`...)
	out = append(out, body...)
	out = append(out, '}')
	return out
}

// UnwrapAntigravityResponse strips a non-streaming Antigravity response's
// `{"response": …}` envelope, returning the inner Gemini-dialect body. body
// is returned unchanged if it carries no "response" field (so a malformed
// or already-unwrapped body degrades to a parse error downstream rather
// than being silently swallowed here).
func UnwrapAntigravityResponse(body []byte) []byte {
	r := gjson.GetBytes(body, "response")
	if !r.Exists() {
		return body
	}
	return []byte(r.Raw)
}

// NewAntigravityUnwrapper wraps src, unwrapping each SSE data frame's
// `{"response": …}` envelope before the Gemini transformer's TransformStream
// ever sees the line (spec.md §4.5 "SSE frames are unwrapped before being
// fed to the Gemini parser"). Use for plain-text SSE; for a binary-eventstream
// hosted Antigravity response use NewAntigravityEventStreamUnwrapper instead.
func NewAntigravityUnwrapper(src io.ReadCloser) io.ReadCloser {
	return &antigravityUnwrapper{src: src, scan: NewScanner(src)}
}

type antigravityUnwrapper struct {
	src  io.ReadCloser
	scan *bufio.Scanner
	buf  bytes.Buffer
	done bool
}

func (u *antigravityUnwrapper) Read(p []byte) (int, error) {
	for u.buf.Len() == 0 {
		if u.done {
			return 0, io.EOF
		}
		if !u.scan.Scan() {
			if err := u.scan.Err(); err != nil {
				return 0, err
			}
			u.done = true
			continue
		}
		u.buf.WriteString(unwrapAntigravityLine(u.scan.Text()))
		u.buf.WriteByte('\n')
	}
	return u.buf.Read(p)
}

func (u *antigravityUnwrapper) Close() error {
	return u.src.Close()
}

func unwrapAntigravityLine(line string) string {
	if !strings.HasPrefix(line, "data:") {
		return line
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" || data == "[DONE]" {
		return line
	}
	inner := gjson.Get(data, "response")
	if !inner.Exists() {
		return line
	}
	return "data: " + inner.Raw
}

// NewAntigravityEventStreamUnwrapper decodes src as a sequence of AWS
// eventstream binary frames (spec.md §DOMAIN STACK: aws-sdk-go-v2's
// eventstream decoder reused for "the antigravity envelope's inner frame
// decode when the hosting wraps a binary stream"), unwraps each frame
// payload's `{"response": …}` envelope, and re-emits it as a bare "data: "
// SSE line so the Gemini transformer's TransformStream can consume it
// exactly as it would a plain-text Antigravity stream.
func NewAntigravityEventStreamUnwrapper(src io.ReadCloser) io.ReadCloser {
	return &antigravityEventStreamUnwrapper{src: src, dec: eventstream.NewDecoder(src)}
}

type antigravityEventStreamUnwrapper struct {
	src io.ReadCloser
	dec *eventstream.Decoder
	buf bytes.Buffer
}

func (u *antigravityEventStreamUnwrapper) Read(p []byte) (int, error) {
	for u.buf.Len() == 0 {
		msg, err := u.dec.Decode(nil)
		if err != nil {
			return 0, err
		}
		payload := msg.Payload
		if inner := gjson.GetBytes(payload, "response"); inner.Exists() {
			payload = []byte(inner.Raw)
		}
		u.buf.WriteString("data: ")
		u.buf.Write(payload)
		u.buf.WriteString("\n\n")
	}
	return u.buf.Read(p)
}

func (u *antigravityEventStreamUnwrapper) Close() error {
	return u.src.Close()
}

package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// Pre-allocated byte slices for SSE framing. These avoid heap allocations
// on every write in the streaming hot path.
var (
	ssePrefix    = []byte("data: ")
	sseDelimiter = []byte("\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseHeaders      = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders sets the response headers for an SSE stream and commits
// the 200 status. Upstream failures after this point can only be signalled
// by terminating the stream.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseHeaders
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSEError emits the one error event a committed stream can still
// carry, then the stream ends.
func writeSSEError(w io.Writer, err error) {
	payload, mErr := json.Marshal(errorResponse(err.Error()))
	if mErr != nil {
		return
	}
	w.Write(ssePrefix)
	w.Write(payload)
	w.Write(sseDelimiter)
}

// splitSSE is a bufio.SplitFunc yielding one whole event per token,
// including its trailing blank-line delimiter, so events are forwarded
// byte-for-byte and the usage latch always sees complete frames.
func splitSSE(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, sseDelimiter); i >= 0 {
		return i + len(sseDelimiter), data[:i+len(sseDelimiter)], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	gateway "github.com/Dolores18/api-manager/internal"
	"github.com/Dolores18/api-manager/internal/upstream"
)

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("messages must not be empty"))
		return
	}

	if req.Stream {
		s.handleChatCompletionStream(w, r, &req)
		return
	}

	_, raw, err := s.deps.Dispatcher.Dispatch(r.Context(), &req, clientIP(r))
	if err != nil {
		status := errorStatus(err)
		writeJSON(w, status, errorResponse(err.Error()))
		return
	}

	// The upstream body is forwarded verbatim; re-encoding could drop
	// vendor extension fields.
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// handleChatCompletionStream forwards upstream SSE events byte-for-byte,
// latching the usage triple on the way through. The 200 and SSE headers are
// committed before the upstream is contacted, so selection and connect
// failures can only be reported as a single data: error event ending the
// stream. The accounting row is written when the stream ends: Success when
// usage was captured, PartialSuccess when data flowed without usage, Error
// otherwise.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest) {
	ip := clientIP(r)

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	p, permit, resp, err := s.deps.Dispatcher.OpenStream(r.Context(), req, ip)
	if err != nil {
		writeSSEError(w, err)
		flusher.Flush()
		return
	}
	defer permit.Release()
	defer resp.Body.Close()

	model := req.Model
	if model == "" {
		model = gateway.DefaultModel
	}

	var latch upstream.UsageLatch
	events := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	scanner.Split(splitSSE)
	for scanner.Scan() {
		event := scanner.Bytes()
		if _, err := w.Write(event); err != nil {
			break
		}
		flusher.Flush()
		latch.Observe(event)
		events++
	}
	if err := scanner.Err(); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "stream interrupted",
			slog.String("provider", p.Name),
			slog.String("error", err.Error()),
		)
	}

	usage := latch.Usage()
	status := gateway.CallError
	switch {
	case usage != nil:
		status = gateway.CallSuccess
	case events > 0:
		status = gateway.CallPartialSuccess
	}
	s.deps.Dispatcher.RecordOutcome(r.Context(), p, model, usage, status, ip)
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrInvalidKey):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrNoProvider), errors.Is(err, gateway.ErrPermitExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// clientIP extracts the caller address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

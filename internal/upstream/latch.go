package upstream

import (
	"bytes"

	"github.com/tidwall/gjson"

	gateway "github.com/Dolores18/api-manager/internal"
)

var (
	usageNeedle   = []byte(`"usage"`)
	sseDataPrefix = []byte("data: ")
	sseChunkEnd   = []byte("\n\n")
)

// UsageLatch scans forwarded stream chunks for usage objects and retains the
// most recent complete triple. The latched value at stream end is the
// authoritative accounting for the call.
type UsageLatch struct {
	usage *gateway.Usage
}

// Observe inspects one raw chunk. Chunks without the "usage" substring are
// skipped without parsing; a leading "data: " prefix is stripped before the
// remainder is parsed as JSON. Incomplete triples and unparseable chunks
// leave the latch unchanged.
func (l *UsageLatch) Observe(chunk []byte) {
	if !bytes.Contains(chunk, usageNeedle) {
		return
	}
	payload := chunk
	if bytes.HasPrefix(payload, sseDataPrefix) {
		payload = bytes.TrimPrefix(payload, sseDataPrefix)
		payload = bytes.TrimSuffix(payload, sseChunkEnd)
	}

	u := gjson.GetBytes(payload, "usage")
	if !u.Exists() || !u.IsObject() {
		return
	}
	prompt := u.Get("prompt_tokens")
	completion := u.Get("completion_tokens")
	total := u.Get("total_tokens")
	if !prompt.Exists() || !completion.Exists() || !total.Exists() {
		return
	}
	l.usage = &gateway.Usage{
		PromptTokens:     int(prompt.Int()),
		CompletionTokens: int(completion.Int()),
		TotalTokens:      int(total.Int()),
	}
}

// Usage returns the latched triple, or nil when no usage was observed.
func (l *UsageLatch) Usage() *gateway.Usage {
	return l.usage
}

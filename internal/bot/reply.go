package bot

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/xaenox/perfume-chat/internal/stream"
)

// replyCollector is a chat.Sink that accumulates the streamed answer so it
// can be sent as one Telegram message
type replyCollector struct {
	mu        sync.Mutex
	text      strings.Builder
	errorText string
}

func (r *replyCollector) Send(payload []byte) error {
	var chunk stream.Chunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch chunk.Type {
	case stream.ChunkTextDelta:
		r.text.WriteString(chunk.Delta)
	case stream.ChunkError:
		r.errorText = chunk.ErrorText
	}
	return nil
}

func (r *replyCollector) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.TrimSpace(r.text.String())
}

func (r *replyCollector) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorText != ""
}

func (r *replyCollector) ErrorText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorText
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/xaenox/perfume-chat/internal/stream"
)

// sseWriter writes one "data:" event per chunk and flushes immediately
type sseWriter struct {
	mu      sync.Mutex
	ctx     context.Context
	writer  http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(ctx context.Context, w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{ctx: ctx, writer: w, flusher: flusher}, nil
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Vercel-AI-UI-Message-Stream", "v1")
}

// Send implements chat.Sink. It fails once the client has gone away.
func (w *sseWriter) Send(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ctx.Err(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// Done writes the stream terminator
func (w *sseWriter) Done() error {
	return w.Send([]byte(stream.Done))
}

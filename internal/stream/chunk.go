// Package stream defines the typed chunks of a chat response stream and a
// store that keeps them so a client can resume an interrupted stream.
package stream

import "encoding/json"

// ChunkType is the "type" field of a UI message stream chunk
type ChunkType string

const (
	ChunkStart      ChunkType = "start"
	ChunkStartStep  ChunkType = "start-step"
	ChunkTextStart  ChunkType = "text-start"
	ChunkTextDelta  ChunkType = "text-delta"
	ChunkTextEnd    ChunkType = "text-end"
	ChunkUsage      ChunkType = "data-usage"
	ChunkFinishStep ChunkType = "finish-step"
	ChunkFinish     ChunkType = "finish"
	ChunkError      ChunkType = "error"
)

// Done is the payload of the final SSE event
const Done = "[DONE]"

type Chunk struct {
	Type         ChunkType `json:"type"`
	ID           string    `json:"id,omitempty"`
	MessageID    string    `json:"messageId,omitempty"`
	Delta        string    `json:"delta,omitempty"`
	Data         any       `json:"data,omitempty"`
	ErrorText    string    `json:"errorText,omitempty"`
	FinishReason string    `json:"finishReason,omitempty"`
}

func (c Chunk) Encode() ([]byte, error) {
	return json.Marshal(c)
}

func Start(messageID string) Chunk { return Chunk{Type: ChunkStart, MessageID: messageID} }

func StartStep() Chunk { return Chunk{Type: ChunkStartStep} }

func TextStart(id string) Chunk { return Chunk{Type: ChunkTextStart, ID: id} }

func TextDelta(id, delta string) Chunk { return Chunk{Type: ChunkTextDelta, ID: id, Delta: delta} }

func TextEnd(id string) Chunk { return Chunk{Type: ChunkTextEnd, ID: id} }

func Usage(data any) Chunk { return Chunk{Type: ChunkUsage, Data: data} }

func FinishStep() Chunk { return Chunk{Type: ChunkFinishStep} }

func Finish(reason string) Chunk { return Chunk{Type: ChunkFinish, FinishReason: reason} }

func Error(text string) Chunk { return Chunk{Type: ChunkError, ErrorText: text} }

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/perfume-chat/internal/models"
)

// ErrNotFound is returned when a chat does not exist
var ErrNotFound = errors.New("not found")

type Storage interface {
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	SaveChat(ctx context.Context, chat *models.Chat) error
	// DeleteChat removes the chat with its messages and stream ids and
	// returns the deleted chat
	DeleteChat(ctx context.Context, id string) (*models.Chat, error)
	UpdateChatLastContext(ctx context.Context, id string, usage *models.Usage) error

	GetMessages(ctx context.Context, chatID string) ([]*models.Message, error)
	SaveMessages(ctx context.Context, messages []*models.Message) error
	// CountUserMessages counts user-role messages sent by userID since the
	// given time across all of their chats
	CountUserMessages(ctx context.Context, userID string, since time.Time) (int, error)

	Close() error

	// Embed StreamStorage interface
	StreamStorage
}

type StreamStorage interface {
	CreateStreamID(ctx context.Context, streamID, chatID string) error
	// GetStreamIDs returns the stream ids of a chat, oldest first
	GetStreamIDs(ctx context.Context, chatID string) ([]string, error)
}

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/perfume-chat/internal/models"
)

func seedChat(t *testing.T, s *MemoryStorage, id, userID string) *models.Chat {
	t.Helper()
	chat := &models.Chat{ID: id, UserID: userID, Title: "Citrus for summer", Visibility: models.VisibilityPrivate}
	require.NoError(t, s.SaveChat(context.Background(), chat))
	return chat
}

func userMessage(chatID, text string, at time.Time) *models.Message {
	return &models.Message{
		ID:        text,
		ChatID:    chatID,
		Role:      models.RoleUser,
		Parts:     []models.Part{{Type: models.TextPart, Text: text}},
		CreatedAt: at,
	}
}

func TestMemoryStorage_ChatLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	_, err := s.GetChat(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	seedChat(t, s, "c1", "alice")
	chat, err := s.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", chat.UserID)
	assert.False(t, chat.CreatedAt.IsZero())

	usage := &models.Usage{TokenUsage: models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}
	require.NoError(t, s.UpdateChatLastContext(ctx, "c1", usage))
	chat, err = s.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, chat.LastContext)
	assert.Equal(t, 15, chat.LastContext.TotalTokens)

	assert.ErrorIs(t, s.UpdateChatLastContext(ctx, "missing", usage), ErrNotFound)
}

func TestMemoryStorage_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedChat(t, s, "c1", "alice")

	require.NoError(t, s.SaveMessages(ctx, []*models.Message{userMessage("c1", "hi", time.Now())}))
	require.NoError(t, s.CreateStreamID(ctx, "s1", "c1"))

	deleted, err := s.DeleteChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", deleted.ID)

	msgs, err := s.GetMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	ids, err := s.GetStreamIDs(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.DeleteChat(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_MessagesOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedChat(t, s, "c1", "alice")

	now := time.Now()
	require.NoError(t, s.SaveMessages(ctx, []*models.Message{
		userMessage("c1", "second", now.Add(time.Second)),
		userMessage("c1", "first", now),
	}))

	msgs, err := s.GetMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text())
	assert.Equal(t, "second", msgs[1].Text())
}

func TestMemoryStorage_SaveMessagesUnknownChat(t *testing.T) {
	s := NewMemoryStorage()
	err := s.SaveMessages(context.Background(), []*models.Message{userMessage("nope", "hi", time.Now())})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_CountUserMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedChat(t, s, "c1", "alice")
	seedChat(t, s, "c2", "alice")
	seedChat(t, s, "c3", "bob")

	now := time.Now()
	assistant := &models.Message{ID: "a1", ChatID: "c1", Role: models.RoleAssistant, CreatedAt: now}
	require.NoError(t, s.SaveMessages(ctx, []*models.Message{
		userMessage("c1", "one", now),
		userMessage("c2", "two", now),
		userMessage("c1", "old", now.Add(-48*time.Hour)),
		userMessage("c3", "bob's", now),
		assistant,
	}))

	count, err := s.CountUserMessages(ctx, "alice", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMemoryStorage_StreamIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedChat(t, s, "c1", "alice")

	assert.ErrorIs(t, s.CreateStreamID(ctx, "s0", "missing"), ErrNotFound)
	require.NoError(t, s.CreateStreamID(ctx, "s1", "c1"))
	require.NoError(t, s.CreateStreamID(ctx, "s2", "c1"))

	ids, err := s.GetStreamIDs(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids)
}

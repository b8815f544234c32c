package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/perfume-chat/internal/models"
)

type streamInfo struct {
	ID        string
	ChatID    string
	CreatedAt time.Time
}

type MemoryStorage struct {
	mu       sync.RWMutex
	chats    map[string]*models.Chat
	messages map[string][]*models.Message
	streams  map[string][]streamInfo
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		chats:    make(map[string]*models.Chat),
		messages: make(map[string][]*models.Message),
		streams:  make(map[string][]streamInfo),
	}
}

// Chat methods
func (s *MemoryStorage) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, exists := s.chats[id]
	if !exists {
		return nil, ErrNotFound
	}
	c := *chat
	return &c, nil
}

func (s *MemoryStorage) SaveChat(ctx context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	c := *chat
	s.chats[chat.ID] = &c
	return nil
}

func (s *MemoryStorage) DeleteChat(ctx context.Context, id string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, exists := s.chats[id]
	if !exists {
		return nil, ErrNotFound
	}
	delete(s.chats, id)
	delete(s.messages, id)
	delete(s.streams, id)
	return chat, nil
}

func (s *MemoryStorage) UpdateChatLastContext(ctx context.Context, id string, usage *models.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, exists := s.chats[id]
	if !exists {
		return ErrNotFound
	}
	if usage != nil {
		u := *usage
		chat.LastContext = &u
	}
	return nil
}

// Message methods
func (s *MemoryStorage) GetMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.messages[chatID]
	result := make([]*models.Message, len(stored))
	copy(result, stored)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStorage) SaveMessages(ctx context.Context, messages []*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every message before mutating so a batch is all or nothing
	for _, msg := range messages {
		if _, exists := s.chats[msg.ChatID]; !exists {
			return ErrNotFound
		}
	}
	for _, msg := range messages {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		s.messages[msg.ChatID] = append(s.messages[msg.ChatID], msg)
	}
	return nil
}

func (s *MemoryStorage) CountUserMessages(ctx context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for chatID, chat := range s.chats {
		if chat.UserID != userID {
			continue
		}
		for _, msg := range s.messages[chatID] {
			if msg.Role == models.RoleUser && !msg.CreatedAt.Before(since) {
				count++
			}
		}
	}
	return count, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func (s *MemoryStorage) CreateStreamID(ctx context.Context, streamID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.chats[chatID]; !exists {
		return ErrNotFound
	}
	s.streams[chatID] = append(s.streams[chatID], streamInfo{
		ID:        streamID,
		ChatID:    chatID,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemoryStorage) GetStreamIDs(ctx context.Context, chatID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	streams := s.streams[chatID]
	ids := make([]string, 0, len(streams))
	for _, st := range streams {
		ids = append(ids, st.ID)
	}
	return ids, nil
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Generations tracks which conversation of a Telegram chat is current.
// /new and /delete move a chat to its next generation.
type Generations interface {
	Current(ctx context.Context, chatID int64) (int, error)
	Next(ctx context.Context, chatID int64) (int, error)
}

// MemoryGenerations loses its state on restart; use RedisGenerations when
// conversations must survive one
type MemoryGenerations struct {
	mu          sync.Mutex
	generations map[int64]int
}

func NewMemoryGenerations() *MemoryGenerations {
	return &MemoryGenerations{generations: make(map[int64]int)}
}

func (g *MemoryGenerations) Current(ctx context.Context, chatID int64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generations[chatID], nil
}

func (g *MemoryGenerations) Next(ctx context.Context, chatID int64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generations[chatID]++
	return g.generations[chatID], nil
}

type RedisGenerations struct {
	client *redis.Client
}

func NewRedisGenerations(client *redis.Client) *RedisGenerations {
	return &RedisGenerations{client: client}
}

func generationKey(chatID int64) string {
	return "telegram:" + strconv.FormatInt(chatID, 10) + ":generation"
}

func (g *RedisGenerations) Current(ctx context.Context, chatID int64) (int, error) {
	n, err := g.client.Get(ctx, generationKey(chatID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get generation: %w", err)
	}
	return n, nil
}

func (g *RedisGenerations) Next(ctx context.Context, chatID int64) (int, error) {
	n, err := g.client.Incr(ctx, generationKey(chatID)).Result()
	if err != nil {
		return 0, fmt.Errorf("increment generation: %w", err)
	}
	return int(n), nil
}

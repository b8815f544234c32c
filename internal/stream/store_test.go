package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client, time.Hour, zap.NewNop()), mr
}

func TestRedisStore_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	require.NoError(t, store.Append(ctx, "s1", []byte(`{"type":"start"}`)))
	require.NoError(t, store.Append(ctx, "s1", []byte(`{"type":"text-delta","delta":"hi"}`)))

	payloads, done, err := store.Read(ctx, "s1", 0)
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, payloads, 2)
	assert.JSONEq(t, `{"type":"text-delta","delta":"hi"}`, string(payloads[1]))

	payloads, _, err = store.Read(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Len(t, payloads, 1)

	require.NoError(t, store.Finish(ctx, "s1"))
	_, done, err = store.Read(ctx, "s1", 2)
	require.NoError(t, err)
	assert.True(t, done)

	assert.Equal(t, time.Hour, mr.TTL(chunksKey("s1")))
	assert.Equal(t, time.Hour, mr.TTL(doneKey("s1")))
}

func TestRedisStore_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	require.NoError(t, store.Append(ctx, "s3", []byte(`{}`)))
	mr.FastForward(2 * time.Hour)

	payloads, done, err := store.Read(ctx, "s3", 0)
	require.NoError(t, err)
	assert.Empty(t, payloads)
	assert.False(t, done)
}

func TestReplay_TailsUntilFinished(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, _ := newTestStore(t)

	require.NoError(t, store.Append(ctx, "s4", []byte(`{"type":"start"}`)))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Append(context.Background(), "s4", []byte(`{"type":"finish"}`))
		_ = store.Finish(context.Background(), "s4")
	}()

	var got []string
	err := Replay(ctx, store, "s4", 10*time.Millisecond, func(p []byte) error {
		got = append(got, string(p))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"type":"start"}`, `{"type":"finish"}`}, got)
}

func TestReplay_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	store, _ := newTestStore(t)

	err := Replay(ctx, store, "never-finishes", 10*time.Millisecond, func([]byte) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChunkEncoding(t *testing.T) {
	raw, err := TextDelta("t1", "Hello").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text-delta","id":"t1","delta":"Hello"}`, string(raw))

	raw, err = Usage(map[string]int{"inputTokens": 3}).Encode()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "data-usage", decoded["type"])
	assert.NotNil(t, decoded["data"])

	raw, err = Error("boom").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","errorText":"boom"}`, string(raw))
}

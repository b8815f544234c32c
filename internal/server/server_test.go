package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/perfume-chat/internal/auth"
	"github.com/xaenox/perfume-chat/internal/chat"
	"github.com/xaenox/perfume-chat/internal/llm"
	"github.com/xaenox/perfume-chat/internal/models"
	"github.com/xaenox/perfume-chat/internal/observability"
	"github.com/redis/go-redis/v9"
	"github.com/xaenox/perfume-chat/internal/storage"
	"github.com/xaenox/perfume-chat/internal/stream"
	"github.com/xaenox/perfume-chat/pkg/config"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	chatID    = "6f1c2a34-8d55-4a7e-9f0e-1b2c3d4e5f60"
	messageID = "0a9b8c7d-6e5f-4a3b-8c2d-1e0f9a8b7c6d"
)

// spyStorage counts every call that reaches the store
type spyStorage struct {
	*storage.MemoryStorage
	calls atomic.Int32
}

func (s *spyStorage) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	s.calls.Add(1)
	return s.MemoryStorage.GetChat(ctx, id)
}

func (s *spyStorage) SaveChat(ctx context.Context, c *models.Chat) error {
	s.calls.Add(1)
	return s.MemoryStorage.SaveChat(ctx, c)
}

func (s *spyStorage) DeleteChat(ctx context.Context, id string) (*models.Chat, error) {
	s.calls.Add(1)
	return s.MemoryStorage.DeleteChat(ctx, id)
}

func (s *spyStorage) SaveMessages(ctx context.Context, m []*models.Message) error {
	s.calls.Add(1)
	return s.MemoryStorage.SaveMessages(ctx, m)
}

func (s *spyStorage) CountUserMessages(ctx context.Context, userID string, since time.Time) (int, error) {
	s.calls.Add(1)
	return s.MemoryStorage.CountUserMessages(ctx, userID, since)
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

type stubSearcher struct{}

func (stubSearcher) SearchSimilar(ctx context.Context, vector []float32, limit int) ([]*models.Perfume, error) {
	return []*models.Perfume{{ID: "p1", Name: "Bleu", Brand: "Chanel"}}, nil
}

type stubCompleter struct{}

func (stubCompleter) Stream(ctx context.Context, req llm.CompletionRequest, onDelta func(string) error) (*llm.Completion, error) {
	for _, d := range []string{"Try ", "Bleu."} {
		if err := onDelta(d); err != nil {
			return nil, err
		}
	}
	return &llm.Completion{Text: "Try Bleu.", FinishReason: "stop", Usage: models.TokenUsage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7}}, nil
}

type stubTitler struct{}

func (stubTitler) GenerateTitle(ctx context.Context, m *models.Message) string { return "Fresh picks" }

type stubReconciler struct{}

func (stubReconciler) Reconcile(ctx context.Context, raw models.TokenUsage, modelID string) models.Usage {
	return models.Usage{TokenUsage: raw}
}

type harness struct {
	server  *Server
	store   *spyStorage
	service *chat.Service
}

func newHarness(t *testing.T, limits config.LimitsConfig) *harness {
	t.Helper()
	return buildHarness(t, limits, nil)
}

// newStreamingHarness records streams in a miniredis-backed store
func newStreamingHarness(t *testing.T) (*harness, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return buildHarness(t, config.LimitsConfig{}, stream.NewRedisStoreFromClient(client, time.Hour, zap.NewNop())), mr
}

func buildHarness(t *testing.T, limits config.LimitsConfig, streams stream.Store) *harness {
	t.Helper()
	store := &spyStorage{MemoryStorage: storage.NewMemoryStorage()}
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	service := chat.NewService(chat.Dependencies{
		Storage:    store,
		Embedder:   stubEmbedder{},
		Searcher:   stubSearcher{},
		Completer:  stubCompleter{},
		Titler:     stubTitler{},
		Reconciler: stubReconciler{},
		Streams:    streams,
		Metrics:    metrics,
	}, chat.Options{
		Limits: config.LimitsConfig{
			MaxMessagesPerDay: map[string]int{auth.UserTypeGuest: 20, auth.UserTypeRegular: 100},
		},
		Models: map[string]string{"chat-model": "openai:gpt-4o-mini"},
	}, logger)

	provider := auth.NewStaticProvider([]config.TokenConfig{
		{Token: "alice-token", UserID: "alice", UserType: auth.UserTypeRegular},
		{Token: "bob-token", UserID: "bob", UserType: auth.UserTypeRegular},
	})

	srv := New(Options{Limits: limits, Gatherer: reg}, service, provider, metrics, logger)
	t.Cleanup(service.Wait)
	return &harness{server: srv, store: store, service: service}
}

func validBody() map[string]any {
	return map[string]any{
		"id": chatID,
		"message": map[string]any{
			"id":   messageID,
			"role": "user",
			"parts": []map[string]any{
				{"type": "text", "text": "a fresh scent for summer"},
			},
		},
		"selectedChatModel":      "chat-model",
		"selectedVisibilityType": "private",
	}
}

func (h *harness) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp chat.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Code
}

func TestPostChat_StreamsNewChat(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})

	rec := h.do(t, http.MethodPost, "/api/chat", "alice-token", validBody())
	h.service.Wait()

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"start"`)
	assert.Contains(t, body, `"type":"text-delta","id":`)
	assert.Contains(t, body, `"delta":"Bleu."`)
	assert.Contains(t, body, `"type":"data-usage"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	conversation, err := h.store.MemoryStorage.GetChat(context.Background(), chatID)
	require.NoError(t, err)
	assert.Equal(t, "Fresh picks", conversation.Title)
	assert.Equal(t, models.VisibilityPrivate, conversation.Visibility)

	messages, err := h.store.MemoryStorage.GetMessages(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, messageID, messages[0].ID)
}

func TestPostChat_UnauthenticatedBeforePersistence(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})

	rec := h.do(t, http.MethodPost, "/api/chat", "", validBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized:chat", errorCode(t, rec))
	assert.Equal(t, int32(0), h.store.calls.Load())

	rec = h.do(t, http.MethodPost, "/api/chat", "forged", validBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int32(0), h.store.calls.Load())
}

func TestPostChat_SchemaCheckedFirst(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	body := validBody()
	body["id"] = "not-a-uuid"

	rec := h.do(t, http.MethodPost, "/api/chat", "", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request:api", errorCode(t, rec))
	assert.Equal(t, int32(0), h.store.calls.Load())
}

func TestPostChat_MalformedJSON(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer alice-token")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request:api", errorCode(t, rec))
}

func TestPostChat_ForbiddenForOtherOwner(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	rec := h.do(t, http.MethodPost, "/api/chat", "bob-token", validBody())
	require.Equal(t, http.StatusOK, rec.Code)
	h.service.Wait()

	body := validBody()
	body["message"].(map[string]any)["id"] = "1b2c3d4e-5f60-4a7e-9f0e-6f1c2a348d55"
	rec = h.do(t, http.MethodPost, "/api/chat", "alice-token", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden:chat", errorCode(t, rec))
}

func TestPostChat_Throttled(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{RequestsPerSecond: 0.001, Burst: 1})

	rec := h.do(t, http.MethodPost, "/api/chat", "alice-token", validBody())
	require.Equal(t, http.StatusOK, rec.Code)
	h.service.Wait()

	rec = h.do(t, http.MethodPost, "/api/chat", "alice-token", validBody())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit:api", errorCode(t, rec))
}

func TestDeleteChat_MissingIDHasNoDatabaseAccess(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})

	rec := h.do(t, http.MethodDelete, "/api/chat", "alice-token", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request:api", errorCode(t, rec))
	assert.Equal(t, int32(0), h.store.calls.Load())
}

func TestDeleteChat(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/chat", "alice-token", validBody()).Code)
	h.service.Wait()

	rec := h.do(t, http.MethodDelete, "/api/chat?id="+chatID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/chat?id="+chatID, "bob-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/chat?id="+chatID, "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deleted models.Chat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deleted))
	assert.Equal(t, chatID, deleted.ID)
	assert.Equal(t, "alice", deleted.UserID)
}

func TestGetChat(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/chat", "alice-token", validBody()).Code)
	h.service.Wait()

	rec := h.do(t, http.MethodGet, "/api/chat/"+chatID, "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Chat     models.Chat       `json:"chat"`
		Messages []*models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, chatID, resp.Chat.ID)
	assert.Len(t, resp.Messages, 2)

	rec = h.do(t, http.MethodGet, "/api/chat/"+chatID, "bob-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestResumeStream_DisabledWithoutStore(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	rec := h.do(t, http.MethodGet, "/api/chat/"+chatID+"/stream", "alice-token", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestResumeStream_ReplaysRecordedChunks(t *testing.T) {
	h, _ := newStreamingHarness(t)
	posted := h.do(t, http.MethodPost, "/api/chat", "alice-token", validBody())
	require.Equal(t, http.StatusOK, posted.Code)
	h.service.Wait()

	rec := h.do(t, http.MethodGet, "/api/chat/"+chatID+"/stream", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, posted.Body.String(), rec.Body.String(), "replay matches the original stream")
	assert.True(t, strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n"))

	rec = h.do(t, http.MethodGet, "/api/chat/"+chatID+"/stream", "bob-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden:chat", errorCode(t, rec))
}

func TestResumeStream_ExpiredStreamHasNoContent(t *testing.T) {
	h, mr := newStreamingHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/chat", "alice-token", validBody()).Code)
	h.service.Wait()

	mr.FastForward(2 * time.Hour)

	rec := h.do(t, http.MethodGet, "/api/chat/"+chatID+"/stream", "alice-token", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestResumeStream_NotFound(t *testing.T) {
	h, _ := newStreamingHarness(t)
	require.NoError(t, h.store.MemoryStorage.SaveChat(context.Background(), &models.Chat{
		ID: chatID, UserID: "alice", Title: "No streams yet", Visibility: models.VisibilityPrivate, CreatedAt: time.Now(),
	}))

	rec := h.do(t, http.MethodGet, "/api/chat/"+chatID+"/stream", "alice-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found:stream", errorCode(t, rec))

	rec = h.do(t, http.MethodGet, "/api/chat/1b2c3d4e-5f60-4a7e-9f0e-6f1c2a348d55/stream", "alice-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found:chat", errorCode(t, rec))
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "perfume_chat_http_requests_total")
}

// Package chat orchestrates one conversation turn: quota and ownership
// checks, persistence of the user message, retrieval of similar perfumes,
// the streamed model answer and the background write of the result.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/perfume-chat/internal/auth"
	"github.com/xaenox/perfume-chat/internal/catalog"
	"github.com/xaenox/perfume-chat/internal/embedding"
	"github.com/xaenox/perfume-chat/internal/llm"
	"github.com/xaenox/perfume-chat/internal/models"
	"github.com/xaenox/perfume-chat/internal/observability"
	"github.com/xaenox/perfume-chat/internal/prompt"
	"github.com/xaenox/perfume-chat/internal/storage"
	"github.com/xaenox/perfume-chat/internal/stream"
	"github.com/xaenox/perfume-chat/pkg/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultSearchLimit   = 5
	DefaultStreamTimeout = 5 * time.Minute
	persistTimeout       = 30 * time.Second
	quotaWindow          = 24 * time.Hour

	// Apology is streamed instead of an answer when retrieval fails
	Apology = "Sorry, I couldn't search the perfume catalog right now. Please try again in a moment."
)

// ErrResumeDisabled is returned by ResumableStream when no stream store is
// configured
var ErrResumeDisabled = errors.New("resumable streams are disabled")

// UsageReconciler enriches raw token counts; it must never fail
type UsageReconciler interface {
	Reconcile(ctx context.Context, raw models.TokenUsage, modelID string) models.Usage
}

// Sink receives the encoded chunks of a response stream in order
type Sink interface {
	Send(payload []byte) error
}

type Dependencies struct {
	Storage    storage.Storage
	Embedder   embedding.Embedder
	Searcher   catalog.Searcher
	Completer  llm.Completer
	Titler     llm.Titler
	Reconciler UsageReconciler
	// Streams is optional; nil disables resumable streams
	Streams stream.Store
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

type Options struct {
	// Limits holds the messages allowed per 24 hours for each user type
	Limits config.LimitsConfig
	// Models maps the selectable chat model to a provider model id
	Models        map[string]string
	SearchLimit   int
	MaxTokens     int
	Temperature   float64
	StreamTimeout time.Duration
}

type Service struct {
	deps   Dependencies
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	wg sync.WaitGroup
}

func NewService(deps Dependencies, opts Options, logger *zap.Logger) *Service {
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = DefaultSearchLimit
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = DefaultStreamTimeout
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.Tracer()
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// SendRequest is a validated POST /api/chat payload
type SendRequest struct {
	ChatID     string
	Message    *models.Message
	ChatModel  string
	Visibility models.Visibility
	Hints      prompt.RequestHints
}

// Turn is a prepared conversation turn ready to stream
type Turn struct {
	Chat     *models.Chat
	Message  *models.Message
	History  []*models.Message
	StreamID string
	ModelID  string
	Hints    prompt.RequestHints
	Created  bool
}

func (s *Service) modelID(chatModel string) string {
	if id, ok := s.opts.Models[chatModel]; ok {
		return id
	}
	return s.opts.Models["chat-model"]
}

// Prepare runs every check of a send before any side effect, then creates
// the chat when needed, saves the user message and records a stream id
func (s *Service) Prepare(ctx context.Context, session *auth.Session, req SendRequest) (*Turn, error) {
	if session == nil {
		return nil, NewError(Unauthorized, SurfaceChat, "")
	}

	since := s.now().Add(-quotaWindow)
	count, err := s.deps.Storage.CountUserMessages(ctx, session.UserID, since)
	if err != nil {
		return nil, DatabaseError(fmt.Errorf("count user messages: %w", err))
	}
	if limit := s.opts.Limits.QuotaFor(session.UserType); count >= limit {
		s.logger.Info("Daily message quota reached",
			zap.String("user_id", session.UserID),
			zap.String("user_type", session.UserType),
			zap.Int("count", count),
			zap.Int("limit", limit))
		return nil, NewError(RateLimit, SurfaceChat, "")
	}

	turn := &Turn{
		ModelID: s.modelID(req.ChatModel),
		Hints:   req.Hints,
	}

	chat, err := s.deps.Storage.GetChat(ctx, req.ChatID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		chat = &models.Chat{
			ID:         req.ChatID,
			UserID:     session.UserID,
			Title:      s.deps.Titler.GenerateTitle(ctx, req.Message),
			Visibility: req.Visibility,
			CreatedAt:  s.now(),
		}
		if err := s.deps.Storage.SaveChat(ctx, chat); err != nil {
			return nil, DatabaseError(fmt.Errorf("save chat: %w", err))
		}
		turn.Created = true
		s.logger.Info("Created chat",
			zap.String("chat_id", chat.ID),
			zap.String("user_id", session.UserID),
			zap.String("title", chat.Title))
	case err != nil:
		return nil, DatabaseError(fmt.Errorf("get chat: %w", err))
	case chat.UserID != session.UserID:
		return nil, NewError(Forbidden, SurfaceChat, "")
	default:
		history, err := s.deps.Storage.GetMessages(ctx, chat.ID)
		if err != nil {
			return nil, DatabaseError(fmt.Errorf("get messages: %w", err))
		}
		turn.History = history
	}
	turn.Chat = chat

	msg := *req.Message
	msg.ChatID = chat.ID
	msg.Role = models.RoleUser
	msg.CreatedAt = s.now()
	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}
	if err := s.deps.Storage.SaveMessages(ctx, []*models.Message{&msg}); err != nil {
		return nil, DatabaseError(fmt.Errorf("save user message: %w", err))
	}
	turn.Message = &msg

	turn.StreamID = uuid.NewString()
	if err := s.deps.Storage.CreateStreamID(ctx, turn.StreamID, chat.ID); err != nil {
		return nil, DatabaseError(fmt.Errorf("create stream id: %w", err))
	}

	return turn, nil
}

// emitter writes chunks to the client and, when enabled, to the stream
// store. Once the client is gone chunks are only recorded.
type emitter struct {
	s          *Service
	ctx        context.Context
	streamID   string
	sink       Sink
	clientGone bool
}

func (e *emitter) emit(chunk stream.Chunk) {
	payload, err := chunk.Encode()
	if err != nil {
		e.s.logger.Error("Failed to encode chunk", zap.Error(err), zap.String("type", string(chunk.Type)))
		return
	}

	if e.s.deps.Streams != nil {
		if err := e.s.deps.Streams.Append(e.ctx, e.streamID, payload); err != nil {
			e.s.logger.Warn("Failed to record chunk", zap.Error(err), zap.String("stream_id", e.streamID))
		}
	}

	if e.clientGone {
		return
	}
	if err := e.sink.Send(payload); err != nil {
		e.clientGone = true
		e.s.logger.Info("Client disconnected, finishing stream in background",
			zap.String("stream_id", e.streamID),
			zap.Error(err))
	}
}

func (e *emitter) finish() {
	if e.s.deps.Streams == nil {
		return
	}
	if err := e.s.deps.Streams.Finish(e.ctx, e.streamID); err != nil {
		e.s.logger.Warn("Failed to finish recorded stream", zap.Error(err), zap.String("stream_id", e.streamID))
	}
}

// Stream produces the assistant answer for a prepared turn. The model call
// runs detached from ctx so a disconnecting client does not lose the answer:
// it is drained and persisted in the background.
func (s *Service) Stream(ctx context.Context, turn *Turn, sink Sink) {
	defer s.deps.Metrics.StreamStarted()()

	streamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StreamTimeout)
	defer cancel()

	streamCtx, span := s.deps.Tracer.Start(streamCtx, "chat.stream", trace.WithAttributes(
		attribute.String("chat.id", turn.Chat.ID),
		attribute.String("chat.model", turn.ModelID),
	))
	defer span.End()

	logger := s.logger.With(
		zap.String("chat_id", turn.Chat.ID),
		zap.String("stream_id", turn.StreamID))

	out := &emitter{s: s, ctx: streamCtx, streamID: turn.StreamID, sink: sink}
	defer out.finish()

	assistantID := uuid.NewString()
	textID := uuid.NewString()
	out.emit(stream.Start(assistantID))
	out.emit(stream.StartStep())

	perfumes, err := s.retrieve(streamCtx, turn.Message.Text())
	if err != nil {
		logger.Error("Retrieval failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		out.emit(stream.TextStart(textID))
		out.emit(stream.TextDelta(textID, Apology))
		out.emit(stream.TextEnd(textID))
		out.emit(stream.FinishStep())
		out.emit(stream.Finish("error"))
		return
	}

	history := make([]*models.Message, 0, len(turn.History)+1)
	history = append(history, turn.History...)
	history = append(history, turn.Message)

	out.emit(stream.TextStart(textID))
	completeCtx, completeSpan := s.deps.Tracer.Start(streamCtx, "chat.complete")
	completion, err := s.deps.Completer.Stream(completeCtx, llm.CompletionRequest{
		Model:       turn.ModelID,
		System:      prompt.System(perfumes, turn.Hints),
		Messages:    history,
		MaxTokens:   s.opts.MaxTokens,
		Temperature: s.opts.Temperature,
	}, func(delta string) error {
		out.emit(stream.TextDelta(textID, delta))
		return nil
	})
	completeSpan.End()
	out.emit(stream.TextEnd(textID))

	if err != nil {
		logger.Error("Completion failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		s.deps.Metrics.Error("offline:chat")
		out.emit(stream.Error(NewError(Offline, SurfaceChat, "").Message()))
		return
	}

	usage := s.deps.Reconciler.Reconcile(streamCtx, completion.Usage, turn.ModelID)
	s.deps.Metrics.Usage(turn.ModelID, usage)
	span.SetAttributes(
		attribute.Int("usage.input_tokens", usage.InputTokens),
		attribute.Int("usage.output_tokens", usage.OutputTokens))

	out.emit(stream.Usage(usage))
	out.emit(stream.FinishStep())
	out.emit(stream.Finish(completion.FinishReason))

	assistant := &models.Message{
		ID:          assistantID,
		ChatID:      turn.Chat.ID,
		Role:        models.RoleAssistant,
		Parts:       []models.Part{{Type: models.TextPart, Text: completion.Text}},
		Attachments: []models.Attachment{},
		CreatedAt:   s.now(),
	}
	s.persist(context.WithoutCancel(ctx), assistant, usage)
}

// retrieve embeds text and finds the closest perfumes. A message without
// text, or with only whitespace, skips retrieval and yields no perfumes.
func (s *Service) retrieve(ctx context.Context, text string) ([]*models.Perfume, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	embedCtx, span := s.deps.Tracer.Start(ctx, "chat.embed")
	vector, err := s.deps.Embedder.Embed(embedCtx, text)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("embed message: %w", err)
	}

	searchCtx, span := s.deps.Tracer.Start(ctx, "chat.search", trace.WithAttributes(
		attribute.Int("search.limit", s.opts.SearchLimit)))
	perfumes, err := s.deps.Searcher.SearchSimilar(searchCtx, vector, s.opts.SearchLimit)
	span.SetAttributes(attribute.Int("search.results", len(perfumes)))
	span.End()
	if err != nil {
		return nil, fmt.Errorf("search catalog: %w", err)
	}

	s.deps.Metrics.SearchResults(len(perfumes))
	return perfumes, nil
}

// persist saves the assistant message and the chat's last usage without
// blocking the response. Failures are logged and dropped.
func (s *Service) persist(ctx context.Context, msg *models.Message, usage models.Usage) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, persistTimeout)
		defer cancel()

		if err := s.deps.Storage.SaveMessages(ctx, []*models.Message{msg}); err != nil {
			s.deps.Metrics.PersistFailed()
			s.logger.Error("Failed to save assistant message",
				zap.Error(err),
				zap.String("chat_id", msg.ChatID),
				zap.String("message_id", msg.ID))
			return
		}
		if err := s.deps.Storage.UpdateChatLastContext(ctx, msg.ChatID, &usage); err != nil {
			s.deps.Metrics.PersistFailed()
			s.logger.Error("Failed to update chat usage",
				zap.Error(err),
				zap.String("chat_id", msg.ChatID))
		}
	}()
}

// Wait blocks until background writes have finished
func (s *Service) Wait() {
	s.wg.Wait()
}

// ownedChat loads a chat and checks that the session owns it. A missing
// chat is reported with missing.
func (s *Service) ownedChat(ctx context.Context, session *auth.Session, chatID string, missing *Error) (*models.Chat, error) {
	if session == nil {
		return nil, NewError(Unauthorized, SurfaceChat, "")
	}
	chat, err := s.deps.Storage.GetChat(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, missing
	}
	if err != nil {
		return nil, DatabaseError(fmt.Errorf("get chat: %w", err))
	}
	if chat.UserID != session.UserID {
		return nil, NewError(Forbidden, SurfaceChat, "")
	}
	return chat, nil
}

// Delete removes a chat owned by the session and returns it
func (s *Service) Delete(ctx context.Context, session *auth.Session, chatID string) (*models.Chat, error) {
	if _, err := s.ownedChat(ctx, session, chatID, NewError(Forbidden, SurfaceChat, "")); err != nil {
		return nil, err
	}

	deleted, err := s.deps.Storage.DeleteChat(ctx, chatID)
	if err != nil {
		return nil, DatabaseError(fmt.Errorf("delete chat: %w", err))
	}
	s.logger.Info("Deleted chat", zap.String("chat_id", chatID), zap.String("user_id", session.UserID))
	return deleted, nil
}

// History returns a chat owned by the session with its messages
func (s *Service) History(ctx context.Context, session *auth.Session, chatID string) (*models.Chat, []*models.Message, error) {
	chat, err := s.ownedChat(ctx, session, chatID, NewError(NotFound, SurfaceChat, ""))
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.deps.Storage.GetMessages(ctx, chatID)
	if err != nil {
		return nil, nil, DatabaseError(fmt.Errorf("get messages: %w", err))
	}
	return chat, messages, nil
}

// ResumableStream returns the id of the most recent recorded stream of a
// chat owned by the session
func (s *Service) ResumableStream(ctx context.Context, session *auth.Session, chatID string) (string, error) {
	if s.deps.Streams == nil {
		return "", ErrResumeDisabled
	}
	if _, err := s.ownedChat(ctx, session, chatID, NewError(NotFound, SurfaceChat, "")); err != nil {
		return "", err
	}

	ids, err := s.deps.Storage.GetStreamIDs(ctx, chatID)
	if err != nil {
		return "", DatabaseError(fmt.Errorf("get stream ids: %w", err))
	}
	if len(ids) == 0 {
		return "", NewError(NotFound, SurfaceStream, "")
	}
	return ids[len(ids)-1], nil
}

// Streams exposes the stream store for replay, nil when disabled
func (s *Service) Streams() stream.Store {
	return s.deps.Streams
}

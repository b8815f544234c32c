package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xaenox/perfume-chat/internal/auth"
	"github.com/xaenox/perfume-chat/internal/chat"
	"github.com/xaenox/perfume-chat/internal/prompt"
	"github.com/xaenox/perfume-chat/internal/stream"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestHints reads the caller's location from edge proxy headers
func requestHints(c *gin.Context) prompt.RequestHints {
	country := c.GetHeader("X-Geo-Country")
	if country == "" {
		country = c.GetHeader("CF-IPCountry")
	}
	return prompt.RequestHints{
		City:    c.GetHeader("X-Geo-City"),
		Country: country,
	}
}

func (s *Server) handlePostChat(c *gin.Context) {
	var body PostRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, chat.NewError(chat.BadRequest, chat.SurfaceAPI, "Invalid request body."))
		return
	}
	if err := body.Validate(); err != nil {
		s.fail(c, chat.NewError(chat.BadRequest, chat.SurfaceAPI, validationCause(err)))
		return
	}

	session := auth.GetSession(c)
	if session == nil {
		s.fail(c, chat.NewError(chat.Unauthorized, chat.SurfaceChat, ""))
		return
	}

	ctx := c.Request.Context()
	turn, err := s.chat.Prepare(ctx, session, body.toSendRequest(requestHints(c)))
	if err != nil {
		s.fail(c, err)
		return
	}

	writer, err := newSSEWriter(ctx, c.Writer)
	if err != nil {
		s.fail(c, err)
		return
	}
	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	s.chat.Stream(ctx, turn, writer)
	if err := writer.Done(); err != nil {
		s.logger.Debug("Client left before end of stream",
			zap.String("request_id", requestID(c)),
			zap.String("chat_id", turn.Chat.ID))
	}
}

func (s *Server) handleDeleteChat(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		s.fail(c, chat.NewError(chat.BadRequest, chat.SurfaceAPI, "Parameter id is required."))
		return
	}

	session := auth.GetSession(c)
	if session == nil {
		s.fail(c, chat.NewError(chat.Unauthorized, chat.SurfaceChat, ""))
		return
	}

	deleted, err := s.chat.Delete(c.Request.Context(), session, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deleted)
}

func (s *Server) handleGetChat(c *gin.Context) {
	session := auth.GetSession(c)
	if session == nil {
		s.fail(c, chat.NewError(chat.Unauthorized, chat.SurfaceChat, ""))
		return
	}

	conversation, messages, err := s.chat.History(c.Request.Context(), session, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat":     conversation,
		"messages": messages,
	})
}

func (s *Server) handleResumeStream(c *gin.Context) {
	session := auth.GetSession(c)
	if session == nil {
		s.fail(c, chat.NewError(chat.Unauthorized, chat.SurfaceChat, ""))
		return
	}

	ctx := c.Request.Context()
	streamID, err := s.chat.ResumableStream(ctx, session, c.Param("id"))
	if errors.Is(err, chat.ErrResumeDisabled) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	store := s.chat.Streams()
	// an expired or never recorded stream has nothing to resume
	payloads, done, err := store.Read(ctx, streamID, 0)
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(payloads) == 0 && !done {
		c.Status(http.StatusNoContent)
		return
	}

	writer, err := newSSEWriter(ctx, c.Writer)
	if err != nil {
		s.fail(c, err)
		return
	}
	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	if err := stream.Replay(ctx, store, streamID, stream.DefaultPollInterval, writer.Send); err != nil {
		s.logger.Debug("Stream replay ended early",
			zap.Error(err),
			zap.String("stream_id", streamID))
		return
	}
	_ = writer.Done()
}

package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/xaenox/perfume-chat/internal/auth"
	"github.com/xaenox/perfume-chat/internal/chat"
	"github.com/xaenox/perfume-chat/internal/models"
	"go.uber.org/zap"
)

const (
	// Telegram rejects longer messages
	maxMessageLength = 4096
	historyLimit     = 5
	defaultChatModel = "chat-model"
)

// conversationNamespace seeds the deterministic conversation ids of
// Telegram chats
var conversationNamespace = uuid.MustParse("3d8b6f4e-2a1c-5e7f-9b0d-4c6a8e2f1b3d")

type ChatService interface {
	Prepare(ctx context.Context, session *auth.Session, req chat.SendRequest) (*chat.Turn, error)
	Stream(ctx context.Context, turn *chat.Turn, sink chat.Sink)
	Delete(ctx context.Context, session *auth.Session, chatID string) (*models.Chat, error)
	History(ctx context.Context, session *auth.Session, chatID string) (*models.Chat, []*models.Message, error)
}

// Sender is the part of the Telegram API the bot uses
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Bot struct {
	api         *tgbotapi.BotAPI
	sender      Sender
	service     ChatService
	generations Generations
	logger      *zap.Logger
}

func New(token string, service ChatService, generations Generations, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := NewWithSender(api, service, generations, logger)
	b.api = api
	logger.Info("Authorized on Telegram", zap.String("username", api.Self.UserName))
	return b, nil
}

// NewWithSender keeps generations in memory when none is given
func NewWithSender(sender Sender, service ChatService, generations Generations, logger *zap.Logger) *Bot {
	if generations == nil {
		generations = NewMemoryGenerations()
	}
	return &Bot{
		sender:      sender,
		service:     service,
		generations: generations,
		logger:      logger,
	}
}

// Start polls for updates until ctx is done
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			wg.Add(1)
			go func(message *tgbotapi.Message) {
				defer wg.Done()
				b.handleMessage(ctx, message)
			}(update.Message)
		}
	}
}

func sessionFor(message *tgbotapi.Message) *auth.Session {
	return &auth.Session{
		UserID:   "telegram:" + strconv.FormatInt(message.From.ID, 10),
		UserType: auth.UserTypeRegular,
	}
}

// conversationID is stable for a Telegram chat until /new or /delete
func (b *Bot) conversationID(ctx context.Context, chatID int64) (string, error) {
	generation, err := b.generations.Current(ctx, chatID)
	if err != nil {
		return "", err
	}
	return conversationUUID(chatID, generation), nil
}

func conversationUUID(chatID int64, generation int) string {
	name := fmt.Sprintf("telegram:%d:%d", chatID, generation)
	return uuid.NewSHA1(conversationNamespace, []byte(name)).String()
}

func (b *Bot) newConversation(ctx context.Context, chatID int64) error {
	_, err := b.generations.Next(ctx, chatID)
	return err
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil {
		return
	}

	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	content := message.Text
	if message.Caption != "" {
		content = message.Caption
	}
	if strings.TrimSpace(content) == "" {
		b.sendMessage(message.Chat.ID, "Please describe in words what kind of perfume you are looking for.")
		return
	}

	if _, err := b.sender.Request(tgbotapi.NewChatAction(message.Chat.ID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("Failed to send typing action", zap.Error(err))
	}

	conversationID, err := b.conversationID(ctx, message.Chat.ID)
	if err != nil {
		b.replyError(message, err)
		return
	}

	session := sessionFor(message)
	turn, err := b.service.Prepare(ctx, session, chat.SendRequest{
		ChatID: conversationID,
		Message: &models.Message{
			ID:    uuid.NewString(),
			Role:  models.RoleUser,
			Parts: []models.Part{{Type: models.TextPart, Text: content}},
		},
		ChatModel:  defaultChatModel,
		Visibility: models.VisibilityPrivate,
	})
	if err != nil {
		b.replyError(message, err)
		return
	}

	reply := &replyCollector{}
	b.service.Stream(ctx, turn, reply)

	text := reply.Text()
	if reply.Failed() {
		b.sendErrorMessage(message.Chat.ID, reply.ErrorText())
		if text == "" {
			return
		}
	}
	if text == "" {
		text = "Sorry, I have no answer for that. Try describing notes or occasions you like."
	}

	for i, part := range splitMessage(text, maxMessageLength) {
		msg := tgbotapi.NewMessage(message.Chat.ID, part)
		if i == 0 {
			msg.ReplyToMessageID = message.MessageID
		}
		if _, err := b.sender.Send(msg); err != nil {
			b.logger.Error("Failed to send answer",
				zap.Error(err),
				zap.Int64("chat_id", message.Chat.ID),
				zap.String("conversation_id", turn.Chat.ID))
			return
		}
	}
}

func (b *Bot) replyError(message *tgbotapi.Message, err error) {
	e, unknown := chat.AsError(err)
	if unknown || e.Surface == chat.SurfaceDatabase {
		b.logger.Error("Failed to handle message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID),
			zap.Int64("user_id", message.From.ID))
	}
	b.sendErrorMessage(message.Chat.ID, e.Message())
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "new":
		if err := b.newConversation(ctx, message.Chat.ID); err != nil {
			b.replyError(message, err)
			return
		}
		b.sendMessage(message.Chat.ID, "Started a new conversation. What are you in the mood for?")
	case "delete":
		b.handleDelete(ctx, message)
	case "history":
		b.handleHistory(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to Scentsei! 🌸
I recommend perfumes from our catalog based on what you like.

Tell me about scents, notes, occasions or brands you enjoy and I'll suggest something.
Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/new - Start a new conversation
/history - Show the latest messages of this conversation
/delete - Delete this conversation

Examples:
- Something fresh and citrusy for summer
- A warm vanilla scent for winter evenings
- Perfumes similar to Terre d'Hermès`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleDelete(ctx context.Context, message *tgbotapi.Message) {
	conversationID, err := b.conversationID(ctx, message.Chat.ID)
	if err != nil {
		b.replyError(message, err)
		return
	}
	if _, err := b.service.Delete(ctx, sessionFor(message), conversationID); err != nil {
		// a conversation that was never started cannot be deleted
		if e, _ := chat.AsError(err); e.Type == chat.Forbidden {
			b.sendMessage(message.Chat.ID, "There is nothing to delete yet.")
			return
		}
		b.replyError(message, err)
		return
	}

	if err := b.newConversation(ctx, message.Chat.ID); err != nil {
		b.replyError(message, err)
		return
	}
	b.sendMessage(message.Chat.ID, "Conversation deleted. Send a message to start a new one.")
}

func (b *Bot) handleHistory(ctx context.Context, message *tgbotapi.Message) {
	conversationID, err := b.conversationID(ctx, message.Chat.ID)
	if err != nil {
		b.replyError(message, err)
		return
	}

	conversation, messages, err := b.service.History(ctx, sessionFor(message), conversationID)
	if err != nil {
		if e, _ := chat.AsError(err); e.Type == chat.NotFound {
			b.sendMessage(message.Chat.ID, "You don't have any messages yet.")
			return
		}
		b.replyError(message, err)
		return
	}

	for _, part := range formatHistory(conversation, messages, historyLimit, maxMessageLength) {
		msg := tgbotapi.NewMessage(message.Chat.ID, part)
		msg.ParseMode = tgbotapi.ModeMarkdownV2
		if _, err := b.sender.Send(msg); err != nil {
			b.logger.Error("Failed to send history message",
				zap.Error(err),
				zap.Int64("chat_id", message.Chat.ID))
			return
		}
	}
}

// formatHistory renders the last limit messages as MarkdownV2 parts of at
// most maxLen runes. Message text is split before escaping so a cut never
// lands inside an escape sequence or an italic span.
func formatHistory(conversation *models.Chat, messages []*models.Message, limit, maxLen int) []string {
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	entries := []string{"*" + escapeMarkdown(conversation.Title) + "*"}
	for _, msg := range messages {
		who := "You"
		if msg.Role == models.RoleAssistant {
			who = "Scentsei"
		}
		header := "*" + who + ":*\n"
		// escaping at most doubles the text
		room := (maxLen - len([]rune(header)) - 2) / 2
		for _, chunk := range splitMessage(msg.Text(), room) {
			entries = append(entries, header+"_"+escapeMarkdown(chunk)+"_")
		}
	}

	var parts []string
	var current strings.Builder
	currentLen := 0
	for _, entry := range entries {
		n := len([]rune(entry))
		if currentLen > 0 && currentLen+2+n > maxLen {
			parts = append(parts, current.String())
			current.Reset()
			currentLen = 0
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(entry)
		currentLen += n
	}
	if currentLen > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// escapeMarkdown escapes the characters MarkdownV2 reserves
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

// splitMessage cuts text into pieces of at most limit runes, preferring
// line breaks and then spaces as cut points
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	var parts []string
	for len(runes) > limit {
		cut := limit
		if i := lastIndex(runes[:limit], '\n'); i > limit/2 {
			cut = i + 1
		} else if i := lastIndex(runes[:limit], ' '); i > limit/2 {
			cut = i + 1
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func lastIndex(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

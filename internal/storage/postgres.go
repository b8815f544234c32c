package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/xaenox/perfume-chat/internal/models"
	"github.com/xaenox/perfume-chat/pkg/config"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.String("dbname", cfg.DBName))

	return storage, nil
}

// NewPostgresStorageFromDB wraps an already opened handle without running
// migrations
func NewPostgresStorageFromDB(db *sql.DB, logger *zap.Logger) *PostgresStorage {
	return &PostgresStorage{db: db, logger: logger}
}

// DB exposes the handle so the catalog can share the connection pool
func (s *PostgresStorage) DB() *sql.DB {
	return s.db
}

func (s *PostgresStorage) initializeSchema() error {
	// Read migrations file
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	// Execute migrations
	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*models.Chat, error) {
	chat := &models.Chat{}
	var lastContext []byte
	err := row.Scan(
		&chat.ID,
		&chat.UserID,
		&chat.Title,
		&chat.Visibility,
		&lastContext,
		&chat.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(lastContext) > 0 {
		var usage models.Usage
		if err := json.Unmarshal(lastContext, &usage); err != nil {
			return nil, fmt.Errorf("error decoding last context: %w", err)
		}
		chat.LastContext = &usage
	}
	return chat, nil
}

func (s *PostgresStorage) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	query := `
		SELECT id, user_id, title, visibility, last_context, created_at
		FROM chats
		WHERE id = $1`

	chat, err := scanChat(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting chat: %w", err)
	}
	return chat, nil
}

func (s *PostgresStorage) SaveChat(ctx context.Context, chat *models.Chat) error {
	query := `
		INSERT INTO chats (id, user_id, title, visibility)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		chat.ID,
		chat.UserID,
		chat.Title,
		chat.Visibility,
	).Scan(&chat.CreatedAt)
	if err != nil {
		return fmt.Errorf("error saving chat: %w", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteChat(ctx context.Context, id string) (*models.Chat, error) {
	query := `
		DELETE FROM chats
		WHERE id = $1
		RETURNING id, user_id, title, visibility, last_context, created_at`

	chat, err := scanChat(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error deleting chat: %w", err)
	}
	return chat, nil
}

func (s *PostgresStorage) UpdateChatLastContext(ctx context.Context, id string, usage *models.Usage) error {
	payload, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("error encoding usage: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `UPDATE chats SET last_context = $1 WHERE id = $2`, payload, id)
	if err != nil {
		return fmt.Errorf("error updating chat context: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) GetMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	query := `
		SELECT id, chat_id, role, parts, attachments, created_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var parts, attachments []byte
		err := rows.Scan(
			&msg.ID,
			&msg.ChatID,
			&msg.Role,
			&parts,
			&attachments,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		if err := json.Unmarshal(parts, &msg.Parts); err != nil {
			return nil, fmt.Errorf("error decoding message parts: %w", err)
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
				return nil, fmt.Errorf("error decoding message attachments: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

func (s *PostgresStorage) SaveMessages(ctx context.Context, messages []*models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (id, chat_id, role, parts, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	for _, msg := range messages {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		parts, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("error encoding message parts: %w", err)
		}
		attachments := msg.Attachments
		if attachments == nil {
			attachments = []models.Attachment{}
		}
		attachmentsJSON, err := json.Marshal(attachments)
		if err != nil {
			return fmt.Errorf("error encoding message attachments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			msg.ID,
			msg.ChatID,
			msg.Role,
			parts,
			attachmentsJSON,
			msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("error saving message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing messages: %w", err)
	}
	return nil
}

func (s *PostgresStorage) CountUserMessages(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE c.user_id = $1 AND m.role = 'user' AND m.created_at >= $2`

	var count int
	if err := s.db.QueryRowContext(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("error counting messages: %w", err)
	}
	return count, nil
}

func (s *PostgresStorage) CreateStreamID(ctx context.Context, streamID, chatID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO streams (id, chat_id) VALUES ($1, $2)`, streamID, chatID)
	if err != nil {
		return fmt.Errorf("error creating stream id: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetStreamIDs(ctx context.Context, chatID string) ([]string, error) {
	query := `
		SELECT id
		FROM streams
		WHERE chat_id = $1
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("error querying stream ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning stream id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// Package database keeps the local conversation snapshot used to restore the
// directory before the first fetch completes.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chatsync/internal/errors"
	"chatsync/internal/migrations"
	"chatsync/internal/models"
)

// timeLayout is fixed width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

// New opens (creating when needed) the sqlite cache at path. With encrypt set
// the message bodies and participant lists are sealed with AES-GCM.
func New(path string, encrypt bool) (*Database, error) {
	if len(path) == 0 || path[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	enc, err := newEncryptor(encrypt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to read schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{db: db, encryptor: enc}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Encrypted reports whether values are sealed at rest.
func (d *Database) Encrypted() bool {
	return d.encryptor.enabled()
}

// SaveConversations replaces the owner's snapshot with convs. Temp messages
// are never persisted.
func (d *Database) SaveConversations(ctx context.Context, ownerID string, convs []models.Conversation) error {
	err := retryableDBOperationNoReturn(ctx, func() error {
		return d.saveConversations(ctx, ownerID, convs)
	}, "save conversations")
	if err != nil {
		return errors.NewDatabaseError("save conversations", err)
	}
	return nil
}

func (d *Database) saveConversations(ctx context.Context, ownerID string, convs []models.Conversation) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, DeleteMessagesQuery, ownerID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, DeleteConversationsQuery, ownerID); err != nil {
		return fmt.Errorf("failed to clear conversations: %w", err)
	}

	convStmt, err := tx.PrepareContext(ctx, InsertConversationQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare conversation insert: %w", err)
	}
	defer convStmt.Close()

	msgStmt, err := tx.PrepareContext(ctx, InsertMessageQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer msgStmt.Close()

	for i := range convs {
		conv := &convs[i]

		participants, err := d.sealJSON(conv.Participants)
		if err != nil {
			return fmt.Errorf("failed to encode participants of %s: %w", conv.ID, err)
		}
		if _, err := convStmt.ExecContext(ctx, ownerID, conv.ID, participants, formatTime(conv.UpdatedAt)); err != nil {
			return fmt.Errorf("failed to insert conversation %s: %w", conv.ID, err)
		}

		for j := range conv.Messages {
			msg := &conv.Messages[j]
			if msg.IsTemp || models.IsTempID(msg.ID) {
				continue
			}
			if err := d.insertMessage(ctx, msgStmt, ownerID, conv.ID, msg); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

func (d *Database) insertMessage(ctx context.Context, stmt *sql.Stmt, ownerID, convID string, msg *models.Message) error {
	content, err := d.encryptor.Encrypt(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to encrypt content of %s: %w", msg.ID, err)
	}

	var attachment *string
	if msg.Attachment != nil {
		sealed, err := d.sealJSON(msg.Attachment)
		if err != nil {
			return fmt.Errorf("failed to encode attachment of %s: %w", msg.ID, err)
		}
		attachment = &sealed
	}

	_, err = stmt.ExecContext(ctx,
		ownerID,
		msg.ID,
		convID,
		msg.Sender.ID,
		msg.Sender.DisplayName,
		msg.Sender.AvatarRef,
		msg.ReceiverID,
		content,
		attachment,
		formatTime(msg.CreatedAt),
		formatOptionalTime(msg.UpdatedAt),
		msg.Seen,
		formatOptionalTime(msg.SeenAt),
		msg.IsPinned,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

// LoadConversations returns the owner's snapshot with messages in
// chronological order.
func (d *Database) LoadConversations(ctx context.Context, ownerID string) ([]models.Conversation, error) {
	convs, err := d.loadConversations(ctx, ownerID)
	if err != nil {
		return nil, errors.NewDatabaseError("load conversations", err)
	}
	return convs, nil
}

func (d *Database) loadConversations(ctx context.Context, ownerID string) ([]models.Conversation, error) {
	rows, err := d.db.QueryContext(ctx, SelectConversationsQuery, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	index := make(map[string]int)
	for rows.Next() {
		var (
			conv         models.Conversation
			participants string
			updatedAt    string
		)
		if err := rows.Scan(&conv.ID, &participants, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if err := d.openJSON(participants, &conv.Participants); err != nil {
			return nil, fmt.Errorf("failed to decode participants of %s: %w", conv.ID, err)
		}
		if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		index[conv.ID] = len(convs)
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	msgRows, err := d.db.QueryContext(ctx, SelectMessagesQuery, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		msg, err := d.scanMessage(msgRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[msg.ConversationID]; ok {
			convs[i].Messages = append(convs[i].Messages, msg)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return convs, nil
}

func (d *Database) scanMessage(rows *sql.Rows) (models.Message, error) {
	var (
		msg        models.Message
		content    string
		attachment sql.NullString
		createdAt  string
		updatedAt  sql.NullString
		seenAt     sql.NullString
	)
	err := rows.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Sender.ID,
		&msg.Sender.DisplayName,
		&msg.Sender.AvatarRef,
		&msg.ReceiverID,
		&content,
		&attachment,
		&createdAt,
		&updatedAt,
		&msg.Seen,
		&seenAt,
		&msg.IsPinned,
	)
	if err != nil {
		return msg, fmt.Errorf("failed to scan message: %w", err)
	}

	if msg.Content, err = d.encryptor.Decrypt(content); err != nil {
		return msg, fmt.Errorf("failed to decrypt content of %s: %w", msg.ID, err)
	}
	if attachment.Valid {
		msg.Attachment = &models.Attachment{}
		if err := d.openJSON(attachment.String, msg.Attachment); err != nil {
			return msg, fmt.Errorf("failed to decode attachment of %s: %w", msg.ID, err)
		}
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return msg, err
	}
	if msg.UpdatedAt, err = parseOptionalTime(updatedAt); err != nil {
		return msg, err
	}
	if msg.SeenAt, err = parseOptionalTime(seenAt); err != nil {
		return msg, err
	}
	return msg, nil
}

// MessageCount returns the number of cached messages for the owner.
func (d *Database) MessageCount(ctx context.Context, ownerID string) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, CountMessagesQuery, ownerID).Scan(&count); err != nil {
		return 0, errors.NewDatabaseError("count messages", err)
	}
	return count, nil
}

func (d *Database) sealJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return d.encryptor.Encrypt(string(raw))
}

func (d *Database) openJSON(value string, v any) error {
	raw, err := d.encryptor.Decrypt(value)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseOptionalTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

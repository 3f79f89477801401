package database

// Conversation snapshot queries
const (
	DeleteConversationsQuery = `DELETE FROM conversations WHERE owner_id = ?`

	DeleteMessagesQuery = `DELETE FROM messages WHERE owner_id = ?`

	InsertConversationQuery = `
		INSERT INTO conversations (owner_id, id, participants, updated_at)
		VALUES (?, ?, ?, ?)
	`

	InsertMessageQuery = `
		INSERT OR REPLACE INTO messages (
			owner_id, id, conversation_id, sender_id, sender_name, sender_avatar,
			receiver_id, content, attachment, created_at, updated_at,
			seen, seen_at, is_pinned
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	SelectConversationsQuery = `
		SELECT id, participants, updated_at
		FROM conversations
		WHERE owner_id = ?
		ORDER BY id
	`

	SelectMessagesQuery = `
		SELECT id, conversation_id, sender_id, sender_name, sender_avatar,
		       receiver_id, content, attachment, created_at, updated_at,
		       seen, seen_at, is_pinned
		FROM messages
		WHERE owner_id = ?
		ORDER BY conversation_id, created_at, id
	`

	CountMessagesQuery = `SELECT COUNT(*) FROM messages WHERE owner_id = ?`
)

package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"salonchat/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotParticipant = errors.New("user is not a participant")
)

type DB struct {
	*sql.DB
}

func NewDB(dbPath string) (*DB, error) {
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'CLIENT',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			joined_at DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'USER',
			is_read INTEGER NOT NULL DEFAULT 0,
			read_at DATETIME,
			attachments TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (sender_id) REFERENCES users(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

func now() time.Time {
	return time.Now().UTC()
}

// User methods
func (db *DB) CreateUser(username, password, firstName, lastName, role string) (*models.User, error) {
	if role == "" {
		role = "CLIENT"
	}
	user := &models.User{
		ID:        uuid.NewString(),
		Username:  username,
		FirstName: firstName,
		LastName:  lastName,
		Role:      role,
		CreatedAt: now(),
	}

	_, err := db.Exec(
		"INSERT INTO users (id, username, password, first_name, last_name, role, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		user.ID, username, password, firstName, lastName, role, user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

const userColumns = "id, username, password, first_name, last_name, role, created_at"

func scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.Password, &user.FirstName, &user.LastName, &user.Role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &user, nil
}

func (db *DB) GetUserByUsername(username string) (*models.User, error) {
	return scanUser(db.QueryRow("SELECT "+userColumns+" FROM users WHERE username = ?", username))
}

func (db *DB) GetUserByID(id string) (*models.User, error) {
	return scanUser(db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id))
}

// Conversation methods
func (db *DB) CreateConversation(name string, participants []string) (*models.ConversationSummary, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	conv := &models.ConversationSummary{ID: uuid.NewString(), Name: name, CreatedAt: now()}
	if _, err := tx.Exec(
		"INSERT INTO conversations (id, name, created_at) VALUES (?, ?, ?)",
		conv.ID, conv.Name, conv.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	for _, userID := range participants {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)",
			conv.ID, userID, conv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to add participant %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return conv, nil
}

// GetUserConversations lists userID's conversations, newest first, with
// the number of messages userID has not read yet.
func (db *DB) GetUserConversations(userID string) ([]models.ConversationSummary, error) {
	rows, err := db.Query(`
		SELECT c.id, c.name, c.created_at,
			(SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = c.id AND m.sender_id != ? AND m.is_read = 0)
		FROM conversations c
		JOIN conversation_participants cp ON c.id = cp.conversation_id
		WHERE cp.user_id = ?
		ORDER BY c.created_at DESC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	conversations := []models.ConversationSummary{}
	for rows.Next() {
		var conv models.ConversationSummary
		if err := rows.Scan(&conv.ID, &conv.Name, &conv.CreatedAt, &conv.UnreadCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	for i := range conversations {
		var last time.Time
		err := db.QueryRow(
			"SELECT created_at FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1",
			conversations[i].ID,
		).Scan(&last)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("failed to load last message time: %w", err)
		default:
			conversations[i].LastMessageAt = &last
		}
	}

	return conversations, nil
}

func (db *DB) IsParticipant(conversationID, userID string) (bool, error) {
	var n int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetConversationParticipantIDs returns all participant IDs for a conversation
func (db *DB) GetConversationParticipantIDs(conversationID string) ([]string, error) {
	rows, err := db.Query(
		"SELECT user_id FROM conversation_participants WHERE conversation_id = ?",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participantIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan participant ID: %w", err)
		}
		participantIDs = append(participantIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %w", err)
	}

	return participantIDs, nil
}

// Message methods

// SaveMessage stores message, filling in its id, creation time and sender
// summary.
func (db *DB) SaveMessage(message *models.Message) (*models.Message, error) {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now()
	}
	if message.Type == "" {
		message.Type = models.MessageTypeUser
	}
	attachments, err := json.Marshal(nonNil(message.Attachments))
	if err != nil {
		return nil, fmt.Errorf("failed to encode attachments: %w", err)
	}

	if _, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, type, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, message.ID, message.ConversationID, message.SenderID, message.Content, message.Type, string(attachments), message.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	sender, err := db.GetUserByID(message.SenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sender: %w", err)
	}
	message.Sender = sender.Sender()
	return message, nil
}

func nonNil(a []models.Attachment) []models.Attachment {
	if a == nil {
		return []models.Attachment{}
	}
	return a
}

const messageSelect = `
	SELECT m.id, m.conversation_id, m.sender_id, m.content, m.type, m.is_read, m.read_at,
		m.attachments, m.created_at, u.first_name, u.last_name, u.role
	FROM messages m
	JOIN users u ON u.id = m.sender_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		msg         models.Message
		readAt      sql.NullTime
		attachments string
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Type, &msg.IsRead, &readAt,
		&attachments, &msg.CreatedAt, &msg.Sender.FirstName, &msg.Sender.LastName, &msg.Sender.Role)
	if err != nil {
		return msg, err
	}
	msg.Sender.ID = msg.SenderID
	if readAt.Valid {
		t := readAt.Time
		msg.ReadAt = &t
	}
	if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
		return msg, fmt.Errorf("failed to decode attachments: %w", err)
	}
	if len(msg.Attachments) == 0 {
		msg.Attachments = nil
	}
	return msg, nil
}

func (db *DB) GetMessage(id string) (*models.Message, error) {
	msg, err := scanMessage(db.QueryRow(messageSelect+" WHERE m.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetConversationMessages returns a page of messages, newest first.
func (db *DB) GetConversationMessages(conversationID string, limit, offset int) ([]models.Message, error) {
	rows, err := db.Query(messageSelect+`
		WHERE m.conversation_id = ?
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT ? OFFSET ?
	`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkMessageRead marks a message read on behalf of readerID. changed is
// false when the message was already read. Senders cannot mark their own
// messages.
func (db *DB) MarkMessageRead(messageID, readerID string) (msg *models.Message, changed bool, err error) {
	msg, err = db.GetMessage(messageID)
	if err != nil {
		return nil, false, err
	}
	ok, err := db.IsParticipant(msg.ConversationID, readerID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrNotParticipant
	}
	if msg.IsRead || msg.SenderID == readerID {
		return msg, false, nil
	}

	readAt := now()
	res, err := db.Exec("UPDATE messages SET is_read = 1, read_at = ? WHERE id = ? AND is_read = 0", readAt, messageID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark message read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	msg.IsRead = true
	msg.ReadAt = &readAt
	return msg, n > 0, nil
}

// MarkConversationRead marks every message readerID received in the
// conversation as read and returns the ids that changed.
func (db *DB) MarkConversationRead(conversationID, readerID string) ([]string, time.Time, error) {
	readAt := now()

	tx, err := db.Begin()
	if err != nil {
		return nil, readAt, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT id FROM messages WHERE conversation_id = ? AND sender_id != ? AND is_read = 0",
		conversationID, readerID,
	)
	if err != nil {
		return nil, readAt, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, readAt, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, readAt, err
	}

	if _, err := tx.Exec(
		"UPDATE messages SET is_read = 1, read_at = ? WHERE conversation_id = ? AND sender_id != ? AND is_read = 0",
		readAt, conversationID, readerID,
	); err != nil {
		return nil, readAt, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return ids, readAt, tx.Commit()
}

// CountUnread returns how many messages userID has not read across all of
// their conversations.
func (db *DB) CountUnread(userID string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages m
		JOIN conversation_participants cp ON cp.conversation_id = m.conversation_id
		WHERE cp.user_id = ? AND m.sender_id != ? AND m.is_read = 0
	`, userID, userID).Scan(&n)
	return n, err
}

func (db *DB) CountConversationUnread(conversationID, userID string) (int, error) {
	var n int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND sender_id != ? AND is_read = 0",
		conversationID, userID,
	).Scan(&n)
	return n, err
}

package models

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageTypeUser   MessageType = "USER"
	MessageTypeSystem MessageType = "SYSTEM"
)

type Sender struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

// DisplayName joins the name fields, falling back to the id.
func (s Sender) DisplayName() string {
	switch {
	case s.FirstName != "" && s.LastName != "":
		return s.FirstName + " " + s.LastName
	case s.FirstName != "":
		return s.FirstName
	case s.LastName != "":
		return s.LastName
	}
	return s.ID
}

type Attachment struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Message is immutable once created except for IsRead and ReadAt.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId,omitempty"`
	Content        string       `json:"content"`
	SenderID       string       `json:"senderId"`
	Type           MessageType  `json:"type"`
	IsRead         bool         `json:"isRead"`
	ReadAt         *time.Time   `json:"readAt"`
	CreatedAt      time.Time    `json:"createdAt"`
	Sender         Sender       `json:"sender"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sender returns the summary embedded in messages sent by u.
func (u User) Sender() Sender {
	return Sender{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Role: u.Role}
}

type ConversationSummary struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	UnreadCount   int        `json:"unreadCount"`
	LastMessageAt *time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Request/Response structures
type RegisterRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type CreateConversationRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

type UnreadCountResponse struct {
	Count int `json:"count"`
}

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Type: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = data
	return env, nil
}

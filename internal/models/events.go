package models

import "time"

// Socket event names.
const (
	// Transport pseudo-events, raised locally by the socket client.
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"

	EventAuth                      = "auth"
	EventJoinConversation          = "join-conversation"
	EventLeaveConversation         = "leave-conversation"
	EventSendMessage               = "send-message"
	EventMarkAsRead                = "mark-as-read"
	EventMarkConversationAsRead    = "mark-conversation-as-read"
	EventUserTyping                = "user-typing"
	EventUserStoppedTyping         = "user-stopped-typing"
	EventUnreadCountUpdated        = "unread-count-updated"
	EventConversationHistory       = "conversation-history"
	EventNewMessage                = "new-message"
	EventMessageRead               = "message-read"
	EventConversationUnreadUpdated = "conversation-unread-updated"
	EventError                     = "error"
)

type AuthPayload struct {
	Token string `json:"token"`
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments"`
}

type MarkAsReadPayload struct {
	MessageID string `json:"messageId"`
}

type UnreadCountPayload struct {
	TotalUnread int `json:"totalUnread"`
}

type HistoryPayload struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
}

type MessageReadPayload struct {
	MessageID string    `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}

type ConversationUnreadPayload struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type DisconnectPayload struct {
	Reason string `json:"reason"`
}

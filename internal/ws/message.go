package ws

import "github.com/playchat/internal/model"

type EventType string

// Client → server.
const (
	EventOpenConversation  EventType = "open_conversation"
	EventCloseConversation EventType = "close_conversation"
	EventSendMessage       EventType = "send_message"
	EventTyping            EventType = "typing"
	EventTypingStop        EventType = "typing_stop"
	EventToggleReaction    EventType = "toggle_reaction"
	EventLogout            EventType = "logout"
)

// Server → client.
const (
	EventPresence      EventType = "presence"
	EventMessages      EventType = "messages"
	EventTypingState   EventType = "typing"
	EventReactions     EventType = "reactions"
	EventUnread        EventType = "unread"
	EventRelationships EventType = "relationships"
	EventNotice        EventType = "notice"
	EventError         EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type EventType `json:"type"`
	Peer string    `json:"peer,omitempty"`
	Text string    `json:"text,omitempty"`

	Attachment bool `json:"attachment,omitempty"`

	// For reactions
	MessageID string `json:"message_id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// MessagesPayload is the full ordered view of the open conversation.
type MessagesPayload struct {
	ConversationKey string          `json:"conversation_key"`
	Messages        []model.Message `json:"messages"`
}

type TypingPayload struct {
	ConversationKey string `json:"conversation_key"`
	Name            string `json:"name"`
	Typing          bool   `json:"typing"`
}

// ReactionsPayload maps message id to its reaction groups.
type ReactionsPayload struct {
	ConversationKey string                           `json:"conversation_key"`
	Reactions       map[string][]model.ReactionGroup `json:"reactions"`
}

type UnreadPayload struct {
	Counts map[string]int64 `json:"counts"`
}

// NoticePayload reports a failed user action.
type NoticePayload struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

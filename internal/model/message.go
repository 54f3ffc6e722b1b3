package model

import "time"

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

var statusRank = map[MessageStatus]int{
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// Before reports whether s is an earlier delivery stage than t. An empty
// status counts as the earliest.
func (s MessageStatus) Before(t MessageStatus) bool { return statusRank[s] < statusRank[t] }

// AttachmentPlaceholder заменяет пустой текст сообщения с вложением.
const AttachmentPlaceholder = "[Attachment]"

// Message is one entry of messages/{conversationKey}. Only Status changes after send.
type Message struct {
	ID              string        `json:"id,omitempty"`
	ConversationKey string        `json:"conversationKey,omitempty"`
	SenderID        string        `json:"from"`
	RecipientID     string        `json:"to"`
	Text            string        `json:"text"`
	SentAt          int64         `json:"time"` // Unix ms
	Status          MessageStatus `json:"status,omitempty"`
}

func (m Message) SentTime() time.Time { return time.UnixMilli(m.SentAt) }

// LastMessage is the conversation preview stored at lastMessages/{conversationKey}.
type LastMessage struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"from"`
	Text      string `json:"text"`
	SentAt    int64  `json:"time"`
}

// ReactionGroup is aggregated reaction info for display.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"` // user IDs
}

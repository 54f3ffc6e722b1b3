package model

// Contact: строка списка чатов: друг, его presence, непрочитанные и последнее сообщение.
type Contact struct {
	User            User         `json:"user"`
	ConversationKey string       `json:"conversationKey"`
	UnreadCount     int64        `json:"unreadCount"`
	LastMessage     *LastMessage `json:"lastMessage,omitempty"`
}

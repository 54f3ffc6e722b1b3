package ws

import "github.com/playchat/internal/model"

// renderer turns session output into socket events.
type renderer struct{ c *Client }

func (r renderer) emit(t EventType, payload any) {
	r.c.hub.sendToClient(r.c, OutgoingMessage{Type: t, Payload: payload})
}

func (r renderer) Presence(p model.Presence)             { r.emit(EventPresence, p) }
func (r renderer) Unread(counts map[string]int64)        { r.emit(EventUnread, UnreadPayload{Counts: counts}) }
func (r renderer) Relationships(rel model.Relationships) { r.emit(EventRelationships, rel) }

func (r renderer) Messages(key string, msgs []model.Message) {
	if msgs == nil {
		msgs = []model.Message{}
	}
	r.emit(EventMessages, MessagesPayload{ConversationKey: key, Messages: msgs})
}

func (r renderer) Typing(key, name string, typing bool) {
	r.emit(EventTypingState, TypingPayload{ConversationKey: key, Name: name, Typing: typing})
}

func (r renderer) Reactions(key string, byMessage map[string][]model.ReactionGroup) {
	r.emit(EventReactions, ReactionsPayload{ConversationKey: key, Reactions: byMessage})
}

func (r renderer) Notice(op string, err error) {
	r.emit(EventNotice, NoticePayload{Op: op, Error: err.Error()})
}

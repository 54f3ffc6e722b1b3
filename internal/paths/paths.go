// Package paths: схема ключей хранилища. Любой путь собирается только здесь.
package paths

import "github.com/playchat/internal/storage"

const (
	Users          = "users"
	Friends        = "friends"
	FriendRequests = "friendRequests"
	SentRequests   = "sentRequests"
	Following      = "following"
	Followers      = "followers"
	Messages       = "messages"
	Typing         = "typing"
	Reactions      = "messageReactions"
	Unreads        = "unreads"
	LastMessages   = "lastMessages"
)

func User(uid string) string { return storage.Join(Users, uid) }

func Friend(uid, other string) string      { return storage.Join(Friends, uid, other) }
func FriendsOf(uid string) string          { return storage.Join(Friends, uid) }
func FriendRequest(to, from string) string { return storage.Join(FriendRequests, to, from) }
func IncomingRequests(uid string) string   { return storage.Join(FriendRequests, uid) }
func SentRequest(from, to string) string   { return storage.Join(SentRequests, from, to) }
func OutgoingRequests(uid string) string   { return storage.Join(SentRequests, uid) }
func Follow(uid, target string) string     { return storage.Join(Following, uid, target) }
func FollowingOf(uid string) string        { return storage.Join(Following, uid) }
func Follower(target, uid string) string   { return storage.Join(Followers, target, uid) }
func FollowersOf(uid string) string        { return storage.Join(Followers, uid) }

func Conversation(key string) string      { return storage.Join(Messages, key) }
func Message(key, msgID string) string    { return storage.Join(Messages, key, msgID) }
func TypingIn(key string) string          { return storage.Join(Typing, key) }
func TypingFlag(key, uid string) string   { return storage.Join(Typing, key, uid) }
func LastMessage(key string) string       { return storage.Join(LastMessages, key) }
func Unread(recipient, key string) string { return storage.Join(Unreads, recipient, key) }
func UnreadsOf(recipient string) string   { return storage.Join(Unreads, recipient) }

func ConversationReactions(key string) string { return storage.Join(Reactions, key) }

func MessageReactions(key, msgID string) string { return storage.Join(Reactions, key, msgID) }

// Reaction: бит участия uid в реакции emoji; эмодзи кодируется в один сегмент.
func Reaction(key, msgID, emoji, uid string) string {
	return storage.Join(Reactions, key, msgID, storage.EscapeSegment(emoji), uid)
}

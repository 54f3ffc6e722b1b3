// Package chat stores and streams the messages of two-party conversations.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/playchat/internal/convkey"
	"github.com/playchat/internal/events"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/paths"
	"github.com/playchat/internal/presence"
	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/unread"
)

// MaxTextRunes limits one message.
const MaxTextRunes = 4000

const notifyTimeout = 10 * time.Second

var (
	ErrEmptyMessage   = errors.New("chat: empty message")
	ErrMessageTooLong = errors.New("chat: message too long")
	ErrKeyMismatch    = errors.New("chat: conversation key does not match participants")
)

// Notifier delivers a web push about msg to its recipient.
type Notifier interface {
	NotifyMessage(ctx context.Context, senderName string, msg model.Message) error
}

type Service struct {
	db       *storage.DB
	unread   *unread.Counter
	presence *presence.Tracker
	notifier Notifier
	events   events.Publisher
}

// NewService wires the message side effects. notifier may be nil; a nil pub
// drops events.
func NewService(db *storage.DB, counter *unread.Counter, tracker *presence.Tracker, notifier Notifier, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{db: db, unread: counter, presence: tracker, notifier: notifier, events: pub}
}

type SendRequest struct {
	Key           string
	SenderID      string
	RecipientID   string
	Text          string
	HasAttachment bool
}

// Validate checks the request without touching the store and returns the text to store.
func (r SendRequest) Validate() (string, error) {
	text := strings.TrimSpace(r.Text)
	if text == "" {
		if !r.HasAttachment {
			return "", ErrEmptyMessage
		}
		text = model.AttachmentPlaceholder
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return "", ErrMessageTooLong
	}
	want, err := convkey.Key(r.SenderID, r.RecipientID)
	if err != nil {
		return "", err
	}
	if r.Key != want {
		return "", fmt.Errorf("%w: got %q, want %q", ErrKeyMismatch, r.Key, want)
	}
	return text, nil
}

// Send appends the message and then runs the side effects (unread counter,
// last message preview, push, event). Only the append can fail the call.
func (s *Service) Send(ctx context.Context, req SendRequest) (model.Message, error) {
	defer logger.DeferLogDuration("chat.Send", time.Now())()
	text, err := req.Validate()
	if err != nil {
		return model.Message{}, err
	}
	msg := model.Message{
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Text:        text,
		SentAt:      s.db.Now().UnixMilli(),
		Status:      model.MessageStatusSent,
	}
	id, err := s.db.Push(ctx, paths.Conversation(req.Key), msg)
	if err != nil {
		return model.Message{}, fmt.Errorf("chat.Send: %w", err)
	}
	msg.ID = id
	msg.ConversationKey = req.Key

	if _, err := s.unread.Increment(ctx, msg.RecipientID, msg.ConversationKey); err != nil {
		logger.Errorf("chat.Send %s: unread: %v", id, err)
	}
	last := model.LastMessage{MessageID: id, SenderID: msg.SenderID, Text: msg.Text, SentAt: msg.SentAt}
	if err := s.db.Set(ctx, paths.LastMessage(msg.ConversationKey), last); err != nil {
		logger.Errorf("chat.Send %s: last message: %v", id, err)
	}
	s.notifyIfOffline(msg)
	s.events.Publish(ctx, events.MessageSent, msg)
	return msg, nil
}

func (s *Service) notifyIfOffline(msg model.Message) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		p, err := s.presence.Get(ctx, msg.RecipientID)
		if err != nil {
			logger.Errorf("chat.notify %s: %v", msg.ID, err)
			return
		}
		if p.Online {
			return
		}
		name := msg.SenderID
		if snap, err := s.db.Get(ctx, paths.User(msg.SenderID)); err == nil {
			var u model.User
			if snap.Decode(&u) == nil {
				u.ID = msg.SenderID
				name = u.DisplayName()
			}
		}
		if err := s.notifier.NotifyMessage(ctx, name, msg); err != nil {
			logger.Errorf("chat.notify %s: %v", msg.ID, err)
		}
	}()
}

// SortBySentAt orders messages by sentAt, then id.
func SortBySentAt(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].SentAt != msgs[j].SentAt {
			return msgs[i].SentAt < msgs[j].SentAt
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func decodeMessages(key string, snap storage.Snapshot) []model.Message {
	children := snap.Children()
	msgs := make([]model.Message, 0, len(children))
	for _, child := range children {
		var m model.Message
		if err := child.Decode(&m); err != nil {
			logger.Errorf("chat: skip message %s: %v", child.Path(), err)
			continue
		}
		m.ID = child.Key()
		m.ConversationKey = key
		msgs = append(msgs, m)
	}
	SortBySentAt(msgs)
	return msgs
}

// Subscribe delivers the whole conversation, sorted, now and after every change.
func (s *Service) Subscribe(key string, cb func([]model.Message)) (*storage.Subscription, error) {
	if _, _, err := convkey.Split(key); err != nil {
		return nil, err
	}
	sub, err := s.db.OnValue(paths.Conversation(key), func(snap storage.Snapshot) {
		cb(decodeMessages(key, snap))
	})
	if err != nil {
		return nil, fmt.Errorf("chat.Subscribe: %w", err)
	}
	return sub, nil
}

func (s *Service) History(ctx context.Context, key string) ([]model.Message, error) {
	defer logger.DeferLogDuration("chat.History", time.Now())()
	if _, _, err := convkey.Split(key); err != nil {
		return nil, err
	}
	snap, err := s.db.Get(ctx, paths.Conversation(key))
	if err != nil {
		return nil, fmt.Errorf("chat.History: %w", err)
	}
	return decodeMessages(key, snap), nil
}

// LastMessage returns nil when the conversation has no messages yet.
func (s *Service) LastMessage(ctx context.Context, key string) (*model.LastMessage, error) {
	snap, err := s.db.Get(ctx, paths.LastMessage(key))
	if err != nil {
		return nil, fmt.Errorf("chat.LastMessage: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	var last model.LastMessage
	if err := snap.Decode(&last); err != nil {
		return nil, fmt.Errorf("chat.LastMessage: %w", err)
	}
	return &last, nil
}

// MarkRead moves every message addressed to reader to read in one update.
func (s *Service) MarkRead(ctx context.Context, key, reader string) (int, error) {
	defer logger.DeferLogDuration("chat.MarkRead", time.Now())()
	n, err := s.advance(ctx, key, reader, model.MessageStatusRead)
	if err != nil {
		return 0, fmt.Errorf("chat.MarkRead: %w", err)
	}
	return n, nil
}

// MarkDelivered moves messages addressed to recipient from sent to delivered.
// Read messages stay read.
func (s *Service) MarkDelivered(ctx context.Context, key, recipient string) (int, error) {
	defer logger.DeferLogDuration("chat.MarkDelivered", time.Now())()
	n, err := s.advance(ctx, key, recipient, model.MessageStatusDelivered)
	if err != nil {
		return 0, fmt.Errorf("chat.MarkDelivered: %w", err)
	}
	return n, nil
}

// advance raises the status of messages addressed to uid up to target; a
// status never goes back.
func (s *Service) advance(ctx context.Context, key, uid string, target model.MessageStatus) (int, error) {
	msgs, err := s.History(ctx, key)
	if err != nil {
		return 0, err
	}
	fields := make(map[string]any)
	for _, m := range msgs {
		if m.RecipientID == uid && m.Status.Before(target) {
			fields[m.ID+"/status"] = target
		}
	}
	if len(fields) == 0 {
		return 0, nil
	}
	if err := s.db.Update(ctx, paths.Conversation(key), fields); err != nil {
		return 0, err
	}
	return len(fields), nil
}

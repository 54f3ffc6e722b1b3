package session

import (
	"context"
	"slices"

	"github.com/playchat/internal/chat"
	"github.com/playchat/internal/convkey"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/paths"
	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/typing"
)

type conversation struct {
	key      string
	peer     string
	peerName string
	gen      uint64
	subs     storage.Subscriptions
	typing   *typing.Indicator
}

// current runs fn only while gen is still the open conversation.
func (s *Session) current(gen uint64, fn func(c *conversation)) {
	s.callback(func() {
		if s.active != nil && s.active.gen == gen {
			fn(s.active)
		}
	})
}

func (s *Session) peerName(ctx context.Context, peer string) string {
	snap, err := s.deps.DB.Get(ctx, paths.User(peer))
	if err != nil {
		return peer
	}
	var u model.User
	if err := snap.Decode(&u); err != nil {
		return peer
	}
	u.ID = peer
	return u.DisplayName()
}

// OpenConversation switches to the conversation with peer. The previous one
// is closed first; nothing it subscribed to reaches the renderer afterwards.
func (s *Session) OpenConversation(ctx context.Context, peer string) error {
	return s.do(ctx, func() error {
		if !s.started {
			return s.fail("open_conversation", ErrNotStarted)
		}
		key, err := convkey.Key(s.user.ID, peer)
		if err != nil {
			return s.fail("open_conversation", err)
		}
		if s.active != nil && s.active.key == key {
			return nil
		}
		s.closeConversation(ctx, true)

		s.gen++
		c := &conversation{
			key:      key,
			peer:     peer,
			peerName: s.peerName(ctx, peer),
			gen:      s.gen,
			typing:   typing.NewIndicator(s.deps.DB, s.conn, key, s.user.ID, s.deps.TypingQuiet),
		}
		s.active = c
		gen := c.gen

		sub, err := s.deps.Chat.Subscribe(key, func(msgs []model.Message) {
			s.current(gen, func(c *conversation) { s.onMessages(c, msgs) })
		})
		if err != nil {
			s.closeConversation(ctx, false)
			return s.fail("open_conversation", err)
		}
		c.subs = append(c.subs, sub)

		if sub, err := typing.Watch(s.deps.DB, key, s.user.ID, func(peers []string) {
			s.current(gen, func(c *conversation) {
				s.render.Typing(c.key, c.peerName, slices.Contains(peers, c.peer))
			})
		}); err != nil {
			logger.Errorf("session %s: typing watch %s: %v", s.user.ID, key, err)
		} else {
			c.subs = append(c.subs, sub)
		}

		if sub, err := s.deps.Reactions.WatchConversation(key, func(groups map[string][]model.ReactionGroup) {
			s.current(gen, func(c *conversation) { s.render.Reactions(c.key, groups) })
		}); err != nil {
			logger.Errorf("session %s: reactions watch %s: %v", s.user.ID, key, err)
		} else {
			c.subs = append(c.subs, sub)
		}

		s.markRead(ctx, c)
		return nil
	})
}

// onMessages renders the view; messages arriving while the conversation is
// open are read right away.
func (s *Session) onMessages(c *conversation, msgs []model.Message) {
	s.render.Messages(c.key, msgs)
	for _, m := range msgs {
		if m.RecipientID == s.user.ID && m.Status != model.MessageStatusRead {
			s.markRead(s.bg, c)
			return
		}
	}
}

func (s *Session) markRead(ctx context.Context, c *conversation) {
	if err := s.deps.Unread.Clear(ctx, s.user.ID, c.key); err != nil {
		logger.Errorf("session %s: clear unread %s: %v", s.user.ID, c.key, err)
	}
	if _, err := s.deps.Chat.MarkRead(ctx, c.key, s.user.ID); err != nil {
		logger.Errorf("session %s: mark read %s: %v", s.user.ID, c.key, err)
	}
}

// closeConversation detaches the open conversation. graceful lowers the
// typing flag; otherwise it is left to the disconnect action.
func (s *Session) closeConversation(ctx context.Context, graceful bool) {
	c := s.active
	if c == nil {
		return
	}
	s.active = nil
	s.gen++
	c.subs.Unsubscribe()
	if graceful {
		c.typing.Close(ctx)
	} else {
		c.typing.Detach()
	}
}

func (s *Session) CloseConversation(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.closeConversation(ctx, true)
		return nil
	})
}

// ActiveConversation returns the key of the open conversation, if any.
func (s *Session) ActiveConversation(ctx context.Context) (string, error) {
	var key string
	err := s.do(ctx, func() error {
		if s.active != nil {
			key = s.active.key
		}
		return nil
	})
	return key, err
}

func (s *Session) SendMessage(ctx context.Context, text string, attachment bool) (model.Message, error) {
	var msg model.Message
	err := s.do(ctx, func() error {
		c := s.active
		if c == nil {
			return s.fail("send_message", ErrNoConversation)
		}
		var err error
		msg, err = s.deps.Chat.Send(ctx, chat.SendRequest{
			Key:           c.key,
			SenderID:      s.user.ID,
			RecipientID:   c.peer,
			Text:          text,
			HasAttachment: attachment,
		})
		if err != nil {
			return s.fail("send_message", err)
		}
		c.typing.Stop(ctx)
		return nil
	})
	return msg, err
}

// Keystroke feeds the typing indicator. Failures are logged only.
func (s *Session) Keystroke(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.active == nil {
			return ErrNoConversation
		}
		if err := s.active.typing.Keystroke(ctx); err != nil {
			logger.Errorf("session %s: %v", s.user.ID, err)
			return err
		}
		return nil
	})
}

func (s *Session) StopTyping(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.active != nil {
			s.active.typing.Stop(ctx)
		}
		return nil
	})
}

func (s *Session) ToggleReaction(ctx context.Context, msgID, emoji string) (bool, error) {
	var added bool
	err := s.do(ctx, func() error {
		if s.active == nil {
			return s.fail("toggle_reaction", ErrNoConversation)
		}
		var err error
		added, err = s.deps.Reactions.Toggle(ctx, s.active.key, msgID, emoji, s.user.ID)
		return s.fail("toggle_reaction", err)
	})
	return added, err
}

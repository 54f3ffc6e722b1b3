package handler

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/playchat/internal/chat"
	"github.com/playchat/internal/convkey"
	"github.com/playchat/internal/identity"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/social"
	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/unread"
)

type ChatHandler struct {
	db     *storage.DB
	chat   *chat.Service
	unread *unread.Counter
	social *social.Engine
}

func NewChatHandler(db *storage.DB, svc *chat.Service, counter *unread.Counter, engine *social.Engine) *ChatHandler {
	return &ChatHandler{db: db, chat: svc, unread: counter, social: engine}
}

// conversation resolves the key between the caller and {peer}.
func conversation(r *http.Request) (me identity.User, peer, key string, err error) {
	me, _ = identity.CurrentUser(r.Context())
	peer = chi.URLParam(r, "peer")
	key, err = convkey.Key(me.ID, peer)
	return me, peer, key, err
}

// GetMessages returns the conversation ordered by send time; ?limit= keeps the newest.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	_, _, key, err := conversation(r)
	if err != nil {
		writeDomainError(w, "GetMessages", err)
		return
	}
	msgs, err := h.chat.History(r.Context(), key)
	if err != nil {
		writeDomainError(w, "GetMessages", err)
		return
	}
	if limit := queryInt(r, "limit", 0); limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type SendMessageRequest struct {
	Text       string `json:"text"`
	Attachment bool   `json:"attachment"`
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	me, peer, key, err := conversation(r)
	if err != nil {
		writeDomainError(w, "SendMessage", err)
		return
	}
	msg, err := h.chat.Send(r.Context(), chat.SendRequest{
		Key:           key,
		SenderID:      me.ID,
		RecipientID:   peer,
		Text:          req.Text,
		HasAttachment: req.Attachment,
	})
	if err != nil {
		writeDomainError(w, "SendMessage", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *ChatHandler) GetUnreads(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.CurrentUser(r.Context())
	counts, err := h.unread.All(r.Context(), me.ID)
	if err != nil {
		writeDomainError(w, "GetUnreads", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// GetContacts is the chat list: every friend with presence, unread count and
// last message, most recent conversation first.
func (h *ChatHandler) GetContacts(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("GetContacts", time.Now())()
	me, _ := identity.CurrentUser(r.Context())
	friends, err := h.social.Friends(r.Context(), me.ID)
	if err != nil {
		writeDomainError(w, "GetContacts", err)
		return
	}
	counts, err := h.unread.All(r.Context(), me.ID)
	if err != nil {
		writeDomainError(w, "GetContacts", err)
		return
	}

	contacts := make([]model.Contact, len(friends))
	eg, ctx := errgroup.WithContext(r.Context())
	eg.SetLimit(profileLoadConcurrency)
	for i, friend := range friends {
		eg.Go(func() error {
			key, err := convkey.Key(me.ID, friend)
			if err != nil {
				return err
			}
			u, _, err := loadUser(ctx, h.db, friend)
			if err != nil {
				return err
			}
			last, err := h.chat.LastMessage(ctx, key)
			if err != nil {
				return err
			}
			contacts[i] = model.Contact{User: u, ConversationKey: key, UnreadCount: counts[key], LastMessage: last}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		writeDomainError(w, "GetContacts", err)
		return
	}
	sort.SliceStable(contacts, func(i, j int) bool {
		a, b := contacts[i], contacts[j]
		var at, bt int64
		if a.LastMessage != nil {
			at = a.LastMessage.SentAt
		}
		if b.LastMessage != nil {
			bt = b.LastMessage.SentAt
		}
		if at != bt {
			return at > bt
		}
		return strings.ToLower(a.User.DisplayName()) < strings.ToLower(b.User.DisplayName())
	})
	writeJSON(w, http.StatusOK, contacts)
}

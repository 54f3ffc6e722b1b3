package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/playchat/internal/identity"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/middleware"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/social"
	"github.com/playchat/internal/storage"
)

const profileLoadConcurrency = 8

type SocialHandler struct {
	db     *storage.DB
	social *social.Engine
}

func NewSocialHandler(db *storage.DB, engine *social.Engine) *SocialHandler {
	return &SocialHandler{db: db, social: engine}
}

// loadUsers resolves profiles in ids order.
func loadUsers(ctx context.Context, db *storage.DB, ids []string) ([]model.User, error) {
	out := make([]model.User, len(ids))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(profileLoadConcurrency)
	for i, id := range ids {
		eg.Go(func() error {
			u, _, err := loadUser(gctx, db, id)
			out[i] = u
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *SocialHandler) writeUsers(w http.ResponseWriter, r *http.Request, op string, ids []string, err error) {
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	users, err := loadUsers(r.Context(), h.db, ids)
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// mutate runs a graph operation between the caller and {id}.
func (h *SocialHandler) mutate(op string, fn func(ctx context.Context, me, other string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, _ := identity.CurrentUser(r.Context())
		other := chi.URLParam(r, "id")
		if err := fn(r.Context(), me.ID, other); err != nil {
			writeDomainError(w, op, err)
			return
		}
		logger.Debugf("%s user=%s other=%s", op, middleware.MaskID(me.ID), middleware.MaskID(other))
		rel, err := h.social.Relationship(r.Context(), me.ID, other)
		if err != nil {
			writeDomainError(w, op, err)
			return
		}
		writeJSON(w, http.StatusOK, rel)
	}
}

func (h *SocialHandler) Friends(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.CurrentUser(r.Context())
	ids, err := h.social.Friends(r.Context(), me.ID)
	h.writeUsers(w, r, "Friends", ids, err)
}

func (h *SocialHandler) Following(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.CurrentUser(r.Context())
	ids, err := h.social.Following(r.Context(), me.ID)
	h.writeUsers(w, r, "Following", ids, err)
}

func (h *SocialHandler) Followers(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.CurrentUser(r.Context())
	ids, err := h.social.Followers(r.Context(), me.ID)
	h.writeUsers(w, r, "Followers", ids, err)
}

func (h *SocialHandler) writeRequests(w http.ResponseWriter, op string, reqs []model.FriendRequest, err error) {
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	if reqs == nil {
		reqs = []model.FriendRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *SocialHandler) IncomingRequests(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.CurrentUser(r.Context())
	reqs, err := h.social.IncomingRequests(r.Context(), me.ID)
	h.writeRequests(w, "IncomingRequests", reqs, err)
}

func (h *SocialHandler) OutgoingRequests(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.CurrentUser(r.Context())
	reqs, err := h.social.OutgoingRequests(r.Context(), me.ID)
	h.writeRequests(w, "OutgoingRequests", reqs, err)
}

func (h *SocialHandler) SendRequest() http.HandlerFunc   { return h.mutate("SendRequest", h.social.SendRequest) }
func (h *SocialHandler) CancelRequest() http.HandlerFunc { return h.mutate("CancelRequest", h.social.Cancel) }
func (h *SocialHandler) Accept() http.HandlerFunc        { return h.mutate("Accept", h.social.Accept) }
func (h *SocialHandler) Decline() http.HandlerFunc       { return h.mutate("Decline", h.social.Decline) }
func (h *SocialHandler) Unfriend() http.HandlerFunc      { return h.mutate("Unfriend", h.social.Unfriend) }
func (h *SocialHandler) Follow() http.HandlerFunc        { return h.mutate("Follow", h.social.Follow) }
func (h *SocialHandler) Unfollow() http.HandlerFunc      { return h.mutate("Unfollow", h.social.Unfollow) }

// Repair reconciles every social record around {id}; internal network only.
func (h *SocialHandler) Repair(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "id")
	rep, err := h.social.Repair(r.Context(), uid)
	if err != nil {
		writeDomainError(w, "Repair", err)
		return
	}
	if rep.Changed() {
		logger.Infof("social repair user=%s: %+v", middleware.MaskID(uid), rep)
	}
	writeJSON(w, http.StatusOK, rep)
}

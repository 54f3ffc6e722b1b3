package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/playchat/internal/identity"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/paths"
	"github.com/playchat/internal/social"
	"github.com/playchat/internal/storage"
)

type UserHandler struct {
	db     *storage.DB
	social *social.Engine
}

func NewUserHandler(db *storage.DB, engine *social.Engine) *UserHandler {
	return &UserHandler{db: db, social: engine}
}

func loadUser(ctx context.Context, db *storage.DB, uid string) (model.User, bool, error) {
	snap, err := db.Get(ctx, paths.User(uid))
	if err != nil {
		return model.User{}, false, fmt.Errorf("load user %s: %w", uid, err)
	}
	var u model.User
	if snap.Exists() {
		if err := snap.Decode(&u); err != nil {
			return model.User{}, false, fmt.Errorf("decode user %s: %w", uid, err)
		}
	}
	u.ID = uid
	return u, snap.Exists(), nil
}

// GetMe returns the caller's profile. The display name supplied by the
// identity provider is stored on first sight so that peers can see it.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.CurrentUser(r.Context())
	u, _, err := loadUser(r.Context(), h.db, me.ID)
	if err != nil {
		writeDomainError(w, "GetMe", err)
		return
	}
	if u.Name == "" && me.Name != "" {
		if err := h.db.Update(r.Context(), paths.User(me.ID), map[string]any{"name": me.Name}); err != nil {
			writeDomainError(w, "GetMe", err)
			return
		}
		u.Name = me.Name
	}
	writeJSON(w, http.StatusOK, u)
}

var directoryTabs = map[model.DirectoryTab]bool{
	"":                 true,
	model.TabAll:       true,
	model.TabFriends:   true,
	model.TabFollowing: true,
	model.TabRequests:  true,
}

// Directory lists other users with the caller's relation to each (?q=, ?tab=).
func (h *UserHandler) Directory(w http.ResponseWriter, r *http.Request) {
	tab := model.DirectoryTab(r.URL.Query().Get("tab"))
	if !directoryTabs[tab] {
		writeError(w, http.StatusBadRequest, "unknown tab")
		return
	}
	me, _ := identity.CurrentUser(r.Context())
	entries, err := h.social.Directory(r.Context(), me.ID, social.Filter{Query: r.URL.Query().Get("q"), Tab: tab})
	if err != nil {
		writeDomainError(w, "Directory", err)
		return
	}
	if entries == nil {
		entries = []model.DirectoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *UserHandler) Relationship(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.CurrentUser(r.Context())
	other := chi.URLParam(r, "id")
	u, ok, err := loadUser(r.Context(), h.db, other)
	if err != nil {
		writeDomainError(w, "Relationship", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	rel, err := h.social.Relationship(r.Context(), me.ID, other)
	if err != nil {
		writeDomainError(w, "Relationship", err)
		return
	}
	writeJSON(w, http.StatusOK, model.DirectoryEntry{User: u, Relation: rel})
}

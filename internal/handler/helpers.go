package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/playchat/internal/chat"
	"github.com/playchat/internal/convkey"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/social"
	"github.com/playchat/internal/unread"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

var (
	badRequest = []error{
		social.ErrInvalidUser, social.ErrSelfRequest, social.ErrSelfFollow,
		chat.ErrEmptyMessage, chat.ErrMessageTooLong, chat.ErrKeyMismatch,
		convkey.ErrEmptyID, convkey.ErrSameUser, convkey.ErrInvalidID, convkey.ErrBadKey,
		unread.ErrNotParticipant,
	}
	conflict = []error{social.ErrAlreadyFriends, social.ErrIncomingRequest}
	notFound = []error{social.ErrNoRequest}
)

func statusOf(err error) int {
	is := func(targets []error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
	switch {
	case is(badRequest):
		return http.StatusBadRequest
	case is(conflict):
		return http.StatusConflict
	case is(notFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError maps validation sentinels to 4xx with their message; store
// failures are logged and answered with a generic 500.
func writeDomainError(w http.ResponseWriter, op string, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("%s: %v", op, err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

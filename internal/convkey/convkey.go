// Package convkey derives the conversation key shared by exactly two users.
package convkey

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins the two ordered user ids.
const Separator = "_"

var (
	ErrEmptyID   = errors.New("convkey: empty user id")
	ErrSameUser  = errors.New("convkey: conversation with self")
	ErrInvalidID = errors.New("convkey: user id contains a reserved character")
	ErrBadKey    = errors.New("convkey: malformed conversation key")
)

func validate(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	if strings.Contains(id, Separator) || strings.Contains(id, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Key returns the key for the unordered pair {a, b}: the smaller id first.
// Key(a, b) == Key(b, a) and distinct pairs never share a key.
func Key(a, b string) (string, error) {
	if err := validate(a); err != nil {
		return "", err
	}
	if err := validate(b); err != nil {
		return "", err
	}
	if a == b {
		return "", ErrSameUser
	}
	if a > b {
		a, b = b, a
	}
	return a + Separator + b, nil
}

// MustKey is Key for ids already validated; it panics on error.
func MustKey(a, b string) string {
	k, err := Key(a, b)
	if err != nil {
		panic(err)
	}
	return k
}

// Split returns the two participants of key in stored order.
func Split(key string) (string, string, error) {
	a, b, ok := strings.Cut(key, Separator)
	if !ok || a == "" || b == "" || strings.Contains(b, Separator) || a >= b {
		return "", "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	return a, b, nil
}

// Peer returns the participant of key other than me.
func Peer(key, me string) (string, error) {
	a, b, err := Split(key)
	if err != nil {
		return "", err
	}
	switch me {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q is not a participant of %q", ErrBadKey, me, key)
	}
}

// Has reports whether uid takes part in the conversation.
func Has(key, uid string) bool {
	_, err := Peer(key, uid)
	return err == nil
}

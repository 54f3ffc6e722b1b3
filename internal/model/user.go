package model

import "time"

// User: профиль пользователя по users/{uid}. online и lastSeen ведёт presence.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Handle    string `json:"handle,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Online    bool   `json:"online"`
	LastSeen  int64  `json:"lastSeen,omitempty"` // Unix ms
}

// DisplayName: имя для интерфейса: name, затем handle, затем id.
func (u User) DisplayName() string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Handle != "":
		return u.Handle
	default:
		return u.ID
	}
}

func (u User) Presence() Presence {
	return Presence{UserID: u.ID, Online: u.Online, LastSeen: u.LastSeen}
}

type Presence struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// LastSeenTime: zero time, если отметки нет.
func (p Presence) LastSeenTime() time.Time {
	if p.LastSeen == 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.LastSeen)
}

package model

// RequestStatus: статус заявки в друзья; хранится только pending, принятые/отклонённые удаляются.
type RequestStatus string

const RequestStatusPending RequestStatus = "pending"

// FriendRequest хранится в friendRequests/{to}/{from} (From, Status) и
// sentRequests/{from}/{to} (To).
type FriendRequest struct {
	From      string        `json:"from,omitempty"`
	To        string        `json:"to,omitempty"`
	Status    RequestStatus `json:"status,omitempty"`
	CreatedAt int64         `json:"createdAt"`
}

type RelationState string

const (
	RelationStranger        RelationState = "stranger"
	RelationRequestSent     RelationState = "request_sent"
	RelationRequestReceived RelationState = "request_received"
	RelationFriends         RelationState = "friends"
)

// Relation is how the viewer sees another user. Following is independent of State.
type Relation struct {
	State     RelationState `json:"state"`
	Following bool          `json:"following"`
}

type DirectoryEntry struct {
	User     User     `json:"user"`
	Relation Relation `json:"relation"`
}

// DirectoryTab: вкладка справочника пользователей.
type DirectoryTab string

const (
	TabAll       DirectoryTab = "all"
	TabFriends   DirectoryTab = "friends"
	TabFollowing DirectoryTab = "following"
	TabRequests  DirectoryTab = "requests"
)

// Relationships: множества, которые сессия держит в актуальном состоянии.
type Relationships struct {
	Friends   []string `json:"friends"`
	Incoming  []string `json:"incoming"`
	Outgoing  []string `json:"outgoing"`
	Following []string `json:"following"`
	Followers []string `json:"followers"`
}

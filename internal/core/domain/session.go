package domain

import "time"

type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
	RoleModerator   Role = "moderator"
)

// CanModerate reports whether the role may change moderation state.
func (r Role) CanModerate() bool {
	return r == RoleBroadcaster || r == RoleModerator
}

// Participant describes the identity behind a transport connection.
type Participant struct {
	UserID      UserID
	DisplayName string
	DeviceClass DeviceClass
	Connection  ConnectionClass
}

type Session struct {
	ID           SessionID       `json:"id"`
	StreamID     StreamID        `json:"streamId"`
	UserID       UserID          `json:"userId"`
	DisplayName  string          `json:"displayName"`
	Role         Role            `json:"role"`
	JoinedAt     time.Time       `json:"joinedAt"`
	LastActivity time.Time       `json:"lastActivity"`
	DeviceClass  DeviceClass     `json:"deviceClass"`
	Connection   ConnectionClass `json:"connectionClass"`
	Muted        bool            `json:"muted"`
}

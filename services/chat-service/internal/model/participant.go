package model

import "time"

type Role string

const (
	RoleHost     Role = "host"
	RoleOccupant Role = "occupant"
	RoleAdmin    Role = "admin"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleHost, RoleOccupant, RoleAdmin:
		return Role(s), true
	default:
		return "", false
	}
}

// Participant is a directory entry. The sealed calendar credential is stored
// separately and never serialized.
type Participant struct {
	PrincipalID       string     `json:"principal_id"`
	DisplayName       string     `json:"display_name"`
	Email             string     `json:"email"`
	Role              Role       `json:"role"`
	CalendarEmail     string     `json:"calendar_email,omitempty"`
	CalendarConnected bool       `json:"calendar_connected"`
	ConnectedAt       *time.Time `json:"connected_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ContactEmail prefers the connected calendar address.
func (p Participant) ContactEmail() string {
	if p.CalendarEmail != "" {
		return p.CalendarEmail
	}
	return p.Email
}

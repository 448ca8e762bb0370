package domain

import "time"

// PresenceEntry is the last value a participant published on a presence topic.
type PresenceEntry struct {
	UserID   string    `json:"user_id" validate:"required"`
	Typing   bool      `json:"typing"`
	LastSeen time.Time `json:"last_seen" validate:"required"`
}

// PresenceState maps a user id to its last published entry. It is never persisted.
type PresenceState map[string]PresenceEntry

// Profile is the display metadata of a user.
type Profile struct {
	UserID      string `json:"user_id" validate:"required"`
	DisplayName string `json:"display_name" validate:"required"`
	AvatarURL   string `json:"avatar_url,omitempty" validate:"omitempty,url"`
}

// AnonymousProfile is what identity falls back on when a user is unknown.
func AnonymousProfile(userID string) Profile {
	return Profile{UserID: userID, DisplayName: userID}
}

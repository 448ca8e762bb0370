package moderation

import (
	"chat-engine/domain"
	"chat-engine/errors"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func group() domain.Conversation {
	return domain.GroupConversation(domain.Group{
		ID:        "g1",
		Name:      "lab",
		CreatorID: "creator",
		Members: map[string]domain.Member{
			"creator": {UserID: "creator", IsAdmin: true},
			"admin":   {UserID: "admin", IsAdmin: true},
			"alice":   {UserID: "alice"},
			"bob":     {UserID: "bob"},
			"muted":   {UserID: "muted"},
			"expired": {UserID: "expired"},
		},
		Mutes: map[string]domain.Mute{
			"muted":   {UserID: "muted"},
			"expired": {UserID: "expired", Until: lo.ToPtr(now.Add(-time.Minute))},
		},
	})
}

func private() domain.Conversation {
	return domain.PrivateConversationOf(domain.PrivateConversation{ID: "p1", Pair: domain.NewPair("alice", "bob")})
}

func TestCanWrite(t *testing.T) {
	tests := []struct {
		name    string
		actor   string
		conv    domain.Conversation
		action  Action
		allowed bool
	}{
		{"member sends", "alice", group(), Send(), true},
		{"muted member cannot send", "muted", group(), Send(), false},
		{"expired mute is lifted", "expired", group(), Send(), true},
		{"outsider cannot send", "mallory", group(), Send(), false},
		{"author edits", "alice", group(), Edit("alice"), true},
		{"admin cannot edit others", "admin", group(), Edit("alice"), false},
		{"author deletes", "alice", group(), Delete("alice"), true},
		{"admin deletes any", "admin", group(), Delete("alice"), true},
		{"creator deletes any", "creator", group(), Delete("admin"), true},
		{"member cannot delete others", "bob", group(), Delete("alice"), false},
		{"private peer cannot delete others", "bob", private(), Delete("alice"), false},
		{"admin pins", "admin", group(), Pin("alice"), true},
		{"author pins", "alice", group(), Pin("alice"), true},
		{"member cannot pin others", "bob", group(), Pin("alice"), false},
		{"member cannot unpin others", "bob", group(), Unpin("alice"), false},
		{"private peer pins", "bob", private(), Pin("alice"), true},
		{"muted member reacts", "muted", group(), React("alice"), true},
		{"own message is already read", "alice", group(), MarkRead("alice"), false},
		{"read receipt", "bob", group(), MarkRead("alice"), true},
		{"creator promotes", "creator", group(), Promote("alice"), true},
		{"admin cannot promote", "admin", group(), Promote("alice"), false},
		{"creator cannot demote self", "creator", group(), Demote("creator"), false},
		{"cannot promote outsider", "creator", group(), Promote("mallory"), false},
		{"admin mutes member", "admin", group(), Mute("alice"), true},
		{"admin cannot mute admin", "admin", group(), Mute("creator"), false},
		{"creator mutes admin", "creator", group(), Mute("admin"), true},
		{"member cannot mute", "alice", group(), Mute("bob"), false},
		{"muted cannot unmute self", "muted", group(), Unmute("muted"), false},
		{"admin cannot unmute self", "admin", group(), Unmute("admin"), false},
		{"admin changes settings", "admin", group(), UpdateSettings(), true},
		{"member cannot change settings", "alice", group(), UpdateSettings(), false},
		{"admin adds member", "admin", group(), AddMember("clara"), true},
		{"member leaves", "alice", group(), RemoveMember("alice"), true},
		{"creator cannot leave", "creator", group(), RemoveMember("creator"), false},
		{"admin removes member", "admin", group(), RemoveMember("bob"), true},
		{"admin removes non-member id", "admin", group(), RemoveMember("ghost"), true},
		{"private has no roles", "alice", private(), Promote("bob"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)

			decision := CanWrite(tt.actor, tt.conv, tt.action, now)

			req.Equal(tt.allowed, decision.Allowed, decision.Reason)
			if tt.allowed {
				req.NoError(decision.Err())
			} else {
				req.ErrorIs(decision.Err(), errors.ErrPermissionDenied)
				req.NotEmpty(decision.Reason)
			}
		})
	}
}

func TestCanWrite_CreatorRemovesAdmin(t *testing.T) {
	req := require.New(t)
	conv := group()

	req.False(CanWrite("admin", conv, RemoveMember("creator"), now).Allowed)
	req.True(CanWrite("creator", conv, RemoveMember("admin"), now).Allowed)

	conv.Group.Members["second"] = domain.Member{UserID: "second", IsAdmin: true}
	req.False(CanWrite("admin", conv, RemoveMember("second"), now).Allowed)
}

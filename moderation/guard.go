// Package moderation holds the write permission rules of a conversation and
// the body censor applied before sending.
package moderation

import (
	"chat-engine/domain"
	"chat-engine/errors"
	"time"
)

type ActionKind string

const (
	ActionSend           ActionKind = "send"
	ActionEdit           ActionKind = "edit"
	ActionDelete         ActionKind = "delete"
	ActionPin            ActionKind = "pin"
	ActionUnpin          ActionKind = "unpin"
	ActionReact          ActionKind = "react"
	ActionMarkRead       ActionKind = "mark_read"
	ActionPromote        ActionKind = "promote"
	ActionDemote         ActionKind = "demote"
	ActionMute           ActionKind = "mute"
	ActionUnmute         ActionKind = "unmute"
	ActionUpdateSettings ActionKind = "update_settings"
	ActionAddMember      ActionKind = "add_member"
	ActionRemoveMember   ActionKind = "remove_member"
)

// Action is a write about to happen. MessageAuthorID is set for actions on a
// message, TargetUserID for actions on a member.
type Action struct {
	Kind            ActionKind
	MessageAuthorID string
	TargetUserID    string
}

func Send() Action                      { return Action{Kind: ActionSend} }
func Edit(author string) Action         { return Action{Kind: ActionEdit, MessageAuthorID: author} }
func Delete(author string) Action       { return Action{Kind: ActionDelete, MessageAuthorID: author} }
func Pin(author string) Action          { return Action{Kind: ActionPin, MessageAuthorID: author} }
func Unpin(author string) Action        { return Action{Kind: ActionUnpin, MessageAuthorID: author} }
func React(author string) Action        { return Action{Kind: ActionReact, MessageAuthorID: author} }
func MarkRead(author string) Action     { return Action{Kind: ActionMarkRead, MessageAuthorID: author} }
func Promote(target string) Action      { return Action{Kind: ActionPromote, TargetUserID: target} }
func Demote(target string) Action       { return Action{Kind: ActionDemote, TargetUserID: target} }
func Mute(target string) Action         { return Action{Kind: ActionMute, TargetUserID: target} }
func Unmute(target string) Action       { return Action{Kind: ActionUnmute, TargetUserID: target} }
func UpdateSettings() Action            { return Action{Kind: ActionUpdateSettings} }
func AddMember(target string) Action    { return Action{Kind: ActionAddMember, TargetUserID: target} }
func RemoveMember(target string) Action { return Action{Kind: ActionRemoveMember, TargetUserID: target} }

// Decision is Allow or Deny with a reason.
type Decision struct {
	Allowed bool
	Action  ActionKind
	Reason  string
}

func allow(kind ActionKind) Decision { return Decision{Allowed: true, Action: kind} }

func deny(kind ActionKind, reason string) Decision {
	return Decision{Action: kind, Reason: reason}
}

// Err is nil when allowed and a permission denied error otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &errors.DeniedError{Action: string(d.Action), Reason: d.Reason}
}

// CanWrite decides from already loaded membership state and never does I/O.
func CanWrite(actorID string, conv domain.Conversation, action Action, now time.Time) Decision {
	kind := action.Kind
	if !conv.IsMember(actorID) {
		return deny(kind, "not a member of the conversation")
	}
	private := conv.Private != nil
	author := actorID == action.MessageAuthorID
	moderator := conv.IsAdmin(actorID) || conv.IsCreator(actorID)

	switch kind {
	case ActionSend:
		if conv.IsMuted(actorID, now) {
			return deny(kind, "muted")
		}
		return allow(kind)

	case ActionEdit:
		if !author {
			return deny(kind, "only the author can edit")
		}
		return allow(kind)

	case ActionDelete:
		if author || (!private && moderator) {
			return allow(kind)
		}
		return deny(kind, "only the author or a moderator can delete")

	case ActionPin, ActionUnpin:
		// Both participants of a private conversation share the pins.
		if author || private || moderator {
			return allow(kind)
		}
		return deny(kind, "only the author or a moderator can pin")

	case ActionReact:
		return allow(kind)

	case ActionMarkRead:
		if author {
			return deny(kind, "own messages are always read")
		}
		return allow(kind)
	}

	if private {
		return deny(kind, "private conversations have no roles")
	}
	return memberAction(actorID, conv, action, moderator)
}

func memberAction(actorID string, conv domain.Conversation, action Action, moderator bool) Decision {
	kind := action.Kind
	target := action.TargetUserID
	self := target == actorID

	switch kind {
	case ActionUpdateSettings:
		if moderator {
			return allow(kind)
		}
		return deny(kind, "only a moderator can change settings")

	case ActionPromote, ActionDemote:
		switch {
		case self:
			return deny(kind, "cannot change own role")
		case !conv.IsCreator(actorID):
			return deny(kind, "only the creator can change roles")
		case !conv.IsMember(target):
			return deny(kind, "target is not a member")
		}
		return allow(kind)

	case ActionMute, ActionUnmute:
		switch {
		case self:
			return deny(kind, "cannot mute or unmute oneself")
		case conv.IsCreator(target):
			return deny(kind, "the creator cannot be muted")
		case conv.IsAdmin(target) && !conv.IsCreator(actorID):
			return deny(kind, "only the creator can mute an admin")
		case !moderator:
			return deny(kind, "only a moderator can mute")
		case !conv.IsMember(target):
			return deny(kind, "target is not a member")
		}
		return allow(kind)

	case ActionAddMember:
		if moderator {
			return allow(kind)
		}
		return deny(kind, "only a moderator can add members")

	case ActionRemoveMember:
		switch {
		case conv.IsCreator(target):
			return deny(kind, "the creator cannot leave or be removed")
		case self:
			return allow(kind)
		case conv.IsAdmin(target) && !conv.IsCreator(actorID):
			return deny(kind, "only the creator can remove an admin")
		case !moderator:
			return deny(kind, "only a moderator can remove members")
		}
		return allow(kind)
	}
	return deny(kind, "unknown action")
}

// Package conversation manages groups and private conversations: creation,
// settings and membership. Every change goes through the moderation guard
// against freshly loaded membership.
package conversation

import (
	"chat-engine/contract"
	"chat-engine/domain"
	"chat-engine/errors"
	"chat-engine/moderation"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

type Service struct {
	store    contract.ConversationStore
	log      *slog.Logger
	now      func() time.Time
	validate *validator.Validate
}

func NewService(store contract.ConversationStore, log *slog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, log: log, now: now, validate: validator.New()}
}

type CreateGroupRequest struct {
	Name        string   `validate:"required,max=100"`
	Description string   `validate:"max=1000"`
	IsPrivate   bool
	CreatorID   string   `validate:"required"`
	MemberIDs   []string `validate:"dive,required"`
}

// Settings holds the group fields to change. Nil means untouched.
type Settings struct {
	Name        *string `validate:"omitempty,min=1,max=100"`
	Description *string `validate:"omitempty,max=1000"`
	IsPrivate   *bool
}

// CreateGroup makes the creator an admin member along with MemberIDs.
func (s *Service) CreateGroup(ctx context.Context, req CreateGroupRequest) (domain.Group, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return domain.Group{}, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	now := s.now().UTC()
	members := map[string]domain.Member{
		req.CreatorID: {UserID: req.CreatorID, IsAdmin: true, JoinedAt: now},
	}
	for _, id := range lo.Uniq(req.MemberIDs) {
		if id != req.CreatorID {
			members[id] = domain.Member{UserID: id, JoinedAt: now}
		}
	}
	group, err := s.store.CreateGroup(ctx, domain.Group{
		Name:        req.Name,
		Description: req.Description,
		IsPrivate:   req.IsPrivate,
		CreatorID:   req.CreatorID,
		Members:     members,
		Mutes:       map[string]domain.Mute{},
	})
	if err != nil {
		return domain.Group{}, err
	}
	s.log.Info("Group created", "group", group.ID, "creator", group.CreatorID, "members", len(group.Members))
	return group, nil
}

// StartPrivate returns the conversation of the pair, creating it when needed.
// Losing a creation race resolves to the conversation that won.
func (s *Service) StartPrivate(ctx context.Context, selfID, otherID string) (domain.PrivateConversation, error) {
	if selfID == "" || otherID == "" || selfID == otherID {
		return domain.PrivateConversation{}, errors.ErrSamePair
	}
	pair := domain.NewPair(selfID, otherID)
	existing, err := s.store.FindPrivate(ctx, pair)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return domain.PrivateConversation{}, err
	}
	created, err := s.store.CreatePrivate(ctx, pair)
	if errors.Is(err, errors.ErrConstraintViolation) {
		s.log.Debug("Private conversation created concurrently, reusing it", "pair", pair.Key())
		return s.store.FindPrivate(ctx, pair)
	}
	return created, err
}

func (s *Service) UpdateSettings(ctx context.Context, actorID, groupID string, settings Settings) (domain.Group, error) {
	if err := s.validate.Struct(settings); err != nil {
		return domain.Group{}, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	return s.change(ctx, actorID, groupID, moderation.UpdateSettings(), func(g *domain.Group) {
		if settings.Name != nil {
			g.Name = strings.TrimSpace(*settings.Name)
		}
		if settings.Description != nil {
			g.Description = *settings.Description
		}
		if settings.IsPrivate != nil {
			g.IsPrivate = *settings.IsPrivate
		}
	})
}

func (s *Service) Promote(ctx context.Context, actorID, groupID, targetID string) (domain.Group, error) {
	return s.change(ctx, actorID, groupID, moderation.Promote(targetID), func(g *domain.Group) {
		m := g.Members[targetID]
		m.IsAdmin = true
		g.Members[targetID] = m
	})
}

func (s *Service) Demote(ctx context.Context, actorID, groupID, targetID string) (domain.Group, error) {
	return s.change(ctx, actorID, groupID, moderation.Demote(targetID), func(g *domain.Group) {
		m := g.Members[targetID]
		m.IsAdmin = false
		g.Members[targetID] = m
	})
}

// Mute silences targetID until the given time, forever when until is nil.
func (s *Service) Mute(ctx context.Context, actorID, groupID, targetID string, until *time.Time) (domain.Group, error) {
	if until != nil && !until.After(s.now()) {
		return domain.Group{}, fmt.Errorf("%w: mute already expired", errors.ErrInvalidPayload)
	}
	return s.change(ctx, actorID, groupID, moderation.Mute(targetID), func(g *domain.Group) {
		mute := domain.Mute{UserID: targetID}
		if until != nil {
			mute.Until = lo.ToPtr(until.UTC())
		}
		g.Mutes[targetID] = mute
	})
}

func (s *Service) Unmute(ctx context.Context, actorID, groupID, targetID string) (domain.Group, error) {
	return s.change(ctx, actorID, groupID, moderation.Unmute(targetID), func(g *domain.Group) {
		delete(g.Mutes, targetID)
	})
}

func (s *Service) AddMember(ctx context.Context, actorID, groupID, targetID string) (domain.Group, error) {
	if strings.TrimSpace(targetID) == "" {
		return domain.Group{}, fmt.Errorf("%w: empty user id", errors.ErrInvalidPayload)
	}
	return s.change(ctx, actorID, groupID, moderation.AddMember(targetID), func(g *domain.Group) {
		if _, ok := g.Members[targetID]; !ok {
			g.Members[targetID] = domain.Member{UserID: targetID, JoinedAt: s.now().UTC()}
		}
	})
}

// RemoveMember also serves leaving, when actorID is targetID.
func (s *Service) RemoveMember(ctx context.Context, actorID, groupID, targetID string) (domain.Group, error) {
	return s.change(ctx, actorID, groupID, moderation.RemoveMember(targetID), func(g *domain.Group) {
		delete(g.Members, targetID)
		delete(g.Mutes, targetID)
	})
}

func (s *Service) Leave(ctx context.Context, userID, groupID string) error {
	_, err := s.RemoveMember(ctx, userID, groupID, userID)
	return err
}

// Conversations lists every conversation userID belongs to.
func (s *Service) Conversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	refs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	conversations := make([]domain.Conversation, 0, len(refs))
	for _, ref := range refs {
		conv, err := s.store.GetConversation(ctx, ref)
		if errors.Is(err, errors.ErrNotFound) {
			s.log.Warn("Dangling membership", "user", userID, "conversation", ref.String())
			continue
		}
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// change loads the group, asks the guard and writes the mutated copy back.
func (s *Service) change(ctx context.Context, actorID, groupID string, action moderation.Action, mutate func(*domain.Group)) (domain.Group, error) {
	conv, err := s.store.GetConversation(ctx, domain.GroupRef(groupID))
	if err != nil {
		return domain.Group{}, err
	}
	if conv.Group == nil {
		return domain.Group{}, errors.NewStoreError(errors.KindNotFound, string(action.Kind), fmt.Errorf("group %s", groupID))
	}
	if err := moderation.CanWrite(actorID, conv, action, s.now()).Err(); err != nil {
		s.log.Debug("Group change denied", "group", groupID, "actor", actorID, "action", action.Kind, "error", err)
		return domain.Group{}, err
	}
	group := conv.Group.Clone()
	mutate(&group)
	if err := s.store.UpdateGroup(ctx, group); err != nil {
		return domain.Group{}, err
	}
	s.log.Info("Group changed", "group", groupID, "actor", actorID, "action", action.Kind)
	return group, nil
}

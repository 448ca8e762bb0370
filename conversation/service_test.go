package conversation

import (
	"chat-engine/domain"
	"chat-engine/errors"
	"chat-engine/mocks"
	"chat-engine/repositories"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newService(t *testing.T) *Service {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(repositories.NewConversationRepository(db, log, nil), log, nil)
}

func newGroup(t *testing.T, svc *Service, members ...string) domain.Group {
	t.Helper()
	group, err := svc.CreateGroup(context.Background(), CreateGroupRequest{
		Name:      "  lab  ",
		CreatorID: "alice",
		MemberIDs: members,
	})
	require.NoError(t, err)
	return group
}

func TestService_CreateGroup(t *testing.T) {
	req := require.New(t)
	svc := newService(t)

	group := newGroup(t, svc, "bob", "bob", "alice")

	req.Equal("lab", group.Name)
	req.Equal([]string{"alice", "bob"}, group.MemberIDs())
	req.True(group.Members["alice"].IsAdmin)
	req.False(group.Members["bob"].IsAdmin)

	conversations, err := svc.Conversations(context.Background(), "bob")
	req.NoError(err)
	req.Len(conversations, 1)
	req.Equal("lab", conversations[0].Title("bob"))
}

func TestService_CreateGroup_RejectsInvalidRequest(t *testing.T) {
	req := require.New(t)
	svc := newService(t)

	_, err := svc.CreateGroup(context.Background(), CreateGroupRequest{Name: "   ", CreatorID: "alice"})
	req.ErrorIs(err, errors.ErrInvalidPayload)

	_, err = svc.CreateGroup(context.Background(), CreateGroupRequest{Name: "lab", CreatorID: "alice", MemberIDs: []string{""}})
	req.ErrorIs(err, errors.ErrInvalidPayload)
}

func TestService_StartPrivate_IsIdempotentAcrossOrder(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := newService(t)

	first, err := svc.StartPrivate(ctx, "alice", "bob")
	req.NoError(err)
	second, err := svc.StartPrivate(ctx, "bob", "alice")
	req.NoError(err)
	req.Equal(first.ID, second.ID)

	_, err = svc.StartPrivate(ctx, "alice", "alice")
	req.ErrorIs(err, errors.ErrSamePair)
}

func TestService_StartPrivate_ReusesTheWinnerOfARace(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockConversationStore(ctrl)
	svc := NewService(store, logs.GetLoggerFromLevel(slog.LevelDebug), nil)
	pair := domain.NewPair("bob", "alice")
	winner := domain.PrivateConversation{ID: "p1", Pair: pair}
	notFound := errors.NewStoreError(errors.KindNotFound, "find_private", errors.New("missing"))
	conflict := errors.NewStoreError(errors.KindConstraintViolation, "create_private", errors.New("taken"))

	// Given another client creates the pair between our lookup and our insert
	gomock.InOrder(
		store.EXPECT().FindPrivate(gomock.Any(), pair).Return(domain.PrivateConversation{}, notFound),
		store.EXPECT().CreatePrivate(gomock.Any(), pair).Return(domain.PrivateConversation{}, conflict),
		store.EXPECT().FindPrivate(gomock.Any(), pair).Return(winner, nil),
	)

	// When
	conv, err := svc.StartPrivate(context.Background(), "alice", "bob")

	// Then
	req.NoError(err)
	req.Equal("p1", conv.ID)
}

func TestService_RolesAndMutes(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := newService(t)
	group := newGroup(t, svc, "bob", "carol")

	// Only the creator promotes
	_, err := svc.Promote(ctx, "bob", group.ID, "carol")
	req.ErrorIs(err, errors.ErrPermissionDenied)
	updated, err := svc.Promote(ctx, "alice", group.ID, "bob")
	req.NoError(err)
	req.True(updated.Members["bob"].IsAdmin)

	// An admin mutes a member until a given time
	until := time.Now().Add(time.Hour)
	updated, err = svc.Mute(ctx, "bob", group.ID, "carol", &until)
	req.NoError(err)
	req.Contains(updated.Mutes, "carol")

	// But never the creator
	_, err = svc.Mute(ctx, "bob", group.ID, "alice", nil)
	req.ErrorIs(err, errors.ErrPermissionDenied)

	// And an expired mute is rejected up front
	_, err = svc.Mute(ctx, "bob", group.ID, "carol", lo.ToPtr(time.Now().Add(-time.Minute)))
	req.ErrorIs(err, errors.ErrInvalidPayload)

	updated, err = svc.Unmute(ctx, "bob", group.ID, "carol")
	req.NoError(err)
	req.Empty(updated.Mutes)

	updated, err = svc.Demote(ctx, "alice", group.ID, "bob")
	req.NoError(err)
	req.False(updated.Members["bob"].IsAdmin)
}

func TestService_Membership(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := newService(t)
	group := newGroup(t, svc, "bob")

	// A plain member cannot add people
	_, err := svc.AddMember(ctx, "bob", group.ID, "dave")
	req.ErrorIs(err, errors.ErrPermissionDenied)

	updated, err := svc.AddMember(ctx, "alice", group.ID, "dave")
	req.NoError(err)
	req.Equal([]string{"alice", "bob", "dave"}, updated.MemberIDs())

	// A member leaves on their own
	req.NoError(svc.Leave(ctx, "dave", group.ID))
	conversations, err := svc.Conversations(ctx, "dave")
	req.NoError(err)
	req.Empty(conversations)

	// The creator cannot be removed
	_, err = svc.RemoveMember(ctx, "alice", group.ID, "alice")
	req.ErrorIs(err, errors.ErrPermissionDenied)
}

func TestService_UpdateSettings(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := newService(t)
	group := newGroup(t, svc, "bob")

	_, err := svc.UpdateSettings(ctx, "bob", group.ID, Settings{Name: lo.ToPtr("mine")})
	req.ErrorIs(err, errors.ErrPermissionDenied)

	updated, err := svc.UpdateSettings(ctx, "alice", group.ID, Settings{
		Description: lo.ToPtr("weekly sync"),
		IsPrivate:   lo.ToPtr(true),
	})
	req.NoError(err)
	req.Equal("lab", updated.Name)
	req.Equal("weekly sync", updated.Description)
	req.True(updated.IsPrivate)

	_, err = svc.UpdateSettings(ctx, "alice", "missing", Settings{Name: lo.ToPtr("x")})
	req.ErrorIs(err, errors.ErrNotFound)
}

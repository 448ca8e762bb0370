package repositories

import (
	"chat-engine/domain"
	"chat-engine/errors"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func openConversationRepository(t *testing.T) (ConversationRepository, ProfileRepository) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewConversationRepository(db, slog.Default(), nil), NewProfileRepository(db)
}

func TestConversationRepository_PrivatePairIsUnique(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo, _ := openConversationRepository(t)

	created, err := repo.CreatePrivate(ctx, domain.NewPair("alice", "bob"))
	req.NoError(err)

	// When the reversed pair is created again
	_, err = repo.CreatePrivate(ctx, domain.Pair{"bob", "alice"})

	// Then it is a constraint violation and the lookup returns the existing row
	req.True(errors.Is(err, errors.ErrConstraintViolation))
	found, err := repo.FindPrivate(ctx, domain.Pair{"bob", "alice"})
	req.NoError(err)
	req.Equal(created.ID, found.ID)

	conv, err := repo.GetConversation(ctx, created.Ref())
	req.NoError(err)
	req.True(conv.IsMember("alice"))
	req.True(conv.IsMember("bob"))
}

func TestConversationRepository_ConcurrentPrivateCreation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo, _ := openConversationRepository(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreatePrivate(ctx, domain.NewPair("alice", "bob"))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			req.True(errors.Is(err, errors.ErrConstraintViolation))
		}()
	}
	wg.Wait()

	// Then exactly one conversation exists for the pair
	req.Equal(1, successes)
	refs, err := repo.ListConversations(ctx, "alice")
	req.NoError(err)
	req.Len(refs, 1)
}

func TestConversationRepository_GroupMembership(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo, _ := openConversationRepository(t)

	group, err := repo.CreateGroup(ctx, domain.Group{
		Name:      "lab",
		CreatorID: "alice",
		Members:   map[string]domain.Member{"bob": {UserID: "bob"}},
	})
	req.NoError(err)
	req.NotEmpty(group.ID)

	// Then the creator is an admin member
	conv, err := repo.GetConversation(ctx, group.Ref())
	req.NoError(err)
	req.True(conv.IsAdmin("alice"))
	req.True(conv.IsMember("bob"))

	// When bob leaves and clara joins
	next := conv.Group.Clone()
	delete(next.Members, "bob")
	next.Members["clara"] = domain.Member{UserID: "clara"}
	next.Name = "lab v2"
	req.NoError(repo.UpdateGroup(ctx, next))

	// Then the conversation lists follow
	refs, err := repo.ListConversations(ctx, "bob")
	req.NoError(err)
	req.Empty(refs)
	refs, err = repo.ListConversations(ctx, "clara")
	req.NoError(err)
	req.Equal([]domain.ConversationRef{group.Ref()}, refs)

	conv, err = repo.GetConversation(ctx, group.Ref())
	req.NoError(err)
	req.Equal("lab v2", conv.Group.Name)
	req.Equal("alice", conv.Group.CreatorID)

	_, err = repo.GetConversation(ctx, domain.GroupRef("missing"))
	req.True(errors.Is(err, errors.ErrNotFound))
}

func TestProfileRepository_SaveAndGet(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	_, profiles := openConversationRepository(t)

	req.NoError(profiles.SaveProfile(ctx, domain.Profile{UserID: "alice", DisplayName: "Alice"}))
	profile, err := profiles.GetProfile(ctx, "alice")
	req.NoError(err)
	req.Equal("Alice", profile.DisplayName)

	_, err = profiles.GetProfile(ctx, "nobody")
	req.True(errors.Is(err, errors.ErrNotFound))

	err = profiles.SaveProfile(ctx, domain.Profile{UserID: "bob"})
	req.True(errors.Is(err, errors.ErrConstraintViolation))
}

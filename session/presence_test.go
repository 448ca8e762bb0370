package session

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func TestSession_TypingShowsThenClears(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	w := newWorld(t)
	ref := w.group("alice", "bob")
	alice := w.open(ref, "alice")
	bob := w.open(ref, "bob")

	// When alice types
	req.NoError(alice.Typing(ctx))

	// Then bob sees it well within two seconds, but alice does not see herself
	req.Eventually(func() bool { return lo.Contains(bob.Snapshot().Typing, "alice") }, converge, 10*time.Millisecond)
	req.Empty(alice.Snapshot().Typing)

	// And it clears once she stops
	req.NoError(alice.StopTyping(ctx))
	req.Eventually(func() bool { return len(bob.Snapshot().Typing) == 0 }, converge, 10*time.Millisecond)
}

func TestSession_TypingExpiresWithoutFurtherPublish(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	w := newWorld(t)
	ref := w.group("alice", "bob")
	bob := w.open(ref, "bob")

	// Given alice publishes typing once and then goes silent, still online
	handle, err := w.deps.Presence.Join(ctx, ref, "alice")
	req.NoError(err)
	defer func() { _ = handle.Leave(ctx) }()
	req.NoError(handle.Publish(ctx, true))
	req.Eventually(func() bool { return lo.Contains(bob.Snapshot().Typing, "alice") }, converge, 5*time.Millisecond)

	// Then bob clears the flag on his own after the idle window
	req.Eventually(func() bool { return len(bob.Snapshot().Typing) == 0 }, converge, 10*time.Millisecond)
	req.Contains(bob.Snapshot().Online, "alice")
}

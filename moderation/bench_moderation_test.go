package moderation

import (
	"chat-engine/repositories"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func Test_Moderation_Benchmark(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	defer db.Close()
	blocklist := repositories.NewBlocklistRepository(db)

	wordCount := 100_000

	// Seeding
	startSeed := time.Now()
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, fmt.Sprintf("word%dx", i))
	}
	req.NoError(blocklist.Add(ctx, words...))
	t.Logf("Seeding %d words: %v", wordCount, time.Since(startSeed))

	// Loading
	startLoad := time.Now()
	loaded, err := blocklist.Words(ctx)
	req.NoError(err)
	req.Len(loaded, wordCount)
	t.Logf("Loading from Badger: %v", time.Since(startLoad))

	// Building the automaton
	startBuild := time.Now()
	mod, err := NewModerator(loaded, '*', slog.Default())
	req.NoError(err)
	t.Logf("Building AC automaton: %v", time.Since(startBuild))
	t.Logf("Total startup time for moderation: %v", time.Since(startLoad))

	censored, found := mod.Censor("say word42x twice")
	req.Equal("say ******* twice", censored)
	req.Equal([]string{"word42x"}, found)
}

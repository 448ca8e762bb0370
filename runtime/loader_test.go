package runtime

import (
	"chat-engine/errors"
	"chat-engine/repositories"
	"context"
	"testing"
	"testing/fstest"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func TestCensoredLoader_MergesFilesAndBlocklist(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	defer func() { _ = db.Close() }()
	blocklist := repositories.NewBlocklistRepository(db)
	req.NoError(blocklist.Add(ctx, "Spoiler", "damn"))

	files := fstest.MapFS{
		"words/en.txt":   {Data: []byte("damn\r\n\r\nCrap\n# comment\n")},
		"words/fr.txt":   {Data: []byte("merde\n")},
		"words/notes.md": {Data: []byte("ignored\n")},
	}

	data, err := NewCensoredLoader(files, blocklist).LoadAll(ctx, "words")

	req.NoError(err)
	req.Equal([]string{"crap", "damn", "merde", "spoiler"}, data.Words)
	req.Equal([]string{"en", "fr"}, data.Languages)
	req.Equal(1, data.Extra)
}

func TestCensoredLoader_Embedded(t *testing.T) {
	req := require.New(t)

	data, err := NewCensoredLoader(censoredFolder, nil).LoadAll(context.Background(), "censored")

	req.NoError(err)
	req.Contains(data.Languages, "en")
	req.Contains(data.Languages, "fr")
	req.Contains(data.Words, "merde")
}

func TestCensoredLoader_EmptyFails(t *testing.T) {
	files := fstest.MapFS{"words/en.txt": {Data: []byte("\n\n")}}

	_, err := NewCensoredLoader(files, nil).LoadAll(context.Background(), "words")

	require.ErrorIs(t, err, errors.ErrEmptyWords)
}

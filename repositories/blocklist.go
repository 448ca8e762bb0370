package repositories

import (
	"context"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const blocklistPrefix = "blocklist:"

// BlocklistRepository keeps operator-added censored words next to the
// embedded lists. Words live in the keys, values stay empty.
type BlocklistRepository struct {
	db *badger.DB
}

func NewBlocklistRepository(db *badger.DB) BlocklistRepository {
	return BlocklistRepository{db: db}
}

func (b BlocklistRepository) Add(ctx context.Context, words ...string) error {
	if err := ctx.Err(); err != nil {
		return storeErr("blocklist_add", err)
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, word := range words {
		word = strings.TrimSpace(strings.ToLower(word))
		if word == "" {
			continue
		}
		if err := wb.Set([]byte(blocklistPrefix+word), nil); err != nil {
			return storeErr("blocklist_add", err)
		}
	}
	return storeErr("blocklist_add", wb.Flush())
}

func (b BlocklistRepository) Remove(ctx context.Context, word string) error {
	if err := ctx.Err(); err != nil {
		return storeErr("blocklist_remove", err)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(blocklistPrefix + strings.TrimSpace(strings.ToLower(word))))
	})
	return storeErr("blocklist_remove", err)
}

// Words lists the blocklist in key order.
func (b BlocklistRepository) Words(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("blocklist_words", err)
	}
	var words []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(blocklistPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			words = append(words, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return words, storeErr("blocklist_words", err)
}

package repositories

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Entry is a readable view of one raw key, for the inspection tools.
type Entry struct {
	Key    string
	Kind   string
	Detail string
	At     time.Time
	Size   int
}

const detailWidth = 60

// DescribeEntry decodes the value behind key according to its prefix.
// Unknown or undecodable values are shown raw.
func DescribeEntry(key string, val []byte) Entry {
	kind, _, _ := strings.Cut(key, ":")
	entry := Entry{Key: key, Kind: kind, Size: len(val)}

	switch kind {
	case "msg":
		var dm diskMessage
		if decode(val, &dm) != nil {
			break
		}
		entry.At = dm.CreatedAt
		entry.Detail = fmt.Sprintf("%s in %s: %s", dm.AuthorID, dm.Conversation, dm.Body)
		if dm.DeletedAt != nil {
			entry.Detail = "[deleted] " + entry.Detail
		}
		return truncate(entry)
	case "group":
		var dg diskGroup
		if decode(val, &dg) != nil {
			break
		}
		entry.At = unixNano(dg.CreatedAt)
		entry.Detail = fmt.Sprintf("%q by %s, %d members, %d muted", dg.Name, dg.CreatorID, len(dg.Members), len(dg.Mutes))
		return truncate(entry)
	case "idx", "member", "blocklist":
		entry.Detail = strings.TrimPrefix(key, kind+":")
		return truncate(entry)
	}
	entry.Detail = string(val)
	return truncate(entry)
}

func truncate(e Entry) Entry {
	if runes := []rune(e.Detail); len(runes) > detailWidth {
		e.Detail = string(runes[:detailWidth-1]) + "…"
	}
	return e
}

// Dump walks the entries under prefix in key order and stops after limit
// entries when limit is positive.
func Dump(db *badger.DB, prefix string, limit int, fn func(Entry) error) error {
	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		count := 0
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(DescribeEntry(string(item.Key()), val)); err != nil {
				return err
			}
			count++
			if limit > 0 && count == limit {
				return nil
			}
		}
		return nil
	})
}

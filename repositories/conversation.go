package repositories

import (
	"chat-engine/domain"
	"context"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// ConversationRepository is the badger implementation of contract.ConversationStore.
//
//	group:{id}                    -> group with members and mutes
//	private:{id}                  -> private conversation
//	pair:{a}|{b}                  -> private conversation id, one per unordered pair
//	member:{user}:{kind}:{id}     -> membership index for conversation lists
type ConversationRepository struct {
	db    *badger.DB
	log   *slog.Logger
	clock *Clock
}

func NewConversationRepository(db *badger.DB, log *slog.Logger, clock *Clock) ConversationRepository {
	if clock == nil {
		clock = NewClock(nil)
	}
	return ConversationRepository{db: db, log: log, clock: clock}
}

type diskGroup struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	IsPrivate   bool                     `json:"is_private"`
	CreatorID   string                   `json:"creator_id"`
	Members     map[string]domain.Member `json:"members"`
	Mutes       map[string]domain.Mute   `json:"mutes"`
	CreatedAt   int64                    `json:"created_at"`
}

func groupKey(id string) string { return "group:" + id }

func privateKey(id string) string { return "private:" + id }

func pairKey(pair domain.Pair) string { return "pair:" + pair.Key() }

func membershipPrefix(userID string) string { return "member:" + userID + ":" }

func membershipKey(userID string, ref domain.ConversationRef) string {
	return membershipPrefix(userID) + ref.Key()
}

func (c ConversationRepository) CreateGroup(ctx context.Context, group domain.Group) (domain.Group, error) {
	const op = "create_group"
	if err := ctx.Err(); err != nil {
		return domain.Group{}, storeErr(op, err)
	}
	if strings.TrimSpace(group.Name) == "" || group.CreatorID == "" {
		return domain.Group{}, violation(op, "group needs a name and a creator")
	}
	group = group.Clone()
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	group.CreatedAt = c.clock.Next()
	if _, ok := group.Members[group.CreatorID]; !ok {
		group.Members[group.CreatorID] = domain.Member{UserID: group.CreatorID, IsAdmin: true, JoinedAt: group.CreatedAt}
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(groupKey(group.ID))); err == nil {
			return violation(op, "group %s already exists", group.ID)
		}
		if err := writeJSON(txn, groupKey(group.ID), toDiskGroup(group)); err != nil {
			return err
		}
		for userID := range group.Members {
			if err := txn.Set([]byte(membershipKey(userID, group.Ref())), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Group{}, storeErr(op, err)
	}
	return group, nil
}

// UpdateGroup overwrites settings and membership, keeping the membership index in sync.
func (c ConversationRepository) UpdateGroup(ctx context.Context, group domain.Group) error {
	const op = "update_group"
	if err := ctx.Err(); err != nil {
		return storeErr(op, err)
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		var previous diskGroup
		if err := readJSON(txn, groupKey(group.ID), &previous); err != nil {
			if err == badger.ErrKeyNotFound {
				return notFound(op, "group %s", group.ID)
			}
			return err
		}
		// The creator and creation time are immutable
		group.CreatorID = previous.CreatorID
		next := toDiskGroup(group)
		next.CreatedAt = previous.CreatedAt
		if err := writeJSON(txn, groupKey(group.ID), next); err != nil {
			return err
		}
		for userID := range previous.Members {
			if _, ok := group.Members[userID]; !ok {
				if err := txn.Delete([]byte(membershipKey(userID, group.Ref()))); err != nil {
					return err
				}
			}
		}
		for userID := range group.Members {
			if _, ok := previous.Members[userID]; !ok {
				if err := txn.Set([]byte(membershipKey(userID, group.Ref())), nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return storeErr(op, err)
}

func (c ConversationRepository) GetConversation(ctx context.Context, ref domain.ConversationRef) (domain.Conversation, error) {
	const op = "get_conversation"
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, storeErr(op, err)
	}
	var conv domain.Conversation
	err := c.db.View(func(txn *badger.Txn) error {
		switch ref.Kind {
		case domain.GroupKind:
			var dg diskGroup
			if err := readJSON(txn, groupKey(ref.ID), &dg); err != nil {
				return err
			}
			conv = domain.GroupConversation(dg.toGroup())
		case domain.PrivateKind:
			var p domain.PrivateConversation
			if err := readJSON(txn, privateKey(ref.ID), &p); err != nil {
				return err
			}
			conv = domain.PrivateConversationOf(p)
		default:
			return violation(op, "unknown conversation kind %q", ref.Kind)
		}
		return nil
	})
	if err != nil {
		return domain.Conversation{}, storeErr(op, err)
	}
	return conv, nil
}

// CreatePrivate reserves the pair key and the conversation in one transaction.
// A concurrent creation of the same pair surfaces as a constraint violation.
func (c ConversationRepository) CreatePrivate(ctx context.Context, pair domain.Pair) (domain.PrivateConversation, error) {
	const op = "create_private"
	if err := ctx.Err(); err != nil {
		return domain.PrivateConversation{}, storeErr(op, err)
	}
	pair = domain.NewPair(pair[0], pair[1])
	if pair[0] == "" || pair[0] == pair[1] {
		return domain.PrivateConversation{}, violation(op, "invalid pair %v", pair)
	}
	conv := domain.PrivateConversation{ID: uuid.NewString(), Pair: pair, CreatedAt: c.clock.Next()}
	err := c.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(pairKey(pair))); err == nil {
			return violation(op, "pair %s already has a conversation", pair.Key())
		}
		if err := txn.Set([]byte(pairKey(pair)), []byte(conv.ID)); err != nil {
			return err
		}
		if err := writeJSON(txn, privateKey(conv.ID), conv); err != nil {
			return err
		}
		for _, userID := range pair {
			if err := txn.Set([]byte(membershipKey(userID, conv.Ref())), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err == badger.ErrConflict {
		return domain.PrivateConversation{}, violation(op, "pair %s created concurrently", pair.Key())
	}
	if err != nil {
		return domain.PrivateConversation{}, storeErr(op, err)
	}
	return conv, nil
}

func (c ConversationRepository) FindPrivate(ctx context.Context, pair domain.Pair) (domain.PrivateConversation, error) {
	const op = "find_private"
	if err := ctx.Err(); err != nil {
		return domain.PrivateConversation{}, storeErr(op, err)
	}
	pair = domain.NewPair(pair[0], pair[1])
	var conv domain.PrivateConversation
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(pairKey(pair)))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return readJSON(txn, privateKey(string(id)), &conv)
	})
	if err != nil {
		return domain.PrivateConversation{}, storeErr(op, err)
	}
	return conv, nil
}

func (c ConversationRepository) ListConversations(ctx context.Context, userID string) ([]domain.ConversationRef, error) {
	const op = "list_conversations"
	if err := ctx.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	var refs []domain.ConversationRef
	err := c.db.View(func(txn *badger.Txn) error {
		prefix := []byte(membershipPrefix(userID))
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := string(it.Item().Key()[len(prefix):])
			kind, id, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			refs = append(refs, domain.ConversationRef{Kind: domain.ConversationKind(kind), ID: id})
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	return refs, nil
}

func toDiskGroup(g domain.Group) diskGroup {
	return diskGroup{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		IsPrivate:   g.IsPrivate,
		CreatorID:   g.CreatorID,
		Members:     g.Members,
		Mutes:       g.Mutes,
		CreatedAt:   g.CreatedAt.UnixNano(),
	}
}

func (dg diskGroup) toGroup() domain.Group {
	g := domain.Group{
		ID:          dg.ID,
		Name:        dg.Name,
		Description: dg.Description,
		IsPrivate:   dg.IsPrivate,
		CreatorID:   dg.CreatorID,
		Members:     dg.Members,
		Mutes:       dg.Mutes,
	}
	g.CreatedAt = unixNano(dg.CreatedAt)
	return g.Clone()
}

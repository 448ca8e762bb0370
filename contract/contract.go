//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-engine/domain"
	"context"
	"io"
	"reflect"

	"github.com/google/uuid"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// MessageStore is the durable source of truth for messages and their satellites.
// Every failure is an *errors.StoreError.
type MessageStore interface {
	// LoadHistory returns messages in ascending creation order, soft-deleted ones excluded.
	LoadHistory(ctx context.Context, query domain.HistoryQuery) ([]domain.Message, error)
	GetMessage(ctx context.Context, id uuid.UUID) (domain.Message, error)
	// AuditMessage also returns soft-deleted messages.
	AuditMessage(ctx context.Context, id uuid.UUID) (domain.Message, error)
	// Insert assigns the id and the creation timestamp.
	Insert(ctx context.Context, message domain.Message) (domain.Message, error)
	Update(ctx context.Context, id uuid.UUID, patch domain.MessagePatch) (domain.Message, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	RecordEdit(ctx context.Context, id uuid.UUID, previousBody, editorID string) error
	ListEditHistory(ctx context.Context, id uuid.UUID) ([]domain.EditRecord, error)
	UpsertReaction(ctx context.Context, reaction domain.Reaction) error
	RemoveReaction(ctx context.Context, id uuid.UUID, userID, emoji string) error
	// UpsertReadReceipt reports true when the receipt did not exist yet.
	UpsertReadReceipt(ctx context.Context, id uuid.UUID, userID string) (bool, error)
	ListReadReceipts(ctx context.Context, id uuid.UUID) ([]domain.ReadReceipt, error)
	// CountMessages counts top-level messages and replies.
	CountMessages(ctx context.Context, ref domain.ConversationRef) (int, error)
	CountUnread(ctx context.Context, ref domain.ConversationRef, userID string) (int, error)
}

type ConversationStore interface {
	CreateGroup(ctx context.Context, group domain.Group) (domain.Group, error)
	UpdateGroup(ctx context.Context, group domain.Group) error
	GetConversation(ctx context.Context, ref domain.ConversationRef) (domain.Conversation, error)
	// CreatePrivate fails with a constraint violation when the pair already has a conversation.
	CreatePrivate(ctx context.Context, pair domain.Pair) (domain.PrivateConversation, error)
	FindPrivate(ctx context.Context, pair domain.Pair) (domain.PrivateConversation, error)
	ListConversations(ctx context.Context, userID string) ([]domain.ConversationRef, error)
}

type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
}

type FrameKind string

const (
	FrameBroadcast FrameKind = "broadcast"
	FrameSync      FrameKind = "sync"
)

// Frame is what a topic subscriber receives.
// Broadcast frames carry Payload, sync frames carry the full presence State.
type Frame struct {
	Topic   string            `json:"topic"`
	Kind    FrameKind         `json:"kind"`
	Payload []byte            `json:"payload,omitempty"`
	State   map[string][]byte `json:"state,omitempty"`
}

// Subscription ends when closed, when its context ends or when the transport drops it.
// Err is errors.ErrChannelDisconnected in the last case and nil otherwise.
type Subscription interface {
	Done() <-chan struct{}
	Err() error
	Close()
}

// PubSub is the topic based transport: fire-and-forget broadcasts plus a
// presence mode where each Track re-syncs the full per-key state.
type PubSub interface {
	Subscribe(ctx context.Context, topic string, handler func(Frame)) (Subscription, error)
	Broadcast(ctx context.Context, topic string, payload []byte) error
	Track(ctx context.Context, topic, key string, value []byte) error
	Untrack(ctx context.Context, topic, key string) error
}

// FrameSink receives frames on behalf of one subscriber.
type FrameSink interface {
	Consume(ctx context.Context, frame Frame) error
}

type IRegistry interface {
	GetSinksForTopic(topic string) []FrameSink
	Subscribe(subscriberID string, topic string, sink FrameSink)
	Unsubscribe(subscriberID string, topic string)
}

// ObjectStorage stores attachment blobs and returns their public URL.
type ObjectStorage interface {
	Put(ctx context.Context, path string, content io.Reader, contentType string) (string, error)
}

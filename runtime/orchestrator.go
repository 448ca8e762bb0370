package runtime

import (
	"chat-engine/attachment"
	"chat-engine/contract"
	"chat-engine/conversation"
	"chat-engine/domain"
	"chat-engine/errors"
	"chat-engine/identity"
	"chat-engine/moderation"
	"chat-engine/notification"
	"chat-engine/presence"
	"chat-engine/search"
	"chat-engine/session"
	"context"
	"embed"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

//go:embed censored/*
var censoredFolder embed.FS

const censoredDir = "censored"

// Dependencies are the collaborators the orchestrator assembles.
// Index, Profiles, Blocklist and Storage are optional.
type Dependencies struct {
	Messages      contract.MessageStore
	Conversations contract.ConversationStore
	PubSub        contract.PubSub
	Supervisor    contract.ISupervisor
	Index         *search.Index
	Profiles      contract.ProfileSource
	Blocklist     WordSource
	Storage       contract.ObjectStorage
}

type Config struct {
	CharReplacement rune
	ProfileTTL      time.Duration
	MaxAttachment   int64
	Session         session.Config
}

// Summary is one line of a user's conversation list.
type Summary struct {
	Conversation domain.Conversation
	Title        string
}

type Orchestrator struct {
	mu            sync.Mutex
	log           *slog.Logger
	cfg           Config
	supervisor    contract.ISupervisor
	conversations contract.ConversationStore
	messages      contract.MessageStore
	searchable    *search.Store
	notifications *notification.Channel
	presence      *presence.Channel
	groups        *conversation.Service
	identity      *identity.Resolver
	uploader      *attachment.Uploader
	loader        *CensoredLoader
	censor        *swappableCensor
	sessions      []*session.Session
	stopOnce      sync.Once
}

// swappableCensor lets a reloaded word list reach sessions already open.
type swappableCensor struct {
	current atomic.Pointer[moderation.Moderator]
}

func (c *swappableCensor) Sanitize(body string) string {
	m := c.current.Load()
	if m == nil {
		return body
	}
	return m.Sanitize(body)
}

// NewOrchestrator chains the message store decorators: search indexing
// first, then notification, so peers are told only about indexed writes.
func NewOrchestrator(log *slog.Logger, deps Dependencies, cfg Config) (*Orchestrator, error) {
	if cfg.CharReplacement == 0 {
		cfg.CharReplacement = '*'
	}
	o := &Orchestrator{
		log:           log,
		cfg:           cfg,
		supervisor:    deps.Supervisor,
		conversations: deps.Conversations,
		notifications: notification.NewChannel(deps.PubSub, log),
		presence:      presence.NewChannel(deps.PubSub, log, nil),
		groups:        conversation.NewService(deps.Conversations, log, nil),
		loader:        NewCensoredLoader(censoredFolder, deps.Blocklist),
		censor:        &swappableCensor{},
	}

	messages := deps.Messages
	if deps.Index != nil {
		o.searchable = search.NewStore(messages, deps.Index, log)
		messages = o.searchable
	}
	o.messages = notification.NewStore(messages, o.notifications, log)

	if deps.Profiles != nil {
		resolver, err := identity.NewResolver(deps.Profiles, log, cfg.ProfileTTL)
		if err != nil {
			return nil, err
		}
		o.identity = resolver
	}
	if deps.Storage != nil {
		o.uploader = attachment.NewUploader(deps.Storage, log, cfg.MaxAttachment, nil)
	}
	return o, nil
}

// Prepare loads the censored words and builds the moderator.
func (o *Orchestrator) Prepare(ctx context.Context) error {
	return o.ReloadCensored(ctx)
}

// Start prepares the orchestrator then runs the supervised workers until ctx ends.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Prepare(ctx); err != nil {
		return err
	}
	o.log.Info("Starting orchestrator and all supervised workers")
	if o.supervisor != nil {
		o.supervisor.Run(ctx)
	}
	return nil
}

// ReloadCensored rebuilds the moderator, open sessions pick it up on their next write.
func (o *Orchestrator) ReloadCensored(ctx context.Context) error {
	data, err := o.loader.LoadAll(ctx, censoredDir)
	if err != nil {
		return err
	}
	moderator, err := moderation.NewModerator(data.Words, o.cfg.CharReplacement, o.log)
	if err != nil {
		return err
	}
	o.censor.current.Store(&moderator)
	o.log.Info("Censored words loaded",
		"languages", strings.Join(data.Languages, ","), "words", len(data.Words), "blocklist", data.Extra)
	return nil
}

func (o *Orchestrator) deps() session.Deps {
	return session.Deps{
		Messages:      o.messages,
		Conversations: o.conversations,
		Notifications: o.notifications,
		Presence:      o.presence,
		Censor:        o.censor,
		Log:           o.log,
	}
}

func (o *Orchestrator) open(ctx context.Context, ref domain.ConversationRef, userID string) (*session.Session, error) {
	s := session.New(ref, userID, o.deps(), o.cfg.Session)
	if err := s.Open(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	o.mu.Lock()
	o.sessions = lo.Filter(o.sessions, func(open *session.Session, _ int) bool {
		return open.State() != session.Closed
	})
	o.sessions = append(o.sessions, s)
	o.mu.Unlock()
	return s, nil
}

// OpenGroup opens a live session on a group. The caller closes it.
func (o *Orchestrator) OpenGroup(ctx context.Context, userID, groupID string) (*session.Session, error) {
	return o.open(ctx, domain.GroupRef(groupID), userID)
}

// OpenPrivate opens the private conversation with otherID, creating it if needed.
func (o *Orchestrator) OpenPrivate(ctx context.Context, userID, otherID string) (*session.Session, error) {
	conv, err := o.groups.StartPrivate(ctx, userID, otherID)
	if err != nil {
		return nil, err
	}
	return o.open(ctx, conv.Ref(), userID)
}

func (o *Orchestrator) StartPrivate(ctx context.Context, userID, otherID string) (domain.PrivateConversation, error) {
	return o.groups.StartPrivate(ctx, userID, otherID)
}

func (o *Orchestrator) CreateGroup(ctx context.Context, req conversation.CreateGroupRequest) (domain.Group, error) {
	return o.groups.CreateGroup(ctx, req)
}

// Groups exposes settings, roles and membership changes.
func (o *Orchestrator) Groups() *conversation.Service { return o.groups }

// Search looks for text in a conversation userID is allowed to read.
func (o *Orchestrator) Search(ctx context.Context, userID string, ref domain.ConversationRef, text string, limit int) ([]domain.Message, error) {
	if o.searchable == nil {
		return nil, errors.New("search is not configured")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.ErrEmptyMessage
	}
	conv, err := o.conversations.GetConversation(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !conv.IsReadable(userID) {
		return nil, &errors.DeniedError{Action: "search", Reason: "not a member"}
	}
	return o.searchable.Find(ctx, ref, text, limit)
}

// Conversations lists userID's conversations with display titles.
// Private conversations are titled with the other participant's name.
func (o *Orchestrator) Conversations(ctx context.Context, userID string) ([]Summary, error) {
	conversations, err := o.groups.Conversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(conversations))
	for _, conv := range conversations {
		title := conv.Title(userID)
		if conv.Private != nil && o.identity != nil {
			if profile, err := o.identity.Resolve(ctx, title); err == nil {
				title = profile.DisplayName
			} else {
				o.log.Warn("Cannot resolve conversation title", "user", title, "error", err)
			}
		}
		summaries = append(summaries, Summary{Conversation: conv, Title: title})
	}
	return summaries, nil
}

// Profile resolves display metadata through the identity cache.
func (o *Orchestrator) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	if o.identity == nil {
		return domain.AnonymousProfile(userID), nil
	}
	return o.identity.Resolve(ctx, userID)
}

// Upload stores an attachment and returns the descriptor to pass to Send.
func (o *Orchestrator) Upload(ctx context.Context, userID, filename string, content io.Reader) (domain.Attachment, error) {
	if o.uploader == nil {
		return domain.Attachment{}, errors.New("object storage is not configured")
	}
	return o.uploader.Upload(ctx, userID, filename, content)
}

// Stop closes every open session and the supervised workers.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(o.stop)
}

func (o *Orchestrator) stop() {
	o.mu.Lock()
	sessions := o.sessions
	o.sessions = nil
	o.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	if o.supervisor != nil {
		o.supervisor.Stop()
	}
	if o.identity != nil {
		o.identity.Close()
	}
	o.log.Info("Orchestrator stopped", "sessions", len(sessions))
}

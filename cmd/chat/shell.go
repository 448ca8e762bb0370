package main

import (
	"chat-engine/conversation"
	"chat-engine/domain"
	"chat-engine/errors"
	"chat-engine/repositories"
	"chat-engine/runtime"
	"chat-engine/session"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/samber/lo"
)

var errQuit = errors.New("quit")

const usage = `commands:
  /list                     your conversations
  /group NAME [USER...]     create a group
  /open GROUP_ID            open a group
  /dm USER                  open the private conversation with USER
  /thread ID | /back        enter or leave a thread
  /edit ID TEXT   /delete ID   /pin ID   /unpin ID
  /react ID EMOJI   /read ID   /older   /history ID   /receipts ID
  /attach PATH [CAPTION]    upload a file and send it
  /search TEXT              full text search in the open conversation
  /add USER  /kick USER  /promote USER  /demote USER
  /mute USER [DURATION]  /unmute USER  /rename NAME  /leave
  /block WORD  /reload      extend the censored words
  /quit
anything else is sent to the open conversation`

type shell struct {
	orch      *runtime.Orchestrator
	blocklist *repositories.BlocklistRepository
	self      string
	colours   bool

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	current *session.Session
	thread  *session.Session
	watch   context.CancelFunc
	// threadWatch stops rendering the thread on /back.
	threadWatch context.CancelFunc
}

func newShell(orch *runtime.Orchestrator, self string, out io.Writer, colours bool) *shell {
	return &shell{orch: orch, self: self, out: out, colours: colours}
}

func (sh *shell) printf(format string, args ...any) {
	sh.outMu.Lock()
	defer sh.outMu.Unlock()
	_, _ = fmt.Fprintf(sh.out, format+"\n", args...)
}

func (sh *shell) paint(style color.Style, s string) string {
	if !sh.colours {
		return s
	}
	return style.Render(s)
}

// active is the thread when one is open, otherwise the conversation.
func (sh *shell) active() (*session.Session, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.thread != nil {
		return sh.thread, nil
	}
	if sh.current == nil {
		return nil, errors.New("no open conversation, see /list, /open or /dm")
	}
	return sh.current, nil
}

// exec runs one input line.
func (sh *shell) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return sh.send(ctx, line, nil)
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "help":
		sh.printf("%s", usage)
		return nil
	case "quit", "exit":
		return errQuit
	case "list":
		return sh.list(ctx)
	case "group":
		return sh.createGroup(ctx, strings.Fields(rest))
	case "open":
		s, err := sh.orch.OpenGroup(ctx, sh.self, rest)
		if err != nil {
			return err
		}
		sh.switchTo(ctx, s)
		return nil
	case "dm":
		s, err := sh.orch.OpenPrivate(ctx, sh.self, rest)
		if err != nil {
			return err
		}
		sh.switchTo(ctx, s)
		return nil
	case "thread":
		return sh.enterThread(ctx, rest)
	case "back":
		sh.leaveThread()
		return nil
	case "search":
		return sh.search(ctx, rest)
	case "attach":
		file, caption, _ := strings.Cut(rest, " ")
		return sh.attach(ctx, file, caption)
	case "block":
		return sh.block(ctx, strings.Fields(rest))
	case "reload":
		return sh.orch.ReloadCensored(ctx)
	case "older":
		s, err := sh.active()
		if err != nil {
			return err
		}
		n, err := s.LoadOlder(ctx)
		if err == nil {
			sh.printf("%d older messages loaded", n)
		}
		return err
	case "add", "kick", "promote", "demote", "mute", "unmute", "rename", "leave":
		return sh.manage(ctx, name, rest)
	}
	return sh.onMessage(ctx, name, rest)
}

// onMessage runs the commands that target one message of the active session.
func (sh *shell) onMessage(ctx context.Context, name, rest string) error {
	s, err := sh.active()
	if err != nil {
		return err
	}
	prefix, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)
	id, err := lookup(s.Snapshot(), prefix)
	if err != nil {
		return err
	}
	switch name {
	case "edit":
		return s.Edit(ctx, id, arg)
	case "delete":
		return s.Delete(ctx, id)
	case "pin":
		return s.Pin(ctx, id)
	case "unpin":
		return s.Unpin(ctx, id)
	case "react":
		return s.React(ctx, id, arg)
	case "read":
		return s.MarkRead(ctx, id)
	case "history":
		records, err := s.EditHistory(ctx, id)
		if err != nil {
			return err
		}
		for _, r := range records {
			sh.printf("  %s %s: %s", r.EditedAt.Local().Format(time.Kitchen), r.EditorID, r.PreviousBody)
		}
		return nil
	case "receipts":
		receipts, err := s.ReadReceipts(ctx, id)
		if err != nil {
			return err
		}
		for _, r := range receipts {
			sh.printf("  read by %s %s", r.UserID, humanize.Time(r.ReadAt))
		}
		return nil
	}
	return fmt.Errorf("unknown command /%s, see /help", name)
}

// lookup finds the loaded message whose id starts with prefix.
func lookup(snap session.Snapshot, prefix string) (uuid.UUID, error) {
	if prefix == "" {
		return uuid.Nil, errors.New("missing message id")
	}
	matches := lo.Filter(snap.Messages, func(m domain.Message, _ int) bool {
		return strings.HasPrefix(m.ID.String(), strings.ToLower(prefix))
	})
	switch len(matches) {
	case 0:
		return uuid.Nil, fmt.Errorf("no loaded message starts with %q", prefix)
	case 1:
		return matches[0].ID, nil
	default:
		return uuid.Nil, fmt.Errorf("%q is ambiguous, type more of the id", prefix)
	}
}

func (sh *shell) send(ctx context.Context, body string, attachment *domain.Attachment) error {
	s, err := sh.active()
	if err != nil {
		return err
	}
	receipt, err := s.Send(ctx, body, attachment)
	if err != nil {
		return err
	}
	go func() {
		if _, err := receipt.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			sh.printf("%s", sh.paint(color.Style{color.FgRed}, "not sent: "+err.Error()))
		}
	}()
	return nil
}

func (sh *shell) list(ctx context.Context) error {
	summaries, err := sh.orch.Conversations(ctx, sh.self)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		sh.printf("no conversation yet, start one with /group or /dm")
	}
	for _, s := range summaries {
		sh.printf("  %-8s %-40s %s", s.Conversation.Ref.Kind, s.Conversation.Ref.ID, sh.paint(color.Style{color.OpBold}, s.Title))
	}
	return nil
}

func (sh *shell) createGroup(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: /group NAME [USER...]")
	}
	group, err := sh.orch.CreateGroup(ctx, conversation.CreateGroupRequest{
		Name:      args[0],
		CreatorID: sh.self,
		MemberIDs: args[1:],
	})
	if err != nil {
		return err
	}
	sh.printf("group %s created with %d members", group.ID, len(group.Members))
	s, err := sh.orch.OpenGroup(ctx, sh.self, group.ID)
	if err != nil {
		return err
	}
	sh.switchTo(ctx, s)
	return nil
}

func (sh *shell) enterThread(ctx context.Context, prefix string) error {
	sh.mu.Lock()
	current := sh.current
	sh.mu.Unlock()
	if current == nil {
		return errors.New("no open conversation")
	}
	id, err := lookup(current.Snapshot(), prefix)
	if err != nil {
		return err
	}
	thread, err := current.Thread(ctx, id)
	if err != nil {
		return err
	}
	sh.leaveThread()
	watchCtx, cancel := context.WithCancel(ctx)
	sh.mu.Lock()
	sh.thread, sh.threadWatch = thread, cancel
	sh.mu.Unlock()
	go sh.render(watchCtx, thread)
	return nil
}

func (sh *shell) leaveThread() {
	sh.mu.Lock()
	cancel := sh.threadWatch
	sh.thread, sh.threadWatch = nil, nil
	sh.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (sh *shell) search(ctx context.Context, text string) error {
	sh.mu.Lock()
	current := sh.current
	sh.mu.Unlock()
	if current == nil {
		return errors.New("no open conversation")
	}
	found, err := sh.orch.Search(ctx, sh.self, current.Ref(), text, 0)
	if err != nil {
		return err
	}
	sh.printf("%d results for %q", len(found), text)
	for _, m := range found {
		sh.printf("  %s", sh.format(ctx, m))
	}
	return nil
}

func (sh *shell) attach(ctx context.Context, file, caption string) error {
	if file == "" {
		return errors.New("usage: /attach PATH [CAPTION]")
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	descriptor, err := sh.orch.Upload(ctx, sh.self, filepath.Base(file), f)
	if err != nil {
		return err
	}
	return sh.send(ctx, caption, &descriptor)
}

func (sh *shell) block(ctx context.Context, words []string) error {
	if sh.blocklist == nil {
		return errors.New("the blocklist needs the badger store")
	}
	if len(words) == 0 {
		return errors.New("usage: /block WORD...")
	}
	if err := sh.blocklist.Add(ctx, words...); err != nil {
		return err
	}
	return sh.orch.ReloadCensored(ctx)
}

// manage runs the group administration commands on the open group.
func (sh *shell) manage(ctx context.Context, name, arg string) error {
	sh.mu.Lock()
	current := sh.current
	sh.mu.Unlock()
	if current == nil || current.Ref().Kind != domain.GroupKind {
		return errors.New("open a group first")
	}
	groupID := current.Ref().ID
	groups := sh.orch.Groups()

	var err error
	switch name {
	case "add":
		_, err = groups.AddMember(ctx, sh.self, groupID, arg)
	case "kick":
		_, err = groups.RemoveMember(ctx, sh.self, groupID, arg)
	case "promote":
		_, err = groups.Promote(ctx, sh.self, groupID, arg)
	case "demote":
		_, err = groups.Demote(ctx, sh.self, groupID, arg)
	case "unmute":
		_, err = groups.Unmute(ctx, sh.self, groupID, arg)
	case "rename":
		_, err = groups.UpdateSettings(ctx, sh.self, groupID, conversation.Settings{Name: &arg})
	case "mute":
		target, length, _ := strings.Cut(arg, " ")
		var until *time.Time
		if length = strings.TrimSpace(length); length != "" {
			d, perr := time.ParseDuration(length)
			if perr != nil {
				return perr
			}
			until = lo.ToPtr(time.Now().Add(d))
		}
		_, err = groups.Mute(ctx, sh.self, groupID, target, until)
	case "leave":
		if err = groups.Leave(ctx, sh.self, groupID); err == nil {
			sh.switchTo(ctx, nil)
		}
	}
	return err
}

// switchTo makes s the open conversation and renders it until the next switch.
func (sh *shell) switchTo(ctx context.Context, s *session.Session) {
	sh.leaveThread()
	sh.mu.Lock()
	previous, cancel := sh.current, sh.watch
	sh.current, sh.thread, sh.watch = s, nil, nil
	if s != nil {
		var watchCtx context.Context
		watchCtx, sh.watch = context.WithCancel(ctx)
		go sh.render(watchCtx, s)
	}
	sh.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if previous != nil {
		_ = previous.Close()
	}
}

// render prints what changed in the session snapshots until ctx ends or the session closes.
func (sh *shell) render(ctx context.Context, s *session.Session) {
	seen := make(map[uuid.UUID]string)
	typing := ""
	state := session.Uninitialized
	var lastErr error
	for {
		snap := s.Snapshot()
		if snap.State != state {
			state = snap.State
			if state == session.Ready {
				sh.printf("%s", sh.paint(color.Style{color.BgBlack, color.FgGreen}, sh.header(ctx, snap)))
			}
		}
		for _, m := range snap.Messages {
			line := sh.format(ctx, m)
			if seen[m.ID] != line {
				seen[m.ID] = line
				sh.printf("%s", line)
			}
		}
		if now := strings.Join(snap.Typing, ", "); now != typing {
			typing = now
			if now != "" {
				sh.printf("%s", sh.paint(color.Style{color.FgGray}, now+" typing..."))
			}
		}
		if snap.Err != nil && snap.Err != lastErr {
			lastErr = snap.Err
			sh.printf("%s", sh.paint(color.Style{color.FgRed}, "connection lost: "+snap.Err.Error()))
		}
		if state == session.Closed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.Changes():
		}
	}
}

func (sh *shell) header(ctx context.Context, snap session.Snapshot) string {
	title := snap.Conversation.Title(sh.self)
	if snap.Conversation.Private != nil {
		if p, err := sh.orch.Profile(ctx, title); err == nil {
			title = p.DisplayName
		}
	}
	if snap.ParentID != uuid.Nil {
		return fmt.Sprintf(" thread %s in %s, %d replies ", short(snap.ParentID), title, snap.Total)
	}
	online := append([]string(nil), snap.Online...)
	sort.Strings(online)
	return fmt.Sprintf(" %s: %d messages, %d unread, online %s ", title, snap.Total, snap.Unread, strings.Join(online, " "))
}

func short(id uuid.UUID) string { return id.String()[:8] }

// format renders one message on a single line.
func (sh *shell) format(ctx context.Context, m domain.Message) string {
	author := m.AuthorID
	if p, err := sh.orch.Profile(ctx, m.AuthorID); err == nil {
		author = p.DisplayName
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s: ",
		sh.paint(color.Style{color.FgGray}, m.CreatedAt.Local().Format("15:04")),
		sh.paint(color.Style{color.FgYellow}, short(m.ID)),
		sh.paint(color.Style{color.FgCyan, color.OpBold}, author))
	switch {
	case m.IsDeleted():
		b.WriteString(sh.paint(color.Style{color.FgGray}, "message deleted"))
	default:
		b.WriteString(m.Body)
	}
	if m.Attachment != nil {
		fmt.Fprintf(&b, " [%s %s]", m.Attachment.Filename, humanize.IBytes(uint64(m.Attachment.Size)))
	}
	if m.IsEdited() && !m.IsDeleted() {
		b.WriteString(" (edited)")
	}
	if m.IsPinned() {
		b.WriteString(sh.paint(color.Style{color.FgMagenta}, " [pinned by "+m.Pin.By+"]"))
	}
	if len(m.Reactions) > 0 {
		counts := lo.CountValuesBy(m.Reactions, func(r domain.Reaction) string { return r.Emoji })
		emojis := lo.Keys(counts)
		sort.Strings(emojis)
		for _, e := range emojis {
			fmt.Fprintf(&b, " %s%d", e, counts[e])
		}
	}
	if m.ReplyCount > 0 {
		fmt.Fprintf(&b, " (%d replies)", m.ReplyCount)
	}
	if m.Pending {
		b.WriteString(sh.paint(color.Style{color.FgGray}, " sending..."))
	}
	return b.String()
}

// close ends the open session.
func (sh *shell) close(ctx context.Context) {
	sh.switchTo(ctx, nil)
}

package presence

import (
	"chat-engine/domain"
	"slices"
	"time"
)

// DefaultIdle is how long a typing flag survives without a fresh publish.
const DefaultIdle = 2 * time.Second

type observed struct {
	entry      domain.PresenceEntry
	receivedAt time.Time
}

// View folds successive syncs into last-value-wins state and expires typing
// flags locally. Expiry runs on the local receive time so clock skew between
// participants cannot keep an indicator alive. A View is not safe for
// concurrent use, its owner serializes calls.
type View struct {
	selfID  string
	idle    time.Duration
	entries map[string]observed
}

func NewView(selfID string, idle time.Duration) *View {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &View{selfID: selfID, idle: idle, entries: make(map[string]observed)}
}

// Apply replaces the view with a full snapshot. Users absent from the
// snapshot have left. An entry whose LastSeen did not move keeps its
// original receive time, so a resync does not revive an expired flag.
func (v *View) Apply(state domain.PresenceState, now time.Time) {
	next := make(map[string]observed, len(state))
	for userID, entry := range state {
		previous, known := v.entries[userID]
		switch {
		case known && entry.LastSeen.Before(previous.entry.LastSeen):
			next[userID] = previous
		case known && entry.LastSeen.Equal(previous.entry.LastSeen):
			next[userID] = observed{entry: entry, receivedAt: previous.receivedAt}
		default:
			next[userID] = observed{entry: entry, receivedAt: now}
		}
	}
	v.entries = next
}

// Typing lists the other participants currently typing, sorted.
func (v *View) Typing(now time.Time) []string {
	var typing []string
	for userID, o := range v.entries {
		if userID == v.selfID || !o.entry.Typing {
			continue
		}
		if now.Sub(o.receivedAt) < v.idle {
			typing = append(typing, userID)
		}
	}
	slices.Sort(typing)
	return typing
}

// NextExpiry returns when the next typing flag lapses, false if none is live.
func (v *View) NextExpiry(now time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for userID, o := range v.entries {
		if userID == v.selfID || !o.entry.Typing {
			continue
		}
		at := o.receivedAt.Add(v.idle)
		if !at.After(now) {
			continue
		}
		if !found || at.Before(next) {
			next, found = at, true
		}
	}
	return next, found
}

// Online lists every participant present on the topic, sorted.
func (v *View) Online() []string {
	online := make([]string, 0, len(v.entries))
	for userID := range v.entries {
		online = append(online, userID)
	}
	slices.Sort(online)
	return online
}

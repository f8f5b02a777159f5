// Package presence tracks ephemeral user activity: typing indicators and
// which users are online in a channel. Nothing here is persisted by the
// chat store.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/mahaj/village-chat/pkg/model"
)

// Notifier receives typing transitions for fan-out.
type Notifier interface {
	TypingStarted(channelID string, who model.Identity)
	TypingStopped(channelID, userID string, expired bool)
}

type typingKey struct {
	channelID string
	userID    string
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// Typing tracks who is typing where. With a positive TTL, an indicator that
// is not refreshed or stopped within the TTL expires and is announced as
// stopped.
type Typing struct {
	ttl    time.Duration
	notify Notifier

	mu     sync.Mutex
	gen    uint64
	active map[typingKey]*typingEntry
}

// NewTyping returns a tracker. ttl <= 0 disables expiry.
func NewTyping(ttl time.Duration, notify Notifier) *Typing {
	return &Typing{
		ttl:    ttl,
		notify: notify,
		active: make(map[typingKey]*typingEntry),
	}
}

// Start announces that who is typing in channelID and (re)arms its expiry.
func (t *Typing) Start(channelID string, who model.Identity) {
	key := typingKey{channelID: channelID, userID: who.ID}

	t.mu.Lock()
	if e, ok := t.active[key]; ok && e.timer != nil {
		e.timer.Stop()
	}
	t.gen++
	e := &typingEntry{gen: t.gen}
	if t.ttl > 0 {
		gen := e.gen
		e.timer = time.AfterFunc(t.ttl, func() { t.expire(key, gen) })
	}
	t.active[key] = e
	t.mu.Unlock()

	t.notify.TypingStarted(channelID, who)
}

// Stop announces that userID stopped typing in channelID. A stop without a
// matching start is still announced.
func (t *Typing) Stop(channelID, userID string) {
	t.clear(typingKey{channelID: channelID, userID: userID})
	t.notify.TypingStopped(channelID, userID, false)
}

// DropUser clears every indicator of userID, announcing each one.
func (t *Typing) DropUser(userID string) {
	t.mu.Lock()
	var channels []string
	for key, e := range t.active {
		if key.userID != userID {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.active, key)
		channels = append(channels, key.channelID)
	}
	t.mu.Unlock()

	sort.Strings(channels)
	for _, channelID := range channels {
		t.notify.TypingStopped(channelID, userID, false)
	}
}

// Typing lists the users currently typing in channelID.
func (t *Typing) Typing(channelID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var users []string
	for key := range t.active {
		if key.channelID == channelID {
			users = append(users, key.userID)
		}
	}
	sort.Strings(users)
	return users
}

// Close stops all expiry timers without announcing anything.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.active {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.active, key)
	}
}

func (t *Typing) clear(key typingKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.active[key]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.active, key)
	return true
}

func (t *Typing) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.active[key]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.active, key)
	t.mu.Unlock()

	t.notify.TypingStopped(key.channelID, key.userID, true)
}

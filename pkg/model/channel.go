package model

import (
	"sort"
	"strings"
	"time"
)

type ChannelKind string

const (
	ChannelDirect ChannelKind = "direct"
	ChannelGroup  ChannelKind = "group"
	// ChannelQuest is bound to an external context such as a quest.
	ChannelQuest ChannelKind = "quest"
)

func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelDirect, ChannelGroup, ChannelQuest:
		return true
	}
	return false
}

type Channel struct {
	ID        string      `json:"id"`
	Kind      ChannelKind `json:"type"`
	Name      string      `json:"name"`
	ContextID string      `json:"quest_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

type Membership struct {
	ChannelID  string     `json:"channel_id"`
	UserID     string     `json:"user_id"`
	LastReadAt *time.Time `json:"last_read_at"`
}

// ChannelSummary is a channel as seen by one member.
type ChannelSummary struct {
	Channel
	LastMessage *Message `json:"last_message"`
	UnreadCount int64    `json:"unread_count"`
}

// PairKey is the order independent key of a direct channel between a and b.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

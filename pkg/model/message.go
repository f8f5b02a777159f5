package model

import (
	"strings"
	"time"
)

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// Valid reports whether k is one of the known message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem:
		return true
	}
	return false
}

// Message is an immutable entry in a channel's log.
type Message struct {
	ID        int64       `json:"id,string"`
	ChannelID string      `json:"channel_id"`
	AuthorID  string      `json:"user_id"`
	Username  string      `json:"username,omitempty"`
	Nickname  string      `json:"nickname,omitempty"`
	Content   *string     `json:"content"`
	MediaRef  *string     `json:"media_url"`
	Kind      MessageKind `json:"message_type"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewMessage is the input to an append. Content and MediaRef are trimmed;
// an empty string is treated as absent.
type NewMessage struct {
	ChannelID string
	AuthorID  string
	Content   string
	MediaRef  string
	Kind      MessageKind
}

// Normalize trims the input, defaults the kind and checks that the message
// carries either content or a media reference.
func (m NewMessage) Normalize(maxContent int) (NewMessage, error) {
	m.ChannelID = strings.TrimSpace(m.ChannelID)
	m.Content = strings.TrimSpace(m.Content)
	m.MediaRef = strings.TrimSpace(m.MediaRef)
	if m.Kind == "" {
		m.Kind = KindText
	}

	if m.ChannelID == "" {
		return m, Errorf(ErrValidation, "channel id is required")
	}
	if m.AuthorID == "" {
		return m, Errorf(ErrValidation, "author is required")
	}
	if !m.Kind.Valid() {
		return m, Errorf(ErrValidation, "unknown message type %q", m.Kind)
	}
	if m.Content == "" && m.MediaRef == "" {
		return m, Errorf(ErrValidation, "message content or media URL is required")
	}
	if maxContent > 0 && len(m.Content) > maxContent {
		return m, Errorf(ErrValidation, "message content must not exceed %d characters", maxContent)
	}
	return m, nil
}

// OptionalString returns nil for an empty string.
func OptionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

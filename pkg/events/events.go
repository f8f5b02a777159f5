// Package events streams facts about persisted chat state to Kafka. Events
// are published after the store accepted a write; live delivery does not
// depend on them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mahaj/village-chat/pkg/model"
)

type Type string

const (
	MessageCreated Type = "message.created"
	MessageDeleted Type = "message.deleted"
	ChannelCreated Type = "channel.created"
	ChannelRead    Type = "channel.read"
	MemberJoined   Type = "member.joined"
)

// Event is one record on the chat topic.
type Event struct {
	Type      Type           `json:"type"`
	ChannelID string         `json:"channel_id"`
	UserID    string         `json:"user_id,omitempty"`
	Message   *model.Message `json:"message,omitempty"`
	Channel   *model.Channel `json:"channel,omitempty"`
	At        time.Time      `json:"at"`
}

// Key partitions events by channel so each channel's events stay ordered.
func (e Event) Key() []byte {
	return []byte(e.ChannelID)
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("events: decode: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("events: decode: missing type")
	}
	return e, nil
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

package realtime

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps data in a Frame named event.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// Fanout is the delivery side of a Registry.
type Fanout interface {
	Broadcast(channelID string, payload []byte, excludeUserID string) int
	SendToUser(userID string, payload []byte) int
}

var _ Fanout = (*Registry)(nil)

// Event names.
const (
	EventConnected      = "connected"
	EventError          = "error"
	EventJoinChannels   = "join:channels"
	EventChannelsJoined = "channels:joined"
	EventJoinChannel    = "join:channel"
	EventChannelJoined  = "channel:joined"
	EventLeaveChannel   = "leave:channel"
	EventChannelLeft    = "channel:left"
	EventMessageSend    = "message:send"
	EventMessageNew     = "message:new"
	EventMessageDeleted = "message:deleted"
	EventMessageRead    = "message:read"
	EventChannelRead    = "channel:read"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventTypingUser     = "typing:user"
	EventCallOffer      = "call:offer"
	EventCallAnswer     = "call:answer"
	EventCallICE        = "call:ice-candidate"
	EventCallEnd        = "call:end"
)

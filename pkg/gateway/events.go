package gateway

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/realtime"
)

// Event is a decoded inbound frame. The concrete types below are the only
// implementations.
type Event interface {
	Name() string
}

type JoinAll struct{}

type JoinChannel struct{ ChannelID string }

type LeaveChannel struct{ ChannelID string }

type SendMessage struct {
	ChannelID string            `json:"channelId"`
	Content   string            `json:"content"`
	Kind      model.MessageKind `json:"kind"`
	MediaRef  string            `json:"mediaRef"`
}

type Typing struct {
	ChannelID string
	Active    bool
}

type MarkRead struct{ ChannelID string }

// Signal is a call-setup payload addressed to another user.
type Signal struct {
	Kind         string
	TargetUserID string
	Payload      json.RawMessage
}

func (JoinAll) Name() string      { return realtime.EventJoinChannels }
func (JoinChannel) Name() string  { return realtime.EventJoinChannel }
func (LeaveChannel) Name() string { return realtime.EventLeaveChannel }
func (SendMessage) Name() string  { return realtime.EventMessageSend }
func (MarkRead) Name() string     { return realtime.EventMessageRead }
func (s Signal) Name() string     { return s.Kind }

func (t Typing) Name() string {
	if t.Active {
		return realtime.EventTypingStart
	}
	return realtime.EventTypingStop
}

// DecodeEvent parses one inbound frame.
func DecodeEvent(raw []byte) (Event, error) {
	var f realtime.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, model.Errorf(model.ErrValidation, "malformed frame")
	}

	switch f.Event {
	case realtime.EventJoinChannels:
		return JoinAll{}, nil
	case realtime.EventJoinChannel:
		id, err := channelRef(f.Data)
		return JoinChannel{ChannelID: id}, err
	case realtime.EventLeaveChannel:
		id, err := channelRef(f.Data)
		return LeaveChannel{ChannelID: id}, err
	case realtime.EventMessageRead:
		id, err := channelRef(f.Data)
		return MarkRead{ChannelID: id}, err
	case realtime.EventTypingStart, realtime.EventTypingStop:
		id, err := channelRef(f.Data)
		return Typing{ChannelID: id, Active: f.Event == realtime.EventTypingStart}, err
	case realtime.EventMessageSend:
		return decodeSend(f.Data)
	case realtime.EventCallOffer, realtime.EventCallAnswer, realtime.EventCallICE, realtime.EventCallEnd:
		return decodeSignal(f.Event, f.Data)
	case "":
		return nil, model.Errorf(model.ErrValidation, "event name is required")
	default:
		return nil, model.Errorf(model.ErrValidation, "unknown event %q", f.Event)
	}
}

// channelRef accepts either a bare channel id string or {"channelId": ...}.
func channelRef(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	var id string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &id); err != nil {
			return "", model.Errorf(model.ErrValidation, "malformed channel id")
		}
	} else {
		var obj struct {
			ChannelID string `json:"channelId"`
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &obj); err != nil {
				return "", model.Errorf(model.ErrValidation, "malformed channel id")
			}
		}
		id = obj.ChannelID
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", model.Errorf(model.ErrValidation, "channel id is required")
	}
	return id, nil
}

func decodeSend(data json.RawMessage) (Event, error) {
	var in struct {
		SendMessage
		MessageType model.MessageKind `json:"messageType"`
		MediaURL    string            `json:"mediaUrl"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, model.Errorf(model.ErrValidation, "malformed message")
	}
	ev := in.SendMessage
	if ev.Kind == "" {
		ev.Kind = in.MessageType
	}
	if ev.MediaRef == "" {
		ev.MediaRef = in.MediaURL
	}
	if strings.TrimSpace(ev.ChannelID) == "" {
		return nil, model.Errorf(model.ErrValidation, "channel id is required")
	}
	return ev, nil
}

func decodeSignal(kind string, data json.RawMessage) (Event, error) {
	var in struct {
		TargetUserID string          `json:"targetUserId"`
		Payload      json.RawMessage `json:"payload"`
		Offer        json.RawMessage `json:"offer"`
		Answer       json.RawMessage `json:"answer"`
		Candidate    json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, model.Errorf(model.ErrValidation, "malformed %s", kind)
	}
	if in.TargetUserID == "" {
		return nil, model.Errorf(model.ErrValidation, "target user ID is required")
	}

	payload := in.Payload
	for _, alt := range []json.RawMessage{in.Offer, in.Answer, in.Candidate} {
		if len(payload) == 0 {
			payload = alt
		}
	}
	return Signal{Kind: kind, TargetUserID: in.TargetUserID, Payload: payload}, nil
}

// Outbound payloads.

type channelAck struct {
	ChannelID string `json:"channelId"`
}

type channelsJoined struct {
	Count int `json:"count"`
}

type connected struct {
	UserID string `json:"userId"`
}

type typingUser struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
}

type typingStopped struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Expired   bool   `json:"expired,omitempty"`
}

type channelRead struct {
	ChannelID  string `json:"channelId"`
	LastReadAt string `json:"lastReadAt"`
}

type relayedSignal struct {
	FromUserID   string          `json:"fromUserId"`
	FromUsername string          `json:"fromUsername"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type errorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

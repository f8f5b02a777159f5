package gateway

import (
	"context"
	"encoding/json"
	"log"

	"github.com/mahaj/village-chat/pkg/config"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/realtime"
)

// ChannelChecker answers the shared-channel policy question.
type ChannelChecker interface {
	SharesChannel(ctx context.Context, a, b string) (bool, error)
}

// Relay forwards call signaling between users. Payloads are opaque and go
// only to connections that are live right now; nothing is queued.
type Relay struct {
	fanout   realtime.Fanout
	channels ChannelChecker
	policy   string
}

// NewRelay builds a relay. Under config.PolicyOpen any authenticated user
// may signal any other user; under config.PolicySharedChannel the two must
// share a channel.
func NewRelay(fanout realtime.Fanout, channels ChannelChecker, policy string) *Relay {
	if policy == "" {
		policy = config.PolicyOpen
	}
	return &Relay{fanout: fanout, channels: channels, policy: policy}
}

// Forward delivers payload to every live connection of targetID and returns
// how many received it. Zero is not an error.
func (r *Relay) Forward(ctx context.Context, kind string, from model.Identity, targetID string, payload json.RawMessage) (int, error) {
	if targetID == from.ID {
		return 0, model.Errorf(model.ErrValidation, "cannot call yourself")
	}

	if r.policy == config.PolicySharedChannel {
		ok, err := r.channels.SharesChannel(ctx, from.ID, targetID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, model.Errorf(model.ErrForbidden, "no shared channel with this user")
		}
	}

	frame, err := realtime.Encode(kind, relayedSignal{
		FromUserID:   from.ID,
		FromUsername: from.Username,
		Payload:      payload,
	})
	if err != nil {
		return 0, err
	}

	n := r.fanout.SendToUser(targetID, frame)
	if n == 0 {
		log.Printf("Dropped %s from %s: %s has no live connection", kind, from.ID, targetID)
	}
	return n, nil
}

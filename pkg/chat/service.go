// Package chat implements the operations shared by the websocket gateway and
// the REST API: posting, reading and deleting messages, and creating
// channels. Posting persists first and broadcasts second, one message at a
// time per channel, so every observer sees messages in stored order.
package chat

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mahaj/village-chat/pkg/events"
	"github.com/mahaj/village-chat/pkg/metrics"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/realtime"
	"github.com/mahaj/village-chat/pkg/store"
)

const publishTimeout = 2 * time.Second

type Options struct {
	MaxContentLength int
	DefaultLimit     int
	MaxLimit         int
}

// MessageNew is the payload of message:new.
type MessageNew struct {
	ChannelID string        `json:"channelId"`
	Message   model.Message `json:"message"`
}

// MessageDeleted is the payload of message:deleted.
type MessageDeleted struct {
	ChannelID string `json:"channelId"`
	MessageID int64  `json:"messageId,string"`
}

type Service struct {
	store   store.Store
	fanout  realtime.Fanout
	events  events.Publisher
	metrics *metrics.Metrics
	opts    Options
	locks   *keyedMutex
}

// NewService wires the service. A nil publisher discards events and nil
// metrics are not recorded.
func NewService(st store.Store, fanout realtime.Fanout, pub events.Publisher, m *metrics.Metrics, opts Options) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 100
	}
	return &Service{
		store:   st,
		fanout:  fanout,
		events:  pub,
		metrics: m,
		opts:    opts,
		locks:   newKeyedMutex(),
	}
}

// PostMessage stores a message from who and broadcasts message:new to every
// live connection in the channel, the sender's included. Nothing is
// broadcast when the store rejects the message.
func (s *Service) PostMessage(ctx context.Context, who model.Identity, in model.NewMessage) (model.Message, error) {
	in.AuthorID = who.ID
	in, err := in.Normalize(s.opts.MaxContentLength)
	if err != nil {
		return model.Message{}, err
	}

	unlock := s.locks.Lock(in.ChannelID)
	start := time.Now()
	msg, err := s.store.AppendMessage(ctx, in)
	s.observe("append", start)
	if err != nil {
		unlock()
		return model.Message{}, err
	}
	msg.Username = who.Username
	msg.Nickname = who.Nickname
	s.broadcast(msg.ChannelID, realtime.EventMessageNew, MessageNew{ChannelID: msg.ChannelID, Message: msg})
	unlock()

	if s.metrics != nil {
		s.metrics.MessagesStored.WithLabelValues(string(msg.Kind)).Inc()
	}
	s.publish(ctx, events.Event{Type: events.MessageCreated, ChannelID: msg.ChannelID, UserID: who.ID, Message: &msg, At: msg.CreatedAt})
	return msg, nil
}

// History returns a page of messages and moves the reader's marker, since
// fetching the latest page is how clients read a channel.
func (s *Service) History(ctx context.Context, who model.Identity, channelID string, q store.HistoryQuery) ([]model.Message, error) {
	q = q.Clamp(s.opts.DefaultLimit, s.opts.MaxLimit)

	start := time.Now()
	messages, err := s.store.History(ctx, channelID, who.ID, q)
	s.observe("history", start)
	if err != nil {
		return nil, err
	}

	if q.Before.IsZero() {
		if _, err := s.MarkRead(ctx, who, channelID); err != nil {
			log.Printf("Failed to mark channel %s read for %s: %v", channelID, who.ID, err)
		}
	}
	return messages, nil
}

func (s *Service) MarkRead(ctx context.Context, who model.Identity, channelID string) (time.Time, error) {
	at, err := s.store.MarkRead(ctx, channelID, who.ID)
	if err != nil {
		return time.Time{}, err
	}
	s.publish(ctx, events.Event{Type: events.ChannelRead, ChannelID: channelID, UserID: who.ID, At: at})
	return at, nil
}

func (s *Service) ListChannels(ctx context.Context, who model.Identity) ([]model.ChannelSummary, error) {
	start := time.Now()
	defer s.observe("list_channels", start)
	return s.store.ListChannels(ctx, who.ID)
}

// GetOrCreateDirect returns the direct channel between who and targetID.
// The target must be a known user.
func (s *Service) GetOrCreateDirect(ctx context.Context, who model.Identity, targetID string) (model.Channel, bool, error) {
	if targetID == "" {
		return model.Channel{}, false, model.Errorf(model.ErrValidation, "target user ID is required")
	}
	if targetID == who.ID {
		return model.Channel{}, false, model.Errorf(model.ErrValidation, "cannot create DM with yourself")
	}
	if _, err := s.store.LookupUser(ctx, targetID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Channel{}, false, model.Errorf(model.ErrNotFound, "User not found")
		}
		return model.Channel{}, false, err
	}

	ch, created, err := s.store.GetOrCreateDirect(ctx, who.ID, targetID)
	if err != nil {
		return model.Channel{}, false, err
	}
	if created {
		s.publish(ctx, events.Event{Type: events.ChannelCreated, ChannelID: ch.ID, UserID: who.ID, Channel: &ch, At: ch.CreatedAt})
	}
	return ch, created, nil
}

// DeleteMessage removes a message owned by who and tells the channel.
func (s *Service) DeleteMessage(ctx context.Context, who model.Identity, messageID int64) (model.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, err
	}

	unlock := s.locks.Lock(msg.ChannelID)
	deleted, err := s.store.DeleteMessage(ctx, messageID, who.ID)
	if err == nil {
		s.broadcast(deleted.ChannelID, realtime.EventMessageDeleted, MessageDeleted{ChannelID: deleted.ChannelID, MessageID: deleted.ID})
	}
	unlock()
	if err != nil {
		return model.Message{}, err
	}

	s.publish(ctx, events.Event{Type: events.MessageDeleted, ChannelID: deleted.ChannelID, UserID: who.ID, Message: &deleted, At: time.Now().UTC()})
	return deleted, nil
}

func (s *Service) CreateContextBound(ctx context.Context, in store.ContextChannel) (model.Channel, error) {
	ch, err := s.store.CreateContextBound(ctx, in)
	if err != nil {
		return model.Channel{}, err
	}
	s.publish(ctx, events.Event{Type: events.ChannelCreated, ChannelID: ch.ID, Channel: &ch, At: ch.CreatedAt})
	return ch, nil
}

func (s *Service) JoinContext(ctx context.Context, contextID, userID string) (model.Channel, error) {
	if _, err := s.store.LookupUser(ctx, userID); err != nil {
		return model.Channel{}, err
	}
	ch, err := s.store.JoinContext(ctx, contextID, userID)
	if err != nil {
		return model.Channel{}, err
	}
	s.publish(ctx, events.Event{Type: events.MemberJoined, ChannelID: ch.ID, UserID: userID, At: time.Now().UTC()})
	return ch, nil
}

func (s *Service) broadcast(channelID, event string, data any) {
	if s.fanout == nil {
		return
	}
	payload, err := realtime.Encode(event, data)
	if err != nil {
		log.Printf("Failed to encode %s for channel %s: %v", event, channelID, err)
		return
	}
	n := s.fanout.Broadcast(channelID, payload, "")
	if s.metrics != nil {
		s.metrics.EventsSent.WithLabelValues(event).Add(float64(n))
	}
}

// publish is best effort; the write it describes has already happened.
func (s *Service) publish(ctx context.Context, e events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, e); err != nil {
		log.Printf("Failed to publish %s for channel %s: %v", e.Type, e.ChannelID, err)
	}
}

func (s *Service) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/realtime"
)

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Session is the server side of one authenticated connection. Handle is
// called from the connection's read goroutine only.
type Session struct {
	gw      *Gateway
	peer    realtime.Peer
	who     model.Identity
	limiter *rateLimiter

	mu    sync.Mutex
	state State
}

func newSession(g *Gateway, p realtime.Peer, who model.Identity) *Session {
	return &Session{
		gw:      g,
		peer:    p,
		who:     who,
		limiter: newRateLimiter(g.opts.RateBurst, g.opts.RateInterval),
		state:   StateAuthenticated,
	}
}

func (s *Session) Identity() model.Identity { return s.who }

// State never moves backwards. A session that joined and then left every
// channel is still Joined.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Channels lists the channels this connection has joined.
func (s *Session) Channels() []string {
	return s.gw.registry.Channels(s.peer)
}

func (s *Session) advance(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to <= s.state {
		return false
	}
	s.state = to
	return true
}

// Handle decodes and dispatches one inbound frame. Problems are reported to
// this connection only; the connection stays open.
func (s *Session) Handle(raw []byte) {
	if s.State() == StateDisconnected {
		return
	}
	if s.gw.opts.RateBurst > 0 && !s.limiter.allow() {
		s.gw.metrics.RateLimited.Inc()
		s.send(realtime.EventError, errorFrame{Code: "rate_limited", Message: "Too many events, slow down"})
		return
	}

	ev, err := DecodeEvent(raw)
	if err != nil {
		s.sendError(err)
		return
	}

	ctx, cancel := context.WithTimeout(s.gw.ctx, s.gw.opts.RequestTimeout)
	defer cancel()
	s.Dispatch(ctx, ev)
}

// Dispatch runs the handler for ev.
func (s *Session) Dispatch(ctx context.Context, ev Event) {
	s.gw.metrics.EventsReceived.WithLabelValues(ev.Name()).Inc()

	switch ev := ev.(type) {
	case JoinAll:
		s.joinAll(ctx)
	case JoinChannel:
		s.join(ctx, ev.ChannelID)
	case LeaveChannel:
		s.leave(ctx, ev.ChannelID)
	case SendMessage:
		s.sendMessage(ctx, ev)
	case Typing:
		s.typing(ctx, ev)
	case MarkRead:
		s.markRead(ctx, ev.ChannelID)
	case Signal:
		s.signal(ctx, ev)
	default:
		s.sendError(model.Errorf(model.ErrValidation, "unknown event %q", ev.Name()))
	}
}

// Close detaches the connection from every channel. It is idempotent.
func (s *Session) Close() {
	if !s.advance(StateDisconnected) {
		return
	}
	s.gw.forget(s)

	ctx, cancel := context.WithTimeout(context.Background(), s.gw.opts.RequestTimeout)
	defer cancel()

	channels, last := s.gw.registry.Detach(s.peer)
	for _, channelID := range channels {
		s.gw.left(ctx, channelID, s.who.ID)
	}
	if last {
		s.gw.typing.DropUser(s.who.ID)
	}
	s.gw.metrics.Connections.Dec()
	log.Printf("User disconnected: %s (%s)", s.who.Username, s.who.ID)
}

func (s *Session) joinAll(ctx context.Context) {
	ids, err := s.gw.channels.MemberChannelIDs(ctx, s.who.ID)
	if err != nil {
		log.Printf("Error joining channels for %s: %v", s.who.ID, err)
		s.sendErrorMessage(err, "Failed to join channels")
		return
	}
	for _, channelID := range ids {
		if s.gw.registry.Join(channelID, s.peer) {
			s.gw.joined(ctx, channelID, s.who.ID)
		}
	}
	s.advance(StateJoined)
	s.send(realtime.EventChannelsJoined, channelsJoined{Count: len(ids)})
}

// join re-checks membership. A refused join gets no reply.
func (s *Session) join(ctx context.Context, channelID string) {
	ok, err := s.gw.channels.IsMember(ctx, channelID, s.who.ID)
	if err != nil {
		log.Printf("Error joining channel %s for %s: %v", channelID, s.who.ID, err)
		return
	}
	if !ok {
		log.Printf("Refused join of %s to channel %s: not a member", s.who.ID, channelID)
		return
	}
	if !s.gw.registry.Join(channelID, s.peer) {
		return
	}
	s.advance(StateJoined)
	s.gw.joined(ctx, channelID, s.who.ID)
	s.send(realtime.EventChannelJoined, channelAck{ChannelID: channelID})
}

func (s *Session) leave(ctx context.Context, channelID string) {
	s.gw.registry.Leave(channelID, s.peer)
	s.gw.left(ctx, channelID, s.who.ID)
	s.send(realtime.EventChannelLeft, channelAck{ChannelID: channelID})
}

func (s *Session) sendMessage(ctx context.Context, ev SendMessage) {
	_, err := s.gw.chat.PostMessage(ctx, s.who, model.NewMessage{
		ChannelID: ev.ChannelID,
		Content:   ev.Content,
		MediaRef:  ev.MediaRef,
		Kind:      ev.Kind,
	})
	if err != nil {
		s.sendErrorMessage(err, "Failed to send message")
	}
}

// typing is dropped silently for non-members, like a refused join.
func (s *Session) typing(ctx context.Context, ev Typing) {
	ok, err := s.gw.channels.IsMember(ctx, ev.ChannelID, s.who.ID)
	if err != nil {
		log.Printf("Error checking membership of %s in %s: %v", s.who.ID, ev.ChannelID, err)
		return
	}
	if !ok {
		return
	}
	if ev.Active {
		s.gw.typing.Start(ev.ChannelID, s.who)
	} else {
		s.gw.typing.Stop(ev.ChannelID, s.who.ID)
	}
}

func (s *Session) markRead(ctx context.Context, channelID string) {
	at, err := s.gw.chat.MarkRead(ctx, s.who, channelID)
	if err != nil {
		s.sendErrorMessage(err, "Failed to mark channel as read")
		return
	}
	s.send(realtime.EventChannelRead, channelRead{ChannelID: channelID, LastReadAt: at.Format(time.RFC3339Nano)})
}

func (s *Session) signal(ctx context.Context, ev Signal) {
	if _, err := s.gw.relay.Forward(ctx, ev.Kind, s.who, ev.TargetUserID, ev.Payload); err != nil {
		s.sendErrorMessage(err, "Failed to relay call signal")
		return
	}
	s.gw.metrics.SignalsRelayed.WithLabelValues(ev.Kind).Inc()
}

func (s *Session) send(event string, data any) {
	payload, err := realtime.Encode(event, data)
	if err != nil {
		log.Printf("Failed to encode %s: %v", event, err)
		return
	}
	if err := s.peer.Send(payload); err == nil {
		s.gw.metrics.EventsSent.WithLabelValues(event).Inc()
	}
}

func (s *Session) sendError(err error) {
	s.sendErrorMessage(err, "Something went wrong")
}

func (s *Session) sendErrorMessage(err error, fallback string) {
	code := model.Code(err)
	if code == "internal_error" {
		log.Printf("Internal error for %s: %v", s.who.ID, err)
	}
	s.gw.metrics.Errors.WithLabelValues(code).Inc()
	s.send(realtime.EventError, errorFrame{Code: code, Message: model.PublicMessage(err, fallback)})
}

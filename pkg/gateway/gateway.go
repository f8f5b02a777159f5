// Package gateway terminates websocket connections. A Gateway owns the
// connection registry for the process; every accepted connection gets a
// Session that authenticates once and then handles its inbound events one
// at a time.
package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/village-chat/pkg/chat"
	"github.com/mahaj/village-chat/pkg/metrics"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/presence"
	"github.com/mahaj/village-chat/pkg/realtime"
	"github.com/mahaj/village-chat/pkg/store"
)

// Authenticator resolves a bearer credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (model.Identity, error)
}

type Options struct {
	MaxFrameBytes   int64
	SendBuffer      int
	RateBurst       int
	RateInterval    time.Duration
	RequestTimeout  time.Duration
	TypingTTL       time.Duration
	SignalingPolicy string
	AllowedOrigins  []string
}

// Deps are the collaborators of a Gateway. Online and Metrics are optional.
type Deps struct {
	Registry *realtime.Registry
	Channels store.ChannelDirectory
	Chat     *chat.Service
	Auth     Authenticator
	Online   presence.OnlineIndex
	Metrics  *metrics.Metrics
}

type Gateway struct {
	registry *realtime.Registry
	channels store.ChannelDirectory
	chat     *chat.Service
	auth     Authenticator
	online   presence.OnlineIndex
	typing   *presence.Typing
	relay    *Relay
	metrics  *metrics.Metrics
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	opts     Options

	mu       sync.Mutex
	sessions map[*Session]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the process gateway. Construct it once and share it.
func New(deps Deps, opts Options) *Gateway {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if deps.Online == nil {
		deps.Online = presence.NewMemoryIndex()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		registry: deps.Registry,
		channels: deps.Channels,
		chat:     deps.Chat,
		auth:     deps.Auth,
		online:   deps.Online,
		relay:    NewRelay(deps.Registry, deps.Channels, opts.SignalingPolicy),
		metrics:  deps.Metrics,
		origins:  NewOriginPolicy(opts.AllowedOrigins),
		opts:     opts,
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	g.typing = presence.NewTyping(opts.TypingTTL, g)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.origins.Check,
	}
	return g
}

// Connect binds an authenticated peer to the gateway and greets it.
func (g *Gateway) Connect(p realtime.Peer, who model.Identity) *Session {
	g.registry.Attach(p)
	g.metrics.Connections.Inc()
	log.Printf("User connected: %s (%s)", who.Username, who.ID)

	s := newSession(g, p, who)
	g.mu.Lock()
	g.sessions[s] = struct{}{}
	g.mu.Unlock()
	s.send(realtime.EventConnected, connected{UserID: who.ID})
	return s
}

// OnlineUsers lists users with a live connection joined to channelID.
func (g *Gateway) OnlineUsers(ctx context.Context, channelID string) ([]string, error) {
	return g.online.Members(ctx, channelID)
}

// Origins exposes the origin policy for the HTTP layer's CORS handling.
func (g *Gateway) Origins() *OriginPolicy {
	return g.origins
}

// Shutdown closes every session, clearing its presence, then closes the
// connections and stops typing timers. Calling it again is a no-op.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()

	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		s.peer.Close(websocket.CloseGoingAway, "server shutdown")
	}
	g.registry.Close()
	g.typing.Close()
	return ctx.Err()
}

func (g *Gateway) forget(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
}

func (g *Gateway) TypingStarted(channelID string, who model.Identity) {
	g.broadcast(channelID, realtime.EventTypingUser, typingUser{
		ChannelID: channelID,
		UserID:    who.ID,
		Username:  who.Username,
	}, who.ID)
}

func (g *Gateway) TypingStopped(channelID, userID string, expired bool) {
	if expired {
		g.metrics.TypingExpired.Inc()
	}
	g.broadcast(channelID, realtime.EventTypingStop, typingStopped{
		ChannelID: channelID,
		UserID:    userID,
		Expired:   expired,
	}, userID)
}

func (g *Gateway) broadcast(channelID, event string, data any, exclude string) {
	payload, err := realtime.Encode(event, data)
	if err != nil {
		log.Printf("Failed to encode %s: %v", event, err)
		return
	}
	n := g.registry.Broadcast(channelID, payload, exclude)
	g.metrics.EventsSent.WithLabelValues(event).Add(float64(n))
}

// joined records that userID has a connection in channelID.
func (g *Gateway) joined(ctx context.Context, channelID, userID string) {
	if err := g.online.Add(ctx, channelID, userID); err != nil {
		log.Printf("Failed to set presence for %s in %s: %v", userID, channelID, err)
	}
}

// left clears presence once no connection of userID remains in channelID.
func (g *Gateway) left(ctx context.Context, channelID, userID string) {
	if g.registry.UserInChannel(channelID, userID) {
		return
	}
	if err := g.online.Remove(ctx, channelID, userID); err != nil {
		log.Printf("Failed to delete presence for %s in %s: %v", userID, channelID, err)
	}
}

// Package api is the request/response surface of the chat service. It
// shares the chat.Service with the gateway, so a message posted here is
// broadcast to live connections exactly like one sent over a websocket.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mahaj/village-chat/pkg/chat"
	"github.com/mahaj/village-chat/pkg/gateway"
	"github.com/mahaj/village-chat/pkg/store"
)

type Server struct {
	chat         *chat.Service
	channels     store.ChannelDirectory
	gw           *gateway.Gateway
	auth         gateway.Authenticator
	serviceToken string
}

// NewServer builds the API. serviceToken guards the context hooks; when it
// is empty the hooks answer 403.
func NewServer(svc *chat.Service, channels store.ChannelDirectory, gw *gateway.Gateway, auth gateway.Authenticator, serviceToken string) *Server {
	return &Server{chat: svc, channels: channels, gw: gw, auth: auth, serviceToken: serviceToken}
}

// Router mounts /healthz, the websocket endpoint at /ws, the context hooks
// under /api/contexts and the user API under /api.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), CORSMiddleware(s.gw.Origins()))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws", gin.WrapH(s.gw))

	s.RegisterHooks(r.Group("/api/contexts", ServiceMiddleware(s.serviceToken)))
	s.RegisterRoutes(r.Group("/api", AuthMiddleware(s.auth)))
	return r
}

// RegisterRoutes binds the chat endpoints to g. Every route expects
// AuthMiddleware to have run.
func (s *Server) RegisterRoutes(g *gin.RouterGroup) {
	// GET /api/channels -> channels of the caller with unread counts
	g.GET("/channels", s.listChannels)
	// POST /api/channels/dm -> get or create a direct channel
	g.POST("/channels/dm", s.createDirect)

	g.GET("/channels/:channelId/messages", s.history)
	g.POST("/channels/:channelId/messages", s.postMessage)
	g.POST("/channels/:channelId/read", s.markRead)
	g.GET("/channels/:channelId/online", s.online)

	g.DELETE("/messages/:messageId", s.deleteMessage)
}

// RegisterHooks binds the endpoints called by the services that own the
// contexts channels are bound to. They grant membership, so g must be
// guarded by ServiceMiddleware rather than a user token.
func (s *Server) RegisterHooks(g *gin.RouterGroup) {
	g.POST("/:contextId/channel", s.createContextChannel)
	g.POST("/:contextId/members", s.joinContext)
}

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/store"
)

type sendMessageRequest struct {
	Content     string            `json:"content"`
	Kind        model.MessageKind `json:"kind"`
	MediaRef    string            `json:"mediaRef"`
	MessageType model.MessageKind `json:"messageType"`
	MediaURL    string            `json:"mediaUrl"`
}

type directRequest struct {
	TargetUserID string `json:"targetUserId"`
}

type contextChannelRequest struct {
	Kind    model.ChannelKind `json:"type"`
	Name    string            `json:"name"`
	Members []string          `json:"members"`
}

type joinContextRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) listChannels(c *gin.Context) {
	channels, err := s.chat.ListChannels(c.Request.Context(), identity(c))
	if err != nil {
		abortWithError(c, err, "Failed to fetch channels")
		return
	}
	if channels == nil {
		channels = []model.ChannelSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// history serves GET /channels/:channelId/messages?before=<RFC3339>&limit=n.
func (s *Server) history(c *gin.Context) {
	var q store.HistoryQuery
	if before := c.Query("before"); before != "" {
		t, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			abortWithError(c, model.Errorf(model.ErrValidation, "before must be an RFC3339 timestamp"), "")
			return
		}
		q.Before = t
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			abortWithError(c, model.Errorf(model.ErrValidation, "limit must be a positive integer"), "")
			return
		}
		q.Limit = n
	}

	messages, err := s.chat.History(c.Request.Context(), identity(c), c.Param("channelId"), q)
	if err != nil {
		abortWithError(c, err, "Failed to fetch messages")
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) postMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, model.Errorf(model.ErrValidation, "invalid request body"), "")
		return
	}
	if req.Kind == "" {
		req.Kind = req.MessageType
	}
	if req.MediaRef == "" {
		req.MediaRef = req.MediaURL
	}

	msg, err := s.chat.PostMessage(c.Request.Context(), identity(c), model.NewMessage{
		ChannelID: c.Param("channelId"),
		Content:   req.Content,
		MediaRef:  req.MediaRef,
		Kind:      req.Kind,
	})
	if err != nil {
		abortWithError(c, err, "Failed to send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (s *Server) markRead(c *gin.Context) {
	channelID := c.Param("channelId")
	at, err := s.chat.MarkRead(c.Request.Context(), identity(c), channelID)
	if err != nil {
		abortWithError(c, err, "Failed to mark channel as read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"channelId": channelID, "lastReadAt": at})
}

func (s *Server) online(c *gin.Context) {
	ctx := c.Request.Context()
	channelID := c.Param("channelId")

	ok, err := s.channels.IsMember(ctx, channelID, identity(c).ID)
	if err != nil {
		abortWithError(c, err, "Failed to fetch presence")
		return
	}
	if !ok {
		abortWithError(c, model.ErrForbidden, "")
		return
	}

	users, err := s.gw.OnlineUsers(ctx, channelID)
	if err != nil {
		abortWithError(c, err, "Failed to fetch presence")
		return
	}
	c.JSON(http.StatusOK, gin.H{"channelId": channelID, "users": users})
}

// createDirect answers 201 when the channel was created by this request and
// 200 with existing=true when it was already there.
func (s *Server) createDirect(c *gin.Context) {
	var req directRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, model.Errorf(model.ErrValidation, "invalid request body"), "")
		return
	}

	ch, created, err := s.chat.GetOrCreateDirect(c.Request.Context(), identity(c), strings.TrimSpace(req.TargetUserID))
	if err != nil {
		abortWithError(c, err, "Failed to create DM")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"channel": ch, "existing": !created})
}

func (s *Server) deleteMessage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil {
		abortWithError(c, model.Errorf(model.ErrNotFound, "Message not found or access denied"), "")
		return
	}
	msg, err := s.chat.DeleteMessage(c.Request.Context(), identity(c), id)
	if err != nil {
		abortWithError(c, err, "Failed to delete message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "messageId": strconv.FormatInt(msg.ID, 10)})
}

// createContextChannel binds a new channel to the context in the path with
// the members listed in the body.
func (s *Server) createContextChannel(c *gin.Context) {
	var req contextChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, model.Errorf(model.ErrValidation, "invalid request body"), "")
		return
	}
	if req.Kind == "" {
		req.Kind = model.ChannelQuest
	}

	ch, err := s.chat.CreateContextBound(c.Request.Context(), store.ContextChannel{
		Kind:      req.Kind,
		Name:      req.Name,
		ContextID: c.Param("contextId"),
		Members:   req.Members,
	})
	if err != nil {
		abortWithError(c, err, "Failed to create channel")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"channel": ch})
}

// joinContext adds userId to the context's channel.
func (s *Server) joinContext(c *gin.Context) {
	var req joinContextRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, model.Errorf(model.ErrValidation, "invalid request body"), "")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		abortWithError(c, model.Errorf(model.ErrValidation, "userId is required"), "")
		return
	}

	ch, err := s.chat.JoinContext(c.Request.Context(), c.Param("contextId"), userID)
	if err != nil {
		abortWithError(c, err, "Failed to join channel")
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch})
}

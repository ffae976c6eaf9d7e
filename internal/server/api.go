package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/routing"
	"go.uber.org/zap"
)

const defaultMessageLimit = 50

// requireOperator checks the bearer token on operator API calls.
func (s *Server) requireOperator(c *gin.Context) {
	if s.token == "" {
		c.Next()
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

type channelView struct {
	ID       uint   `json:"id"`
	Platform string `json:"platform"`
	Address  string `json:"address"`
	IsTyping bool   `json:"is_typing"`
}

type conversationView struct {
	ID               uint          `json:"id"`
	CustomerID       string        `json:"customer_id,omitempty"`
	DisplayName      string        `json:"display_name,omitempty"`
	AvatarURL        string        `json:"avatar_url,omitempty"`
	Timezone         string        `json:"timezone,omitempty"`
	Owner            string        `json:"owner"`
	CurrentAgentID   string        `json:"current_agent_id,omitempty"`
	DialogueFailures int           `json:"dialogue_failures"`
	Channels         []channelView `json:"channels,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type messageView struct {
	ID             uint      `json:"id"`
	ConversationID uint      `json:"conversation_id"`
	ChannelID      *uint     `json:"channel_id,omitempty"`
	Direction      string    `json:"direction"`
	Text           string    `json:"text,omitempty"`
	ImageURL       string    `json:"image_url,omitempty"`
	Suggestions    []string  `json:"suggestions,omitempty"`
	State          string    `json:"state"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	OperatorID     string    `json:"operator_id,omitempty"`
	FallbackOfID   *uint     `json:"fallback_of_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func toConversationView(conv *models.Conversation) conversationView {
	v := conversationView{
		ID:               conv.ID,
		DisplayName:      conv.DisplayName,
		AvatarURL:        conv.AvatarURL,
		Timezone:         conv.Timezone,
		Owner:            conv.Ownership(),
		DialogueFailures: conv.DialogueFailures,
		UpdatedAt:        conv.UpdatedAt,
	}
	if conv.CustomerID != nil {
		v.CustomerID = *conv.CustomerID
	}
	if conv.CurrentAgentID != nil {
		v.CurrentAgentID = *conv.CurrentAgentID
	}
	for _, ch := range conv.Channels {
		v.Channels = append(v.Channels, channelView{
			ID:       ch.ID,
			Platform: string(ch.Platform),
			Address:  ch.Address,
			IsTyping: ch.IsTyping,
		})
	}
	return v
}

func toMessageView(m *models.Message) messageView {
	v := messageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		ChannelID:      m.ChannelID,
		Direction:      string(m.Direction),
		Text:           m.Text,
		ImageURL:       m.ImageURL,
		State:          string(m.State),
		FailureReason:  m.FailureReason,
		FallbackOfID:   m.FallbackOfID,
		Timestamp:      m.Timestamp,
	}
	if m.OperatorID != nil {
		v.OperatorID = *m.OperatorID
	}
	for _, sug := range m.Suggestions {
		v.Suggestions = append(v.Suggestions, sug.Text)
	}
	return v
}

func conversationID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return uint(id), true
}

// writeError maps routing errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case routing.NotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, routing.ErrInvalidRating), errors.Is(err, routing.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("operator api", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	conv, err := s.ops.Conversation(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConversationView(conv))
}

func (s *Server) handleListMessages(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	if _, err := s.ops.Conversation(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	msgs, err := s.ops.Messages(c.Request.Context(), id, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	views := make([]messageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, toMessageView(&msgs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

type operatorRequest struct {
	OperatorID string `json:"operator_id" binding:"required"`
}

func (s *Server) handleTakeOver(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req operatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator_id is required"})
		return
	}
	conv, err := s.ops.TakeOver(c.Request.Context(), id, req.OperatorID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConversationView(conv))
}

func (s *Server) handleHandBack(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	conv, err := s.ops.HandBack(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConversationView(conv))
}

func (s *Server) handleClose(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	conv, err := s.ops.Close(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConversationView(conv))
}

type replyRequest struct {
	OperatorID string `json:"operator_id" binding:"required"`
	Text       string `json:"text" binding:"required"`
}

// handleReply sends an operator message. Delivery errors are reported in
// the message state, not as an HTTP failure.
func (s *Server) handleReply(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator_id and text are required"})
		return
	}
	msg, err := s.ops.Reply(c.Request.Context(), id, req.OperatorID, req.Text)
	if msg == nil {
		s.writeError(c, err)
		return
	}
	if err != nil {
		s.logger.Warn("operator reply not delivered", zap.Uint("message_id", msg.ID), zap.Error(err))
	}
	c.JSON(http.StatusCreated, toMessageView(msg))
}

type identityRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
}

func (s *Server) handleBindIdentity(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req identityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "customer_id is required"})
		return
	}
	conv, err := s.ops.BindIdentity(c.Request.Context(), id, req.CustomerID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConversationView(conv))
}

type ratingRequest struct {
	Rating int `json:"rating"`
}

func (s *Server) handleRating(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req ratingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := s.ops.RecordRating(c.Request.Context(), id, req.Rating); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type customerMessageRequest struct {
	Text  string `json:"text" binding:"required"`
	Tag   string `json:"tag"`
	Alert bool   `json:"alert"`
}

// handleSendToCustomer sends a proactive message on whichever channel may
// carry it.
func (s *Server) handleSendToCustomer(c *gin.Context) {
	var req customerMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	_, err := s.ops.SendToCustomer(c.Request.Context(), c.Param("customer_id"), routing.OutboundRequest{
		Text:    req.Text,
		Tag:     req.Tag,
		IsAlert: req.Alert,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, routing.ErrNoEligibleChannel), errors.Is(err, routing.ErrNoAdapter):
		c.JSON(http.StatusOK, gin.H{"status": "no_platform_available"})
	case errors.Is(err, routing.ErrSendFailed):
		c.JSON(http.StatusBadGateway, gin.H{"status": "send_failed"})
	default:
		s.writeError(c, err)
	}
}

package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forkline/pkg/conversation"
	"github.com/go-go-golems/forkline/pkg/inference/session"
	"github.com/go-go-golems/forkline/pkg/store"
	"github.com/go-go-golems/forkline/pkg/voice"
)

func (s *Server) registerRoutes(r *gin.Engine) {
	api := r.Group("/api")

	api.GET("/conversations", s.listConversations)
	api.POST("/conversations", s.createConversation)
	api.GET("/conversations/:id", s.getConversation)
	api.PATCH("/conversations/:id", s.updateConversation)
	api.DELETE("/conversations/:id", s.deleteConversation)
	api.POST("/conversations/:id/duplicate", s.duplicateConversation)
	api.POST("/conversations/:id/activate", s.activateConversation)
	api.GET("/conversations/:id/path", s.conversationPath)

	api.POST("/branches", s.createBranch)
	api.POST("/branches/:id/switch", s.switchBranch)
	api.PATCH("/branches/:id", s.renameBranch)
	api.DELETE("/branches/:id", s.deleteBranch)

	api.POST("/messages/:id/react", s.reactToMessage)
	api.DELETE("/messages/:id", s.deleteMessage)

	api.GET("/generate", s.generationState)
	api.POST("/generate", s.generate)
	api.POST("/generate/cancel", s.cancelGeneration)
	api.POST("/generate/regenerate", s.regenerate)

	api.GET("/models", s.listModels)

	api.GET("/voice", s.getVoice)
	api.PUT("/voice", s.putVoice)

	api.GET("/events", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})
}

func abortWithError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func (s *Server) listConversations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"conversations": s.store.Conversations(),
		"activeId":      s.store.ActiveConversationID(),
	})
}

type createConversationRequest struct {
	Model        string  `json:"model"`
	SystemPrompt *string `json:"systemPrompt"`
}

func (s *Server) createConversation(c *gin.Context) {
	var req createConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	id := s.store.CreateConversation(req.Model, req.SystemPrompt)
	conv, _ := s.store.Conversation(id)
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) getConversation(c *gin.Context) {
	conv, ok := s.store.Conversation(c.Param("id"))
	if !ok {
		abortWithError(c, http.StatusNotFound, "conversation not found")
		return
	}
	c.JSON(http.StatusOK, conv)
}

type updateConversationRequest struct {
	Title             *string  `json:"title"`
	Model             *string  `json:"model"`
	SystemPrompt      *string  `json:"systemPrompt"`
	ClearSystemPrompt bool     `json:"clearSystemPrompt"`
	Starred           *bool    `json:"starred"`
	Archived          *bool    `json:"archived"`
	Tags              []string `json:"tags"`
}

func (s *Server) updateConversation(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.store.Conversation(id); !ok {
		abortWithError(c, http.StatusNotFound, "conversation not found")
		return
	}
	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	s.store.UpdateConversation(id, store.ConversationPatch{
		Title:             req.Title,
		Model:             req.Model,
		SystemPrompt:      req.SystemPrompt,
		ClearSystemPrompt: req.ClearSystemPrompt,
		Starred:           req.Starred,
		Archived:          req.Archived,
		Tags:              req.Tags,
	})
	conv, _ := s.store.Conversation(id)
	c.JSON(http.StatusOK, conv)
}

func (s *Server) deleteConversation(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.store.Conversation(id); !ok {
		abortWithError(c, http.StatusNotFound, "conversation not found")
		return
	}
	s.store.DeleteConversation(id)
	c.Status(http.StatusNoContent)
}

func (s *Server) duplicateConversation(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.store.Conversation(id); !ok {
		abortWithError(c, http.StatusNotFound, "conversation not found")
		return
	}
	newID := s.store.DuplicateConversation(id)
	conv, _ := s.store.Conversation(newID)
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) activateConversation(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.store.Conversation(id); !ok {
		abortWithError(c, http.StatusNotFound, "conversation not found")
		return
	}
	s.store.SetActiveConversation(id)
	c.Status(http.StatusNoContent)
}

func (s *Server) conversationPath(c *gin.Context) {
	id := c.Param("id")
	conv, ok := s.store.Conversation(id)
	if !ok {
		abortWithError(c, http.StatusNotFound, "conversation not found")
		return
	}
	branchID := c.Query("branch")
	if branchID == "" {
		branchID = conv.ActiveBranchID
	}
	if !conv.HasBranch(branchID) {
		abortWithError(c, http.StatusNotFound, "branch not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId": id,
		"branchId":       branchID,
		"messages":       conversation.VisiblePath(conv, branchID),
	})
}

// activeBranch looks up branchID in the active conversation, which is the
// scope of every branch operation.
func (s *Server) activeBranch(c *gin.Context, branchID string) bool {
	conv, ok := s.store.ActiveConversation()
	if !ok {
		abortWithError(c, http.StatusNotFound, "no active conversation")
		return false
	}
	if !conv.HasBranch(branchID) {
		abortWithError(c, http.StatusNotFound, "branch not found")
		return false
	}
	return true
}

type createBranchRequest struct {
	MessageID string `json:"messageId" binding:"required"`
	Name      string `json:"name"`
}

func (s *Server) createBranch(c *gin.Context) {
	var req createBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.store.Message(req.MessageID); !ok {
		abortWithError(c, http.StatusNotFound, "message not found")
		return
	}
	id := s.store.BranchFrom(req.MessageID, req.Name)
	if id == "" {
		abortWithError(c, http.StatusConflict, "message is not in the active conversation")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) switchBranch(c *gin.Context) {
	id := c.Param("id")
	if !s.activeBranch(c, id) {
		return
	}
	s.store.SwitchBranch(id)
	c.Status(http.StatusNoContent)
}

type renameBranchRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) renameBranch(c *gin.Context) {
	id := c.Param("id")
	var req renameBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		abortWithError(c, http.StatusBadRequest, "name is required")
		return
	}
	if !s.activeBranch(c, id) {
		return
	}
	s.store.RenameBranch(id, req.Name)
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteBranch(c *gin.Context) {
	id := c.Param("id")
	if id == conversation.MainBranchID {
		abortWithError(c, http.StatusBadRequest, store.ErrDeleteRootBranch.Error())
		return
	}
	if !s.activeBranch(c, id) {
		return
	}
	if err := s.store.DeleteBranch(id); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

type reactRequest struct {
	Kind conversation.ReactionKind `json:"kind" binding:"required"`
}

func (s *Server) reactToMessage(c *gin.Context) {
	id := c.Param("id")
	var req reactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Kind != conversation.ReactionLike && req.Kind != conversation.ReactionDislike {
		abortWithError(c, http.StatusBadRequest, "kind must be like or dislike")
		return
	}
	if _, ok := s.store.Message(id); !ok {
		abortWithError(c, http.StatusNotFound, "message not found")
		return
	}
	s.store.ReactToMessage(id, req.Kind)
	m, _ := s.store.Message(id)
	c.JSON(http.StatusOK, m)
}

func (s *Server) deleteMessage(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.store.Message(id); !ok {
		abortWithError(c, http.StatusNotFound, "message not found")
		return
	}
	s.store.DeleteMessage(id)
	c.Status(http.StatusNoContent)
}

func (s *Server) generationState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":      s.controller.State(),
		"generating": s.controller.IsGenerating(),
	})
}

type generateRequest struct {
	Text string `json:"text"`
}

func (s *Server) generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	h, err := s.controller.Send(s.genCtx, req.Text)
	s.respondToStart(c, h, err)
}

type regenerateRequest struct {
	MessageID string `json:"messageId" binding:"required"`
}

func (s *Server) regenerate(c *gin.Context) {
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	h, err := s.controller.Regenerate(s.genCtx, req.MessageID)
	s.respondToStart(c, h, err)
}

func (s *Server) respondToStart(c *gin.Context, h *session.ExecutionHandle, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"conversationId": h.ConversationID,
			"placeholderId":  h.PlaceholderID,
			"inferenceId":    h.InferenceID,
		})
	case errors.Is(err, session.ErrAlreadyActive):
		abortWithError(c, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrEmptyPrompt), errors.Is(err, session.ErrNotRegenerable):
		abortWithError(c, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("Failed to start generation")
		abortWithError(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) cancelGeneration(c *gin.Context) {
	if err := s.controller.Cancel(); err != nil {
		abortWithError(c, http.StatusConflict, err.Error())
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) listModels(c *gin.Context) {
	if s.models == nil {
		abortWithError(c, http.StatusNotImplemented, "model listing is not available")
		return
	}
	models, err := s.models.ListModels(c.Request.Context())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list models")
		abortWithError(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) getVoice(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.VoiceSettings())
}

func (s *Server) putVoice(c *gin.Context) {
	v := s.store.VoiceSettings()
	if err := c.ShouldBindJSON(&v); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	if v.Rate <= 0 {
		v.Rate = voice.DefaultSettings().Rate
	}
	s.store.SetVoiceSettings(v)
	c.JSON(http.StatusOK, s.store.VoiceSettings())
}

package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/pkg/protocol"
)

func (s *Server) handleCreateWorktree(c *gin.Context) {
	var body protocol.CreateWorktreeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if !s.authorizeSession(c, body.SessionID) {
		return
	}
	wt, err := s.worktrees.Create(c.Request.Context(), &body)
	if err != nil {
		writeError(c, err)
		return
	}

	// The worktree stays creating until the agent's first ready event;
	// the spawn must outlive this request.
	spawnCtx := context.WithoutCancel(c.Request.Context())
	go func() {
		if err := s.agents.StartWorktree(spawnCtx, body.SessionID, wt.WorktreeID); err != nil {
			s.logger.Warn("agent start failed for new worktree",
				zap.String("session_id", body.SessionID),
				zap.String("worktree_id", wt.WorktreeID),
				zap.Error(err))
		}
	}()

	c.JSON(http.StatusCreated, wt)
}

func (s *Server) handleListWorktrees(c *gin.Context) {
	sessionID := c.Query("session")
	if !s.authorizeSession(c, sessionID) {
		return
	}
	worktrees, err := s.worktrees.List(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worktrees": worktrees})
}

func (s *Server) handleCloseWorktree(c *gin.Context) {
	sessionID := c.Query("session")
	if !s.authorizeSession(c, sessionID) {
		return
	}
	if err := s.worktrees.Close(c.Request.Context(), sessionID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (s *Server) handleMergeWorktree(c *gin.Context) {
	sessionID := c.Query("session")
	if !s.authorizeSession(c, sessionID) {
		return
	}
	worktreeID := c.Param("id")
	if err := s.worktrees.Merge(c.Request.Context(), sessionID, worktreeID); err != nil {
		writeError(c, err)
		return
	}
	// Conflicts land as status merge_conflict, not as an HTTP error;
	// return the record so the client sees where the merge ended up.
	wt, err := s.worktrees.Get(c.Request.Context(), sessionID, worktreeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, wt.ToAPI())
}

func (s *Server) handleWorktreeDiff(c *gin.Context) {
	sessionID := c.Query("session")
	if !s.authorizeSession(c, sessionID) {
		return
	}
	diff, err := s.worktrees.Diff(c.Request.Context(), sessionID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

func (s *Server) handleReadWorktreeFile(c *gin.Context) {
	sessionID := c.Query("session")
	if !s.authorizeSession(c, sessionID) {
		return
	}
	path := c.Query("path")
	if path == "" {
		writeError(c, apierr.Validation("path query parameter is required"))
		return
	}
	content, err := s.attach.WorktreeFile(c.Request.Context(), sessionID, c.Param("id"), path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, content)
}

func (s *Server) handleWriteWorktreeFile(c *gin.Context) {
	sessionID := c.Query("session")
	if !s.authorizeSession(c, sessionID) {
		return
	}
	var body protocol.WriteFileRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if body.Path == "" {
		writeError(c, apierr.Validation("path is required"))
		return
	}
	if err := s.attach.WriteWorktreeFile(c.Request.Context(), sessionID, c.Param("id"), body.Path, []byte(body.Content)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": body.Path})
}

func (s *Server) handleListModels(c *gin.Context) {
	provider := c.Query("provider")
	if provider == "" {
		writeError(c, apierr.Validation("provider query parameter is required"))
		return
	}
	models, err := s.registry.Models(provider)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": provider, "models": models})
}

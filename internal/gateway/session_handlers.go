package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/pkg/protocol"
)

type createBranchRequest struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	From      string `json:"from,omitempty"`
}

type branchSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type switchBranchRequest struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var body protocol.CreateSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	resp, err := s.sessions.Create(c.Request.Context(), c.GetString(ctxWorkspaceID), &body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sessionID := c.Param("id")
	if !s.authorizeSession(c, sessionID) {
		return
	}
	sess, err := s.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.ToAPI())
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	sessionID := c.Param("id")
	if !s.authorizeSession(c, sessionID) {
		return
	}
	if err := s.sessions.Delete(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	s.owners.drop(sessionID)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.sessions.List(c.Request.Context(), c.GetString(ctxWorkspaceID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleListBranches(c *gin.Context) {
	sessionID := c.Query("session")
	if !s.authorizeSession(c, sessionID) {
		return
	}
	branches, err := s.sessions.ListBranches(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}

func (s *Server) handleCreateBranch(c *gin.Context) {
	var body createBranchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if !s.authorizeSession(c, body.SessionID) {
		return
	}
	if err := s.sessions.CreateBranch(c.Request.Context(), body.SessionID, body.Name, body.From); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": body.Name})
}

func (s *Server) handleFetchBranches(c *gin.Context) {
	var body branchSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if !s.authorizeSession(c, body.SessionID) {
		return
	}
	if err := s.sessions.FetchBranches(c.Request.Context(), body.SessionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSwitchBranch(c *gin.Context) {
	var body switchBranchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if !s.authorizeSession(c, body.SessionID) {
		return
	}
	if err := s.sessions.SwitchBranch(c.Request.Context(), body.SessionID, body.Name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/identity"
	"github.com/vibe80/vibe80/pkg/protocol"
)

type loginRequest struct {
	WorkspaceID     string `json:"workspaceId"`
	WorkspaceSecret string `json:"workspaceSecret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type handoffCreateRequest struct {
	SessionID string `json:"sessionId"`
}

type handoffConsumeRequest struct {
	Token string `json:"token"`
}

type handoffConsumeResponse struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId"`
	identity.TokenPair
}

func (s *Server) handleCreateWorkspace(c *gin.Context) {
	var body protocol.CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	resp, err := s.workspaces.Create(c.Request.Context(), &body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleLogin(c *gin.Context) {
	var body loginRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if body.WorkspaceID == "" || body.WorkspaceSecret == "" {
		writeError(c, apierr.Validation("workspaceId and workspaceSecret are required"))
		return
	}
	if err := s.workspaces.VerifySecret(c.Request.Context(), body.WorkspaceID, body.WorkspaceSecret); err != nil {
		writeError(c, err)
		return
	}
	pair, err := s.identity.IssueTokens(c.Request.Context(), body.WorkspaceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleRefresh(c *gin.Context) {
	var body refreshRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	pair, err := s.identity.Refresh(c.Request.Context(), body.RefreshToken)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleGetWorkspace(c *gin.Context) {
	workspaceID := c.Param("id")
	if !s.authorizeWorkspace(c, workspaceID) {
		return
	}
	view, err := s.workspaces.ReadConfig(c.Request.Context(), workspaceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleUpdateWorkspace(c *gin.Context) {
	workspaceID := c.Param("id")
	if !s.authorizeWorkspace(c, workspaceID) {
		return
	}
	var body protocol.UpdateWorkspaceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	view, err := s.workspaces.Update(c.Request.Context(), workspaceID, &body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleRotateSecret(c *gin.Context) {
	workspaceID := c.Param("id")
	if !s.authorizeWorkspace(c, workspaceID) {
		return
	}
	secret, err := s.workspaces.RotateSecret(c.Request.Context(), workspaceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaceId": workspaceID, "workspaceSecret": secret})
}

func (s *Server) handleListAudit(c *gin.Context) {
	workspaceID := c.Param("id")
	if !s.authorizeWorkspace(c, workspaceID) {
		return
	}
	limit := 100
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeError(c, apierr.Validation("invalid limit %q", q))
			return
		}
		limit = n
	}
	records, err := s.auditor.List(c.Request.Context(), workspaceID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": records})
}

func (s *Server) handleCreateHandoff(c *gin.Context) {
	var body handoffCreateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if !s.authorizeSession(c, body.SessionID) {
		return
	}
	grant := s.identity.IssueHandoffToken(c.GetString(ctxWorkspaceID), body.SessionID)
	c.JSON(http.StatusCreated, grant)
}

func (s *Server) handleConsumeHandoff(c *gin.Context) {
	var body handoffConsumeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	workspaceID, sessionID, err := s.identity.ConsumeHandoff(body.Token)
	if err != nil {
		writeError(c, err)
		return
	}
	pair, err := s.identity.IssueTokens(c.Request.Context(), workspaceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, handoffConsumeResponse{
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		TokenPair:   *pair,
	})
}

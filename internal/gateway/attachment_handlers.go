package gateway

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vibe80/vibe80/internal/common/apierr"
)

func (s *Server) handleUploadAttachment(c *gin.Context) {
	sessionID := c.Query("session")
	if !s.authorizeSession(c, sessionID) {
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		writeError(c, apierr.Validation("multipart field %q is required", "file"))
		return
	}
	src, err := header.Open()
	if err != nil {
		writeError(c, apierr.Internal("failed to read upload", err))
		return
	}
	defer src.Close()

	att, err := s.attach.Upload(c.Request.Context(), sessionID, header.Filename, src)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, att)
}

func (s *Server) handleDownloadAttachment(c *gin.Context) {
	sessionID := c.Query("session")
	if !s.authorizeSession(c, sessionID) {
		return
	}
	path := c.Query("path")
	if path == "" {
		writeError(c, apierr.Validation("path query parameter is required"))
		return
	}
	reader, meta, err := s.attach.Open(c.Request.Context(), sessionID, path)
	if err != nil {
		writeError(c, err)
		return
	}
	defer reader.Close()

	contentType := meta.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	headers := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", meta.Name),
	}
	c.DataFromReader(http.StatusOK, meta.Size, contentType, reader, headers)
}

func (s *Server) handleListAttachments(c *gin.Context) {
	sessionID := c.Query("session")
	if !s.authorizeSession(c, sessionID) {
		return
	}
	list, err := s.attach.List(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

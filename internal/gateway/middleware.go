package gateway

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vibe80/vibe80/internal/common/apierr"
)

// ctxWorkspaceID is the gin context key carrying the authenticated
// workspace id, set by bearerAuth.
const ctxWorkspaceID = "workspaceId"

// ownerCacheTTL bounds how long a session-to-workspace mapping is
// trusted without a storage round trip. Ownership never changes, so the
// TTL only limits how long a deleted session keeps passing the check;
// the handler behind it still fails on the deleted record.
const ownerCacheTTL = 30 * time.Second

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// bearerAuth validates the Authorization header and stores the
// workspace id on the request context. Both token classes pass: JWT
// access tokens and the mono-user token printed at startup.
func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			writeError(c, apierr.Auth("missing bearer token"))
			return
		}
		workspaceID, err := s.authenticate(raw)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Set(ctxWorkspaceID, workspaceID)
		c.Next()
	}
}

func (s *Server) authenticate(raw string) (string, error) {
	workspaceID, err := s.identity.ValidateAccessToken(raw)
	if err == nil {
		return workspaceID, nil
	}
	if workspaceID, monoErr := s.identity.ValidateMonoToken(raw); monoErr == nil {
		return workspaceID, nil
	}
	return "", err
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// authorizeSession asserts that the session belongs to the
// authenticated workspace, writing the error response itself when it
// does not. The mapping is cached; ownership is immutable.
func (s *Server) authorizeSession(c *gin.Context, sessionID string) bool {
	if sessionID == "" {
		writeError(c, apierr.Validation("session id is required"))
		return false
	}
	owner, err := s.sessionOwner(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return false
	}
	if owner != c.GetString(ctxWorkspaceID) {
		writeError(c, apierr.Forbidden("session belongs to another workspace"))
		return false
	}
	return true
}

// authorizeWorkspace restricts /api/workspaces/:id routes to the
// workspace the token was issued for.
func (s *Server) authorizeWorkspace(c *gin.Context, workspaceID string) bool {
	if workspaceID != c.GetString(ctxWorkspaceID) {
		writeError(c, apierr.Forbidden("workspace access denied"))
		return false
	}
	return true
}

type ownerCache struct {
	mu      sync.Mutex
	entries map[string]ownerEntry
}

type ownerEntry struct {
	workspaceID string
	expires     time.Time
}

func newOwnerCache() *ownerCache {
	return &ownerCache{entries: make(map[string]ownerEntry)}
}

func (oc *ownerCache) get(sessionID string, now time.Time) (string, bool) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	entry, ok := oc.entries[sessionID]
	if !ok {
		return "", false
	}
	if now.After(entry.expires) {
		delete(oc.entries, sessionID)
		return "", false
	}
	return entry.workspaceID, true
}

func (oc *ownerCache) put(sessionID, workspaceID string, now time.Time) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.entries[sessionID] = ownerEntry{workspaceID: workspaceID, expires: now.Add(ownerCacheTTL)}
}

func (oc *ownerCache) drop(sessionID string) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	delete(oc.entries, sessionID)
}

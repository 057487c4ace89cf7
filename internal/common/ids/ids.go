// Package ids generates and validates the identifiers and secrets used
// across the system. Workspace and session ids are prefixed 24-hex strings;
// secrets and opaque tokens are 256-bit random values.
package ids

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"regexp"
)

var (
	workspaceIDPattern = regexp.MustCompile(`^w[0-9a-f]{24}$`)
	sessionIDPattern   = regexp.MustCompile(`^s[0-9a-f]{24}$`)
)

// NewWorkspaceID returns a fresh workspace identifier (w + 24 hex chars).
// The identifier doubles as the workspace's OS user name.
func NewWorkspaceID() string {
	return "w" + randomHex(12)
}

// NewSessionID returns a fresh session identifier (s + 24 hex chars).
func NewSessionID() string {
	return "s" + randomHex(12)
}

// ValidWorkspaceID reports whether id matches the workspace id pattern.
func ValidWorkspaceID(id string) bool {
	return workspaceIDPattern.MatchString(id)
}

// ValidSessionID reports whether id matches the session id pattern.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// NewWorktreeID returns a fresh worktree identifier (wt + 12 hex chars).
func NewWorktreeID() string {
	return "wt" + randomHex(6)
}

// NewMessageID returns a fresh chat message identifier (m + 16 hex chars).
func NewMessageID() string {
	return "m" + randomHex(8)
}

// NewTurnID returns a fresh turn identifier (t + 16 hex chars).
func NewTurnID() string {
	return "t" + randomHex(8)
}

// NewSecret returns a 256-bit random secret encoded as unpadded base64url.
// Used for workspace secrets, refresh tokens, and handoff tokens.
func NewSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the kernel entropy source is broken
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// randomHex returns n random bytes hex-encoded (2n characters).
func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

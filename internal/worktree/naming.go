package worktree

import (
	"crypto/rand"
	"regexp"
	"strings"
	"unicode"

	"github.com/vibe80/vibe80/internal/common/apierr"
)

// branchPrefix namespaces generated worktree branches.
const branchPrefix = "vibe80/"

var (
	branchPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,199}$`)
	hyphenRuns    = regexp.MustCompile(`-+`)
)

// branchForWorktree validates a requested branch name, or derives one
// from the worktree id when none was given.
func branchForWorktree(requested, worktreeID string) (string, error) {
	if requested != "" {
		if !validBranchName(requested) {
			return "", apierr.Validation("invalid branch name %q", requested)
		}
		return requested, nil
	}
	return branchPrefix + strings.TrimPrefix(worktreeID, "wt") + "-" + smallSuffix(3), nil
}

// validBranchName reports whether name is safe to pass to git. The
// pattern excludes leading dashes (flag injection) and git's forbidden
// sequences are checked explicitly.
func validBranchName(name string) bool {
	if !branchPattern.MatchString(name) {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") ||
		strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, "/") {
		return false
	}
	return true
}

// SanitizeBranchName converts free text into a branch name component:
// lowercase, non-alphanumerics collapsed to single hyphens, truncated.
func SanitizeBranchName(text string, maxLen int) string {
	if text == "" {
		return ""
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	out := strings.Trim(hyphenRuns.ReplaceAllString(sb.String(), "-"), "-")
	if len(out) > maxLen {
		out = strings.TrimRight(out[:maxLen], "-")
	}
	return out
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// smallSuffix returns a short random suffix for branch uniqueness.
func smallSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", n)
	}
	for i := range buf {
		buf[i] = suffixAlphabet[int(buf[i])%len(suffixAlphabet)]
	}
	return string(buf)
}

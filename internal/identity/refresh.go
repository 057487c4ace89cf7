package identity

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/audit"
	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/storage"
)

// Refresh error codes surfaced in the `{error, code}` body.
const (
	CodeInvalidRefreshToken = "invalid_refresh_token"
	CodeRefreshTokenExpired = "refresh_token_expired"
	CodeRefreshTokenReused  = "refresh_token_reused"
)

// Refresh exchanges a raw refresh token for a rotated pair.
//
// Exactly one presentation of each issued token can ever succeed: the
// current token rotates, and the token it replaced only classifies the
// failure (reused while its record is retained for the overlap window,
// invalid once it is gone). Reuse is a theft indicator; it is audited
// and the stale record dropped, but other tokens for the workspace are
// left alone.
func (s *Service) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	now := s.now()
	hash := HashToken(rawToken)

	record, err := s.store.GetWorkspaceRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return nil, apierr.AuthCode(CodeInvalidRefreshToken, "invalid refresh token")
		}
		return nil, err
	}

	switch record.Kind {
	case storage.RefreshKindCurrent:
		if now.UnixMilli() > record.ExpiresAt {
			if err := s.store.DeleteWorkspaceRefreshToken(ctx, hash); err != nil {
				return nil, err
			}
			return nil, apierr.AuthCode(CodeRefreshTokenExpired, "refresh token expired")
		}
		return s.issueLocked(ctx, record.WorkspaceID, now)

	case storage.RefreshKindPrevious:
		if now.UnixMilli() > record.PreviousValidUntil {
			if err := s.store.DeleteWorkspaceRefreshToken(ctx, hash); err != nil {
				return nil, err
			}
		}
		s.logger.Warn("refresh token reuse detected",
			zap.String("workspace_id", record.WorkspaceID))
		s.auditor.Record(ctx, record.WorkspaceID, audit.EventRefreshTokenReused, map[string]any{
			"tokenKind": string(record.Kind),
		})
		return nil, apierr.AuthCode(CodeRefreshTokenReused, "refresh token already rotated")

	default:
		return nil, apierr.AuthCode(CodeInvalidRefreshToken, "invalid refresh token")
	}
}

// Package identity implements the token service: workspace access JWTs,
// rotated opaque refresh tokens with reuse detection, single-use device
// handoff tokens, and the mono-deployment bootstrap token.
//
// Refresh rotation keeps at most two live records per workspace: the
// current token and, for one overlap window after a rotation, the
// token it replaced. Presenting the replaced token never yields a new
// pair; it is the reuse signal.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/audit"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/storage"
)

// TokenPair is the login/refresh response payload.
type TokenPair struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	TokenType        string `json:"tokenType"`
	ExpiresIn        int64  `json:"expiresIn"`        // access token TTL, seconds
	RefreshExpiresIn int64  `json:"refreshExpiresIn"` // refresh token TTL, seconds
}

// Service issues and validates all token classes.
type Service struct {
	store   storage.Store
	auditor *audit.Recorder
	cfg     config.AuthConfig
	key     []byte
	logger  *logger.Logger
	now     func() time.Time

	// rotateMu linearises refresh rotations so concurrent refreshes of
	// the same token elect exactly one winner.
	rotateMu sync.Mutex

	// mu guards the in-memory token registries.
	mu      sync.Mutex
	handoff map[string]*handoffToken
	mono    *monoToken
}

// New creates the token service, loading (or generating) the JWT
// signing key.
func New(store storage.Store, auditor *audit.Recorder, cfg config.AuthConfig, log *logger.Logger) (*Service, error) {
	key, err := loadOrCreateKey(cfg.JWTKeyPath, log)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:   store,
		auditor: auditor,
		cfg:     cfg,
		key:     key,
		logger:  log.WithFields(zap.String("component", "identity")),
		now:     time.Now,
		handoff: make(map[string]*handoffToken),
	}, nil
}

// IssueTokens mints a fresh access+refresh pair for a workspace,
// rotating the stored refresh state: the previous current token stays
// valid as a reuse detector for one overlap window, anything older is
// dropped.
func (s *Service) IssueTokens(ctx context.Context, workspaceID string) (*TokenPair, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()
	return s.issueLocked(ctx, workspaceID, s.now())
}

func (s *Service) issueLocked(ctx context.Context, workspaceID string, now time.Time) (*TokenPair, error) {
	state, err := s.store.GetWorkspaceRefreshState(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if state.Previous != nil {
		if err := s.store.DeleteWorkspaceRefreshToken(ctx, state.Previous.TokenHash); err != nil {
			return nil, err
		}
	}
	if state.Current != nil {
		demoted := *state.Current
		demoted.Kind = storage.RefreshKindPrevious
		demoted.PreviousValidUntil = now.Add(s.cfg.OverlapWindowDuration()).UnixMilli()
		if err := s.store.SaveWorkspaceRefreshToken(ctx, &demoted); err != nil {
			return nil, err
		}
	}

	rawRefresh := ids.NewSecret()
	record := &storage.RefreshToken{
		TokenHash:   HashToken(rawRefresh),
		WorkspaceID: workspaceID,
		Kind:        storage.RefreshKindCurrent,
		ExpiresAt:   now.Add(s.cfg.RefreshTokenDuration()).UnixMilli(),
	}
	if err := s.store.SaveWorkspaceRefreshToken(ctx, record); err != nil {
		return nil, err
	}

	access, err := s.mintAccessToken(workspaceID, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     rawRefresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.cfg.AccessTokenDuration().Seconds()),
		RefreshExpiresIn: int64(s.cfg.RefreshTokenDuration().Seconds()),
	}, nil
}

// HashToken returns the hex SHA-256 of a raw token. Raw tokens are
// never persisted.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

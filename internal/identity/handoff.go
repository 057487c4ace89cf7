package identity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/ids"
)

const sweepInterval = 30 * time.Second

// handoffToken is the in-memory record behind a device-handoff grant.
// Keyed by token hash in Service.handoff; the raw token leaves the
// process once, in the create response.
type handoffToken struct {
	workspaceID string
	sessionID   string
	createdAt   time.Time
	usedAt      time.Time
	expiresAt   time.Time
}

type monoToken struct {
	tokenHash   string
	workspaceID string
	expiresAt   time.Time
}

// HandoffGrant is the payload returned by a handoff create call.
type HandoffGrant struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // unix millis
}

// IssueHandoffToken mints a single-use token bound to a workspace and
// session, for carrying the identity to another device.
func (s *Service) IssueHandoffToken(workspaceID, sessionID string) HandoffGrant {
	raw := ids.NewSecret()
	now := s.now()
	s.mu.Lock()
	s.handoff[HashToken(raw)] = &handoffToken{
		workspaceID: workspaceID,
		sessionID:   sessionID,
		createdAt:   now,
		expiresAt:   now.Add(s.cfg.HandoffDuration()),
	}
	s.mu.Unlock()
	return HandoffGrant{Token: raw, ExpiresAt: now.Add(s.cfg.HandoffDuration()).UnixMilli()}
}

// ConsumeHandoff redeems a handoff token, returning the workspace and
// session it was bound to. Consumption is atomic: of any number of
// concurrent calls with the same token, exactly one succeeds. The used
// record stays in the map until the sweeper collects it so late
// retries classify as invalid rather than unknown.
func (s *Service) ConsumeHandoff(rawToken string) (workspaceID, sessionID string, err error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.handoff[HashToken(rawToken)]
	if !ok || now.After(tok.expiresAt) || !tok.usedAt.IsZero() {
		return "", "", apierr.AuthCode("invalid_handoff_token", "invalid or expired handoff token")
	}
	tok.usedAt = now
	return tok.workspaceID, tok.sessionID, nil
}

// IssueMonoToken mints the bootstrap token for a single-user
// deployment. It stays valid for the configured TTL and may be
// presented more than once; reissuing replaces any earlier token.
func (s *Service) IssueMonoToken(workspaceID string) string {
	raw := ids.NewSecret()
	s.mu.Lock()
	s.mono = &monoToken{
		tokenHash:   HashToken(raw),
		workspaceID: workspaceID,
		expiresAt:   s.now().Add(s.cfg.MonoTokenDuration()),
	}
	s.mu.Unlock()
	return raw
}

// ValidateMonoToken checks a bootstrap token and returns the workspace
// it seeds.
func (s *Service) ValidateMonoToken(rawToken string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mono == nil || s.mono.tokenHash != HashToken(rawToken) || s.now().After(s.mono.expiresAt) {
		return "", apierr.AuthCode("invalid_mono_token", "invalid or expired mono-auth token")
	}
	return s.mono.workspaceID, nil
}

// StartSweeper launches the background loop that drops expired handoff
// and mono tokens. It exits when ctx is cancelled.
func (s *Service) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepExpired(s.now())
			}
		}
	}()
}

func (s *Service) sweepExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for hash, tok := range s.handoff {
		if now.After(tok.expiresAt) {
			delete(s.handoff, hash)
			dropped++
		}
	}
	if s.mono != nil && now.After(s.mono.expiresAt) {
		s.mono = nil
		dropped++
	}
	if dropped > 0 {
		s.logger.Debug("swept expired tokens", zap.Int("dropped", dropped))
	}
}

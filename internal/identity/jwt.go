package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/logger"
)

// Access token claim constants.
const (
	TokenIssuer   = "vibe80"
	TokenAudience = "workspace"
)

const keySize = 32

// loadOrCreateKey reads the hex-encoded HS256 key from path, creating
// and persisting one (mode 0600) on first run. An empty path yields an
// ephemeral key: fine for dev, but every restart invalidates all
// outstanding access tokens.
func loadOrCreateKey(path string, log *logger.Logger) ([]byte, error) {
	if path == "" {
		log.Warn("no JWT key path configured, using an ephemeral signing key")
		return randomKey()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		key, decodeErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil || len(key) != keySize {
			return nil, fmt.Errorf("JWT key at %s is not %d hex-encoded bytes", path, keySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read JWT key: %w", err)
	}

	key, err := randomKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create JWT key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist JWT key: %w", err)
	}
	return key, nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate JWT key: %w", err)
	}
	return key, nil
}

func (s *Service) mintAccessToken(workspaceID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": workspaceID,
		"iat": now.Unix(),
		"exp": now.Add(s.cfg.AccessTokenDuration()).Unix(),
		"iss": TokenIssuer,
		"aud": TokenAudience,
		"jti": uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken verifies a bearer token's signature and claims
// and returns the workspace id it was issued for.
func (s *Service) ValidateAccessToken(raw string) (string, error) {
	token, err := jwt.Parse(raw,
		func(t *jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", apierr.Auth("invalid or expired access token")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", apierr.Auth("access token has no subject")
	}
	return subject, nil
}

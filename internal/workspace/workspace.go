// Package workspace implements workspace lifecycle and configuration:
// creation with OS-level provisioning, provider configuration with
// sanitised reads, and constant-time secret verification for login.
package workspace

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/audit"
	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/pkg/protocol"
)

var providerKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// Service owns workspace records and their provider configuration.
type Service struct {
	store       storage.Store
	provisioner Provisioner
	auditor     *audit.Recorder
	logger      *logger.Logger
	now         func() time.Time
}

// New creates the workspace service.
func New(store storage.Store, provisioner Provisioner, auditor *audit.Recorder, log *logger.Logger) *Service {
	return &Service{
		store:       store,
		provisioner: provisioner,
		auditor:     auditor,
		logger:      log.WithFields(zap.String("component", "workspace")),
		now:         time.Now,
	}
}

// HashSecret returns the hex SHA-256 of a raw workspace secret. Only
// the hash is ever persisted.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Create synthesises a workspace id and secret, provisions the OS
// footprint, and persists the record. The raw secret appears in the
// response and nowhere else.
func (s *Service) Create(ctx context.Context, req *protocol.CreateWorkspaceRequest) (*protocol.CreateWorkspaceResponse, error) {
	providers, err := buildProviders(nil, req.Providers)
	if err != nil {
		return nil, err
	}

	workspaceID := ids.NewWorkspaceID()
	secret := ids.NewSecret()
	secretHash := HashSecret(secret)

	meta, err := s.provisioner.Provision(ctx, workspaceID, secretHash)
	if err != nil {
		return nil, apierr.Internal("failed to provision workspace", err)
	}

	nowMs := s.now().UnixMilli()
	workspace := &storage.Workspace{
		WorkspaceID: workspaceID,
		SecretHash:  secretHash,
		UID:         meta.UID,
		GID:         meta.GID,
		Providers:   providers,
		CreatedAt:   nowMs,
		UpdatedAt:   nowMs,
	}
	if err := s.store.SaveWorkspace(ctx, workspace); err != nil {
		return nil, err
	}

	s.logger.Info("created workspace",
		zap.String("workspace_id", workspaceID),
		zap.Int("uid", meta.UID),
		zap.Strings("providers", providerKeys(providers)))
	return &protocol.CreateWorkspaceResponse{
		WorkspaceID:     workspaceID,
		WorkspaceSecret: secret,
	}, nil
}

// Update validates and merges a provider patch. Disabling a provider
// that an active worktree still uses is refused.
func (s *Service) Update(ctx context.Context, workspaceID string, req *protocol.UpdateWorkspaceRequest) (*protocol.WorkspaceView, error) {
	workspace, err := s.get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	merged, err := buildProviders(workspace.Providers, req.Providers)
	if err != nil {
		return nil, err
	}
	for key, next := range merged {
		prev, existed := workspace.Providers[key]
		if existed && prev.Enabled && !next.Enabled {
			inUse, err := s.providerInUse(ctx, workspaceID, key)
			if err != nil {
				return nil, err
			}
			if inUse {
				return nil, apierr.Forbidden("Provider cannot be disabled: active sessions use it.")
			}
		}
	}

	workspace.Providers = merged
	workspace.UpdatedAt = s.now().UnixMilli()
	if err := s.store.SaveWorkspace(ctx, workspace); err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, workspaceID, audit.EventWorkspaceUpdated, map[string]any{
		"providers": providerKeys(merged),
	})
	return sanitise(workspace), nil
}

// ReadConfig returns the sanitised configuration: credential values are
// replaced by their presence flag.
func (s *Service) ReadConfig(ctx context.Context, workspaceID string) (*protocol.WorkspaceView, error) {
	workspace, err := s.get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return sanitise(workspace), nil
}

// Get returns the raw workspace record for internal callers (agent
// spawns need uid/gid and credentials). Never serialise this to a
// client.
func (s *Service) Get(ctx context.Context, workspaceID string) (*storage.Workspace, error) {
	return s.get(ctx, workspaceID)
}

// VerifySecret is the login check: a constant-time compare of the
// presented secret's hash. Success and failure are both audited.
func (s *Service) VerifySecret(ctx context.Context, workspaceID, rawSecret string) error {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, storage.ErrWorkspaceNotFound) {
			s.auditor.Record(ctx, workspaceID, audit.EventWorkspaceLoginFailed, map[string]any{
				"reason": "unknown_workspace",
			})
			return apierr.Auth("invalid workspace credentials")
		}
		return err
	}
	presented := HashSecret(rawSecret)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(workspace.SecretHash)) != 1 {
		s.auditor.Record(ctx, workspaceID, audit.EventWorkspaceLoginFailed, map[string]any{
			"reason": "bad_secret",
		})
		return apierr.Auth("invalid workspace credentials")
	}
	s.auditor.Record(ctx, workspaceID, audit.EventWorkspaceLoginSuccess, nil)
	return nil
}

// RotateSecret replaces the workspace secret, converging the on-disk
// secret file through the provisioner. The new raw secret is returned
// once.
func (s *Service) RotateSecret(ctx context.Context, workspaceID string) (string, error) {
	workspace, err := s.get(ctx, workspaceID)
	if err != nil {
		return "", err
	}

	secret := ids.NewSecret()
	secretHash := HashSecret(secret)
	if _, err := s.provisioner.Provision(ctx, workspaceID, secretHash); err != nil {
		return "", apierr.Internal("failed to update workspace secret", err)
	}

	workspace.SecretHash = secretHash
	workspace.UpdatedAt = s.now().UnixMilli()
	if err := s.store.SaveWorkspace(ctx, workspace); err != nil {
		return "", err
	}
	s.auditor.Record(ctx, workspaceID, audit.EventWorkspaceSecretRotated, nil)
	return secret, nil
}

func (s *Service) get(ctx context.Context, workspaceID string) (*storage.Workspace, error) {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, storage.ErrWorkspaceNotFound) {
			return nil, apierr.NotFound("workspace %s not found", workspaceID)
		}
		return nil, err
	}
	return workspace, nil
}

// providerInUse reports whether any non-closed worktree in the
// workspace's sessions runs on the given provider.
func (s *Service) providerInUse(ctx context.Context, workspaceID, provider string) (bool, error) {
	sessions, err := s.store.ListSessions(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	for _, session := range sessions {
		worktrees, err := s.store.ListWorktrees(ctx, session.SessionID)
		if err != nil {
			return false, err
		}
		for _, worktree := range worktrees {
			if worktree.Provider == provider && worktree.Status != protocol.WorktreeClosed {
				return true, nil
			}
		}
	}
	return false, nil
}

// buildProviders merges a patch over the existing provider map and
// validates the result. base may be nil (creation).
func buildProviders(base map[string]storage.ProviderConfig, patch map[string]protocol.ProviderPatch) (map[string]storage.ProviderConfig, error) {
	merged := make(map[string]storage.ProviderConfig, len(base)+len(patch))
	for key, cfg := range base {
		merged[key] = cfg
	}
	for key, p := range patch {
		if !providerKeyPattern.MatchString(key) {
			return nil, apierr.Validation("invalid provider key %q", key)
		}
		next := merged[key]
		if p.Enabled != nil {
			next.Enabled = *p.Enabled
		}
		if p.Auth != nil {
			auth, err := convertAuth(key, p.Auth)
			if err != nil {
				return nil, err
			}
			next.Auth = auth
		}
		if next.Enabled && next.Auth == nil {
			return nil, apierr.Validation("provider %s is enabled but has no auth configured", key)
		}
		merged[key] = next
	}
	return merged, nil
}

func convertAuth(provider string, in *protocol.ProviderAuthInput) (*storage.ProviderAuth, error) {
	authType := storage.ProviderAuthType(in.Type)
	switch authType {
	case storage.ProviderAuthAPIKey, storage.ProviderAuthJSONB64, storage.ProviderAuthSetupToken:
	default:
		return nil, apierr.Validation("provider %s has unknown auth type %q", provider, in.Type)
	}
	if in.Value == "" {
		return nil, apierr.Validation("provider %s auth value is empty", provider)
	}
	return &storage.ProviderAuth{Type: authType, Value: in.Value}, nil
}

func sanitise(workspace *storage.Workspace) *protocol.WorkspaceView {
	providers := make(map[string]protocol.ProviderView, len(workspace.Providers))
	for key, cfg := range workspace.Providers {
		view := protocol.ProviderView{Enabled: cfg.Enabled}
		if cfg.Auth != nil {
			view.Auth = &protocol.AuthPresence{HasValue: true}
		}
		providers[key] = view
	}
	return &protocol.WorkspaceView{
		WorkspaceID: workspace.WorkspaceID,
		Providers:   providers,
		CreatedAt:   workspace.CreatedAt,
		UpdatedAt:   workspace.UpdatedAt,
	}
}

func providerKeys(providers map[string]storage.ProviderConfig) []string {
	keys := make([]string, 0, len(providers))
	for key := range providers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

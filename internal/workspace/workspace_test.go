package workspace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/audit"
	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/provision"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/storage/memory"
	"github.com/vibe80/vibe80/pkg/protocol"
)

type provisionCall struct {
	workspaceID string
	secretHash  string
}

type fakeProvisioner struct {
	mu    sync.Mutex
	calls []provisionCall
	uid   int
	gid   int
	err   error
}

func (f *fakeProvisioner) Provision(_ context.Context, workspaceID, secretHash string) (*provision.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, provisionCall{workspaceID, secretHash})
	if f.err != nil {
		return nil, f.err
	}
	return &provision.Metadata{WorkspaceID: workspaceID, UID: f.uid, GID: f.gid}, nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func newTestService(t *testing.T) (*Service, *memory.Store, *fakeProvisioner) {
	t.Helper()
	store := memory.New()
	log := newTestLogger(t)
	prov := &fakeProvisioner{uid: 4201, gid: 4201}
	svc := New(store, prov, audit.NewRecorder(store, nil, log), log)
	return svc, store, prov
}

func boolPtr(b bool) *bool { return &b }

func codexRequest(key string) *protocol.CreateWorkspaceRequest {
	return &protocol.CreateWorkspaceRequest{
		Providers: map[string]protocol.ProviderPatch{
			"codex": {
				Enabled: boolPtr(true),
				Auth:    &protocol.ProviderAuthInput{Type: "api_key", Value: key},
			},
		},
	}
}

func TestCreateWorkspace(t *testing.T) {
	svc, store, prov := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, codexRequest("sk-test"))
	require.NoError(t, err)
	assert.True(t, ids.ValidWorkspaceID(resp.WorkspaceID))
	require.NotEmpty(t, resp.WorkspaceSecret)

	stored, err := store.GetWorkspace(ctx, resp.WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, HashSecret(resp.WorkspaceSecret), stored.SecretHash)
	assert.Equal(t, 4201, stored.UID)
	assert.Equal(t, 4201, stored.GID)
	assert.True(t, stored.Providers["codex"].Enabled)

	require.Len(t, prov.calls, 1)
	assert.Equal(t, resp.WorkspaceID, prov.calls[0].workspaceID)
	assert.Equal(t, stored.SecretHash, prov.calls[0].secretHash)
}

func TestCreateRequiresAuthWhenEnabled(t *testing.T) {
	svc, _, prov := newTestService(t)

	_, err := svc.Create(context.Background(), &protocol.CreateWorkspaceRequest{
		Providers: map[string]protocol.ProviderPatch{
			"codex": {Enabled: boolPtr(true)},
		},
	})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
	assert.Empty(t, prov.calls)
}

func TestCreateRejectsUnknownAuthType(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), &protocol.CreateWorkspaceRequest{
		Providers: map[string]protocol.ProviderPatch{
			"codex": {
				Enabled: boolPtr(true),
				Auth:    &protocol.ProviderAuthInput{Type: "password", Value: "hunter2"},
			},
		},
	})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}

func TestCreateSurfacesProvisionFailure(t *testing.T) {
	svc, _, prov := newTestService(t)
	prov.err = errors.New("useradd: cannot lock /etc/passwd")

	_, err := svc.Create(context.Background(), codexRequest("sk-test"))
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindInternal))
}

func TestUpdateMergeKeepsExistingAuth(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, codexRequest("sk-test"))
	require.NoError(t, err)

	// Toggling enabled without resending auth must not drop the stored
	// credential.
	view, err := svc.Update(ctx, resp.WorkspaceID, &protocol.UpdateWorkspaceRequest{
		Providers: map[string]protocol.ProviderPatch{
			"codex":  {Enabled: boolPtr(true)},
			"claude": {Enabled: boolPtr(false)},
		},
	})
	require.NoError(t, err)
	require.Contains(t, view.Providers, "codex")
	assert.True(t, view.Providers["codex"].Enabled)
	require.NotNil(t, view.Providers["codex"].Auth)
	assert.True(t, view.Providers["codex"].Auth.HasValue)
	assert.False(t, view.Providers["claude"].Enabled)
	assert.Nil(t, view.Providers["claude"].Auth)
}

func TestUpdateRejectsDisablingProviderInUse(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, codexRequest("sk-test"))
	require.NoError(t, err)
	require.NoError(t, store.SaveSession(ctx, &storage.Session{
		SessionID:   "s1",
		WorkspaceID: resp.WorkspaceID,
	}))
	require.NoError(t, store.SaveWorktree(ctx, &storage.Worktree{
		SessionID:  "s1",
		WorktreeID: protocol.MainWorktreeID,
		Provider:   "codex",
		Status:     protocol.WorktreeReady,
	}))

	_, err = svc.Update(ctx, resp.WorkspaceID, &protocol.UpdateWorkspaceRequest{
		Providers: map[string]protocol.ProviderPatch{
			"codex": {Enabled: boolPtr(false)},
		},
	})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindForbidden))
	assert.Equal(t, "Provider cannot be disabled: active sessions use it.", apierr.From(err).Message)

	// The stored config is unchanged.
	stored, err := store.GetWorkspace(ctx, resp.WorkspaceID)
	require.NoError(t, err)
	assert.True(t, stored.Providers["codex"].Enabled)
}

func TestUpdateAllowsDisablingAfterWorktreesClose(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, codexRequest("sk-test"))
	require.NoError(t, err)
	require.NoError(t, store.SaveSession(ctx, &storage.Session{
		SessionID:   "s1",
		WorkspaceID: resp.WorkspaceID,
	}))
	require.NoError(t, store.SaveWorktree(ctx, &storage.Worktree{
		SessionID:  "s1",
		WorktreeID: "wt1",
		Provider:   "codex",
		Status:     protocol.WorktreeClosed,
	}))

	view, err := svc.Update(ctx, resp.WorkspaceID, &protocol.UpdateWorkspaceRequest{
		Providers: map[string]protocol.ProviderPatch{
			"codex": {Enabled: boolPtr(false)},
		},
	})
	require.NoError(t, err)
	assert.False(t, view.Providers["codex"].Enabled)
}

func TestUpdateUnknownWorkspace(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Update(context.Background(), "w000000000000000000000000", &protocol.UpdateWorkspaceRequest{})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestReadConfigNeverLeaksSecrets(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, codexRequest("sk-super-secret"))
	require.NoError(t, err)

	view, err := svc.ReadConfig(ctx, resp.WorkspaceID)
	require.NoError(t, err)
	require.NotNil(t, view.Providers["codex"].Auth)
	assert.True(t, view.Providers["codex"].Auth.HasValue)

	data, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-super-secret")
	assert.NotContains(t, string(data), HashSecret(resp.WorkspaceSecret))
}

func TestVerifySecret(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, codexRequest("sk-test"))
	require.NoError(t, err)

	require.NoError(t, svc.VerifySecret(ctx, resp.WorkspaceID, resp.WorkspaceSecret))

	err = svc.VerifySecret(ctx, resp.WorkspaceID, "wrong-secret")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindAuth))

	err = svc.VerifySecret(ctx, "w000000000000000000000000", resp.WorkspaceSecret)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindAuth))

	events, err := store.ListAuditEvents(ctx, resp.WorkspaceID, 10)
	require.NoError(t, err)
	var names []string
	for _, event := range events {
		names = append(names, event.Event)
	}
	assert.Contains(t, names, audit.EventWorkspaceLoginSuccess)
	assert.Contains(t, names, audit.EventWorkspaceLoginFailed)
}

func TestRotateSecret(t *testing.T) {
	svc, store, prov := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, codexRequest("sk-test"))
	require.NoError(t, err)

	rotated, err := svc.RotateSecret(ctx, resp.WorkspaceID)
	require.NoError(t, err)
	require.NotEmpty(t, rotated)
	assert.NotEqual(t, resp.WorkspaceSecret, rotated)

	require.NoError(t, svc.VerifySecret(ctx, resp.WorkspaceID, rotated))
	err = svc.VerifySecret(ctx, resp.WorkspaceID, resp.WorkspaceSecret)
	require.Error(t, err)

	require.Len(t, prov.calls, 2)
	assert.Equal(t, HashSecret(rotated), prov.calls[1].secretHash)

	events, err := store.ListAuditEvents(ctx, resp.WorkspaceID, 10)
	require.NoError(t, err)
	var names []string
	for _, event := range events {
		names = append(names, event.Event)
	}
	assert.Contains(t, names, audit.EventWorkspaceSecretRotated)
}

func TestDecodeAuth(t *testing.T) {
	target := AuthTarget{
		APIKeyEnv:     "OPENAI_API_KEY",
		SetupTokenEnv: "CLAUDE_CODE_OAUTH_TOKEN",
		AuthFile:      "auth.json",
	}

	t.Run("api key", func(t *testing.T) {
		material, err := DecodeAuth("codex", &storage.ProviderAuth{Type: storage.ProviderAuthAPIKey, Value: "sk-1"}, target)
		require.NoError(t, err)
		assert.Equal(t, []string{"OPENAI_API_KEY=sk-1"}, material.Env)
		assert.Empty(t, material.Files)
	})

	t.Run("setup token", func(t *testing.T) {
		material, err := DecodeAuth("claude", &storage.ProviderAuth{Type: storage.ProviderAuthSetupToken, Value: "tok"}, target)
		require.NoError(t, err)
		assert.Equal(t, []string{"CLAUDE_CODE_OAUTH_TOKEN=tok"}, material.Env)
	})

	t.Run("auth json", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString([]byte(`{"OPENAI_API_KEY":"sk-2"}`))
		material, err := DecodeAuth("codex", &storage.ProviderAuth{Type: storage.ProviderAuthJSONB64, Value: encoded}, target)
		require.NoError(t, err)
		assert.JSONEq(t, `{"OPENAI_API_KEY":"sk-2"}`, string(material.Files["auth.json"]))
	})

	t.Run("bad base64", func(t *testing.T) {
		_, err := DecodeAuth("codex", &storage.ProviderAuth{Type: storage.ProviderAuthJSONB64, Value: "%%%"}, target)
		require.Error(t, err)
		assert.True(t, apierr.IsKind(err, apierr.KindValidation))
	})

	t.Run("not json", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString([]byte("not json"))
		_, err := DecodeAuth("codex", &storage.ProviderAuth{Type: storage.ProviderAuthJSONB64, Value: encoded}, target)
		require.Error(t, err)
	})

	t.Run("unsupported shape", func(t *testing.T) {
		_, err := DecodeAuth("codex", &storage.ProviderAuth{Type: storage.ProviderAuthAPIKey, Value: "sk-1"}, AuthTarget{})
		require.Error(t, err)
		assert.True(t, apierr.IsKind(err, apierr.KindValidation))
	})

	t.Run("missing auth", func(t *testing.T) {
		_, err := DecodeAuth("codex", nil, target)
		require.Error(t, err)
	})
}

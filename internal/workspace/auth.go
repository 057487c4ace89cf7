package workspace

import (
	"encoding/base64"
	"encoding/json"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/storage"
)

// AuthTarget names where a provider expects its credential to land at
// spawn time. The agent registry supplies it; empty fields mean the
// provider does not accept that credential shape.
type AuthTarget struct {
	APIKeyEnv     string // env var for type=api_key
	SetupTokenEnv string // env var for type=setup_token
	AuthFile      string // file name for type=auth_json_b64, relative to the agent config dir
}

// CredentialMaterial is a decoded credential ready for an agent spawn:
// environment entries and files to materialise in the agent's config
// directory. The supervisor consumes this without ever seeing the
// stored auth shape.
type CredentialMaterial struct {
	Env   []string
	Files map[string][]byte
}

// DecodeAuth converts a stored provider credential into spawn material.
func DecodeAuth(provider string, auth *storage.ProviderAuth, target AuthTarget) (*CredentialMaterial, error) {
	if auth == nil {
		return nil, apierr.Validation("provider %s has no auth configured", provider)
	}
	switch auth.Type {
	case storage.ProviderAuthAPIKey:
		if target.APIKeyEnv == "" {
			return nil, apierr.Validation("provider %s does not accept an API key", provider)
		}
		return &CredentialMaterial{Env: []string{target.APIKeyEnv + "=" + auth.Value}}, nil

	case storage.ProviderAuthSetupToken:
		if target.SetupTokenEnv == "" {
			return nil, apierr.Validation("provider %s does not accept a setup token", provider)
		}
		return &CredentialMaterial{Env: []string{target.SetupTokenEnv + "=" + auth.Value}}, nil

	case storage.ProviderAuthJSONB64:
		if target.AuthFile == "" {
			return nil, apierr.Validation("provider %s does not accept an auth file", provider)
		}
		decoded, err := base64.StdEncoding.DecodeString(auth.Value)
		if err != nil {
			return nil, apierr.Validation("provider %s auth is not valid base64", provider)
		}
		if !json.Valid(decoded) {
			return nil, apierr.Validation("provider %s auth does not decode to JSON", provider)
		}
		return &CredentialMaterial{Files: map[string][]byte{target.AuthFile: decoded}}, nil

	default:
		return nil, apierr.Validation("provider %s has unknown auth type %q", provider, auth.Type)
	}
}

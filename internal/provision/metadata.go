package provision

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Metadata is the per-workspace identity file written by the
// provisioner and read back by the run-as helper when name-service
// lookup of the workspace user fails.
type Metadata struct {
	WorkspaceID string `json:"workspaceId"`
	UID         int    `json:"uid"`
	GID         int    `json:"gid"`
}

// MetadataDir returns `<workspaceRoot>/<workspaceID>/metadata`.
func MetadataDir(workspaceRoot, workspaceID string) string {
	return filepath.Join(workspaceRoot, workspaceID, "metadata")
}

// MetadataPath returns the workspace.json path for a workspace.
func MetadataPath(workspaceRoot, workspaceID string) string {
	return filepath.Join(MetadataDir(workspaceRoot, workspaceID), "workspace.json")
}

// SecretPath returns the workspace.secret path for a workspace.
func SecretPath(workspaceRoot, workspaceID string) string {
	return filepath.Join(MetadataDir(workspaceRoot, workspaceID), "workspace.secret")
}

// ReadMetadata loads and validates a workspace.json.
func ReadMetadata(workspaceRoot, workspaceID string) (*Metadata, error) {
	data, err := os.ReadFile(MetadataPath(workspaceRoot, workspaceID))
	if err != nil {
		return nil, err
	}
	meta := &Metadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("failed to parse workspace metadata: %w", err)
	}
	if meta.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("workspace metadata is for %q, expected %q", meta.WorkspaceID, workspaceID)
	}
	if meta.UID <= 0 || meta.GID <= 0 {
		return nil, fmt.Errorf("workspace metadata has invalid uid/gid %d/%d", meta.UID, meta.GID)
	}
	return meta, nil
}

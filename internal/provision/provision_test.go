package provision

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// fakeSystem simulates account management and records chowns, since the
// test cannot create real users or change ownership without root.
type fakeSystem struct {
	groups  map[string]int
	users   map[string]int
	nextID  int
	chowns  map[string][2]int
	created []string
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		groups: map[string]int{"vibe80-server": 900},
		users:  map[string]int{},
		nextID: 10000,
		chowns: map[string][2]int{},
	}
}

func (f *fakeSystem) LookupGroup(name string) (int, error) {
	gid, ok := f.groups[name]
	if !ok {
		return 0, ErrNotExists
	}
	return gid, nil
}

func (f *fakeSystem) CreateGroup(name string) error {
	f.nextID++
	f.groups[name] = f.nextID
	f.created = append(f.created, "group:"+name)
	return nil
}

func (f *fakeSystem) LookupUser(name string) (int, int, error) {
	uid, ok := f.users[name]
	if !ok {
		return 0, 0, ErrNotExists
	}
	return uid, f.groups[name], nil
}

func (f *fakeSystem) CreateUser(name string, gid int, homeDir string) error {
	f.nextID++
	f.users[name] = f.nextID
	f.created = append(f.created, "user:"+name)
	return nil
}

func (f *fakeSystem) Chown(path string, uid, gid int) error {
	f.chowns[path] = [2]int{uid, gid}
	return nil
}

const testWorkspaceID = "w0123456789abcdef01234567"

func newTestProvisioner(t *testing.T) (*Provisioner, *fakeSystem, string) {
	t.Helper()
	root := t.TempDir()
	sys := newFakeSystem()
	p := New(sys, Config{
		WorkspaceRoot: root,
		HomeBase:      filepath.Join(root, "home"),
		ServerGroup:   "vibe80-server",
	}, logger.Default())
	return p, sys, root
}

func TestProvisionCreatesTree(t *testing.T) {
	p, sys, root := newTestProvisioner(t)

	meta, err := p.Provision(testWorkspaceID, "abc123hash")
	require.NoError(t, err)
	assert.Equal(t, testWorkspaceID, meta.WorkspaceID)
	assert.NotZero(t, meta.UID)
	assert.NotZero(t, meta.GID)

	for _, dir := range []string{
		filepath.Join(root, testWorkspaceID),
		filepath.Join(root, testWorkspaceID, "metadata"),
		filepath.Join(root, testWorkspaceID, "sessions"),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.Equal(t, os.FileMode(0o750), info.Mode().Perm(), dir)
		assert.NotZero(t, info.Mode()&os.ModeSetgid, "setgid missing on %s", dir)
		assert.Equal(t, [2]int{meta.UID, meta.GID}, sys.chowns[dir])
	}

	// workspace.json carries the resolved identity.
	data, err := os.ReadFile(MetadataPath(root, testWorkspaceID))
	require.NoError(t, err)
	var onDisk Metadata
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, *meta, onDisk)

	// workspace.secret is 0640 and group-owned by the server group.
	secretPath := SecretPath(root, testWorkspaceID)
	info, err := os.Stat(secretPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.Equal(t, [2]int{meta.UID, 900}, sys.chowns[secretPath])
}

func TestProvisionIsIdempotent(t *testing.T) {
	p, sys, _ := newTestProvisioner(t)

	first, err := p.Provision(testWorkspaceID, "hash1")
	require.NoError(t, err)
	createdOnce := len(sys.created)

	second, err := p.Provision(testWorkspaceID, "hash1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, createdOnce, len(sys.created), "second run must not create accounts again")
}

func TestProvisionRejectsBadWorkspaceID(t *testing.T) {
	p, _, _ := newTestProvisioner(t)

	for _, id := range []string{"", "workspace-1", "w123", "W0123456789ABCDEF01234567"} {
		_, err := p.Provision(id, "")
		assert.Error(t, err, "id %q", id)
	}
}

func TestReadMetadataValidates(t *testing.T) {
	p, _, root := newTestProvisioner(t)

	_, err := p.Provision(testWorkspaceID, "")
	require.NoError(t, err)

	meta, err := ReadMetadata(root, testWorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, testWorkspaceID, meta.WorkspaceID)

	// Mismatched workspace id in the file is rejected.
	other := "w" + strings.Repeat("9", 24)
	require.NoError(t, os.MkdirAll(MetadataDir(root, other), 0o750))
	require.NoError(t, os.WriteFile(MetadataPath(root, other),
		[]byte(`{"workspaceId":"w000000000000000000000000","uid":1,"gid":1}`), 0o640))
	_, err = ReadMetadata(root, other)
	assert.Error(t, err)
}

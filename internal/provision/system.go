package provision

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
)

// ErrNotExists is returned by System lookups when the user or group is
// absent, signalling the provisioner to create it.
var ErrNotExists = errors.New("does not exist")

// System abstracts the OS account and ownership operations so the
// provisioning flow can be tested without root.
type System interface {
	LookupGroup(name string) (gid int, err error)
	CreateGroup(name string) error
	LookupUser(name string) (uid, gid int, err error)
	CreateUser(name string, gid int, homeDir string) error
	Chown(path string, uid, gid int) error
}

// HostSystem performs real account management via groupadd/useradd.
type HostSystem struct{}

var _ System = (*HostSystem)(nil)

// NewHostSystem returns the real host backend.
func NewHostSystem() *HostSystem {
	return &HostSystem{}
}

func (HostSystem) LookupGroup(name string) (int, error) {
	group, err := user.LookupGroup(name)
	if err != nil {
		var unknown user.UnknownGroupError
		if errors.As(err, &unknown) {
			return 0, ErrNotExists
		}
		return 0, err
	}
	return strconv.Atoi(group.Gid)
}

func (HostSystem) CreateGroup(name string) error {
	return runAccountTool("groupadd", "--system", name)
}

func (HostSystem) LookupUser(name string) (int, int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return 0, 0, ErrNotExists
		}
		return 0, 0, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}

func (HostSystem) CreateUser(name string, gid int, homeDir string) error {
	return runAccountTool("useradd",
		"--system",
		"--gid", strconv.Itoa(gid),
		"--home-dir", homeDir,
		"--create-home",
		"--shell", "/usr/sbin/nologin",
		name)
}

func (HostSystem) Chown(path string, uid, gid int) error {
	return os.Chown(path, uid, gid)
}

func runAccountTool(tool string, args ...string) error {
	cmd := exec.Command(tool, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %s: %w", tool, strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

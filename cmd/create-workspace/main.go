// Package main is the entry point for the create-workspace helper binary.
// create-workspace is installed root-owned and invoked through
// password-less sudo by the Vibe80 server when a new workspace is
// registered. It creates the workspace's OS group and user, the
// directory tree under the workspace root, and the metadata files the
// run-as helper and the server read back.
//
// Every step is idempotent: re-running after a partial failure finishes
// the remaining steps instead of failing on what already exists.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/provision"
)

// Command-line flags
var (
	workspaceIDFlag   = flag.String("workspace-id", "", "workspace identifier (w + 24 hex chars)")
	secretHashFlag    = flag.String("secret-hash", "", "hex SHA-256 of the workspace secret, written to metadata/workspace.secret")
	workspaceRootFlag = flag.String("workspace-root", "/srv/vibe80/workspaces", "base directory for workspace trees")
	homeBaseFlag      = flag.String("home-base", "/home", "base directory for workspace home dirs")
	serverGroupFlag   = flag.String("server-group", "vibe80", "OS group of the server process, granted read access to the secret")
	logLevelFlag      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	if *workspaceIDFlag == "" {
		fmt.Fprintln(os.Stderr, "create-workspace: --workspace-id is required")
		flag.Usage()
		os.Exit(1)
	}
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "create-workspace: must run as root (via sudo)")
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevelFlag,
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	p := provision.New(provision.NewHostSystem(), provision.Config{
		WorkspaceRoot: envOr("WORKSPACE_ROOT_DIRECTORY", *workspaceRootFlag),
		HomeBase:      envOr("WORKSPACE_HOME_BASE", *homeBaseFlag),
		ServerGroup:   *serverGroupFlag,
	}, log)

	meta, err := p.Provision(*workspaceIDFlag, *secretHashFlag)
	if err != nil {
		log.Error("provisioning failed", zap.String("workspace_id", *workspaceIDFlag), zap.Error(err))
		os.Exit(1)
	}

	// The server parses this line to learn the assigned uid/gid.
	fmt.Printf("{\"workspaceId\":%q,\"uid\":%d,\"gid\":%d}\n", meta.WorkspaceID, meta.UID, meta.GID)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Package main is the vibe80 server entry point. One binary runs the
// REST gateway, the WebSocket stream, the agent supervisor and the
// storage layer together.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/attachments"
	"github.com/vibe80/vibe80/internal/audit"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/common/tracing"
	"github.com/vibe80/vibe80/internal/db"
	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/internal/gateway"
	"github.com/vibe80/vibe80/internal/identity"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
	redisstore "github.com/vibe80/vibe80/internal/storage/redis"
	sqlitestore "github.com/vibe80/vibe80/internal/storage/sqlite"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/internal/worktree"
	"github.com/vibe80/vibe80/pkg/protocol"
)

const usage = `usage: vibe80 run [flags]

Flags:
  --port P             listen port (overrides PORT)
  --data-dir D         base directory for the database and workspace trees
  --storage-backend B  storage backend: sqlite or redis
  --codex              use the installed codex CLI instead of the mock agent
  --claude             use the installed claude CLI instead of the mock agent
  --no-open            suppress the browser URL printed in mono-user mode
`

type runFlags struct {
	port    int
	dataDir string
	backend string
	codex   bool
	claude  bool
	noOpen  bool
}

func parseFlags() *runFlags {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	flags := &runFlags{}
	fs.IntVar(&flags.port, "port", 0, "listen port")
	fs.StringVar(&flags.dataDir, "data-dir", "", "base directory for database and workspaces")
	fs.StringVar(&flags.backend, "storage-backend", "", "storage backend: sqlite or redis")
	fs.BoolVar(&flags.codex, "codex", false, "use the installed codex CLI")
	fs.BoolVar(&flags.claude, "claude", false, "use the installed claude CLI")
	fs.BoolVar(&flags.noOpen, "no-open", false, "suppress the browser URL hint")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	fs.Parse(os.Args[2:])

	if flags.backend != "" && flags.backend != config.BackendSQLite && flags.backend != config.BackendRedis {
		fmt.Fprintf(os.Stderr, "unknown storage backend %q\n", flags.backend)
		os.Exit(1)
	}
	return flags
}

// applyFlags layers CLI flags over the environment-driven config.
func applyFlags(cfg *config.Config, flags *runFlags) {
	if flags.port != 0 {
		cfg.Server.Port = flags.port
	}
	if flags.backend != "" {
		cfg.Storage.Backend = flags.backend
	}
	if flags.dataDir != "" {
		cfg.Storage.SQLitePath = filepath.Join(flags.dataDir, "vibe80.db")
		cfg.Workspace.RootDirectory = filepath.Join(flags.dataDir, "workspaces")
		cfg.Workspace.HomeBase = filepath.Join(flags.dataDir, "home")
	}
	// Dev runs without a real provider CLI drive sessions through the
	// bundled mock agent.
	if cfg.Deployment.MonoUser() && !flags.codex && !flags.claude && cfg.Agent.MockAgentPath == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.Agent.MockAgentPath = filepath.Join(filepath.Dir(exe), "mock-agent")
		}
	}
}

func main() {
	flags := parseFlags()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, flags)

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting vibe80",
		zap.String("mode", cfg.Deployment.Mode),
		zap.String("storage", cfg.Storage.Backend))

	// 3. Root context, cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory unless NATS is configured)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 5. Storage backend
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err),
			zap.String("backend", cfg.Storage.Backend))
	}
	defer store.Close()
	log.Info("storage initialized", zap.String("backend", cfg.Storage.Backend))

	// 6. Services
	runner := sandbox.NewRunner(cfg, log)
	auditor := audit.NewRecorder(store, eventBus, log)
	metrics := audit.NewMetrics()
	if err := metrics.Observe(eventBus); err != nil {
		log.Fatal("failed to attach metrics observer", zap.Error(err))
	}

	workspaces := workspace.New(store, workspace.NewProvisioner(cfg, log), auditor, log)
	ident, err := identity.New(store, auditor, cfg.Auth, log)
	if err != nil {
		log.Fatal("failed to initialize identity service", zap.Error(err))
	}
	ident.StartSweeper(ctx)

	sessions := session.New(store, runner, workspaces, auditor, cfg, log)
	worktrees := worktree.NewManager(store, runner, sessions, workspaces, auditor, cfg, log)
	attach := attachments.New(runner, sessions, worktrees, cfg, log)

	stream := events.NewRouter(store, eventBus, log)
	worktrees.SetPublisher(stream)

	registry, err := agent.NewRegistry(cfg.Agent)
	if err != nil {
		log.Fatal("failed to load agent registry", zap.Error(err))
	}
	agents := agent.NewManager(ctx, store, runner, sessions, worktrees, workspaces, registry, auditor, eventBus, cfg, log)
	worktrees.SetAgentStopper(agents)
	log.Info("services initialized", zap.Strings("providers", registry.Providers()))

	// 7. Gateway + HTTP server
	gw := gateway.New(workspaces, sessions, worktrees, attach, ident, agents, registry, stream, auditor, metrics, cfg, log)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("server listening", zap.Int("port", port),
			zap.String("websocket", "/ws"), zap.String("api", "/api"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// 8. Mono-user bootstrap: one implicit workspace, seeded into the
	// local browser through a short-lived token.
	if cfg.Deployment.MonoUser() {
		workspaceID, err := ensureMonoWorkspace(ctx, store, workspaces, cfg.Workspace.RootDirectory)
		if err != nil {
			log.Fatal("failed to bootstrap mono workspace", zap.Error(err))
		}
		token := ident.IssueMonoToken(workspaceID)
		log.Info("mono workspace ready", zap.String("workspace_id", workspaceID))
		if !flags.noOpen {
			fmt.Printf("\n  vibe80 ready: http://localhost:%d/?token=%s\n\n", port, token)
		}
	}

	// 9. Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	stream.Close()
	if err := agents.Shutdown(shutdownCtx); err != nil {
		log.Error("agent shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("vibe80 stopped")
}

// openStore builds the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		writer, err := db.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Storage.SQLitePath)
		if err != nil {
			writer.Close()
			return nil, err
		}
		return sqlitestore.New(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	case config.BackendRedis:
		client, err := db.OpenRedis(ctx, cfg.Storage.RedisURL)
		if err != nil {
			return nil, err
		}
		return redisstore.New(client, cfg.Storage.RedisKeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// ensureMonoWorkspace reuses the workspace recorded from a previous run
// or creates a fresh one. The id is pinned in a marker file under the
// workspace root.
func ensureMonoWorkspace(ctx context.Context, store storage.Store, workspaces *workspace.Service, root string) (string, error) {
	marker := filepath.Join(root, ".default-workspace")
	if data, err := os.ReadFile(marker); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			if _, err := store.GetWorkspace(ctx, id); err == nil {
				return id, nil
			}
		}
	}

	created, err := workspaces.Create(ctx, &protocol.CreateWorkspaceRequest{})
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(marker, []byte(created.WorkspaceID+"\n"), 0o600); err != nil {
		return "", err
	}
	return created.WorkspaceID, nil
}

// Command server runs the forgeloop orchestrator: an HTTP/WebSocket API
// in front of the workspace/worktree lifecycle, the execution chain engine,
// the approval broker, and the streaming facade.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"forgeloop/internal/api"
	"forgeloop/internal/approval"
	"forgeloop/internal/config"
	"forgeloop/internal/engine"
	"forgeloop/internal/executor"
	"forgeloop/internal/executor/jsonl"
	"forgeloop/internal/executor/jsonrpc"
	"forgeloop/internal/executor/shellexec"
	"forgeloop/internal/logging"
	"forgeloop/internal/recovery"
	"forgeloop/internal/store"
	"forgeloop/internal/stream"
	"forgeloop/internal/workspace"
	"forgeloop/internal/worktree"
)

func main() {
	var codexBin, claudeBin string

	root := &cobra.Command{
		Use:   "forgeloop",
		Short: "local orchestrator for coding-agent subprocesses over git worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(codexBin, claudeBin)
		},
	}
	root.PersistentFlags().StringVar(&codexBin, "codex-bin", "codex", "path to the codex app-server binary")
	root.PersistentFlags().StringVar(&claudeBin, "claude-bin", "claude", "path to the claude-code CLI binary")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(codexBin, claudeBin)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}

	root.AddCommand(serveCmd, migrateCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a fatal startup error to the documented process exit
// codes: 1 for unreachable data directory or migration failure, 2 for a
// config error.
func exitCodeFor(err error) int {
	if _, ok := err.(*configError); ok {
		return 2
	}
	return 1
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}
	logging.Setup(logging.Options{Level: logging.ParseLevel(cfg.LogLevel)})
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}
	db, err := store.Open(context.Background(), cfg.DBPath)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return db.Close()
}

func runServe(codexBin, claudeBin string) error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}
	logging.Setup(logging.Options{Level: logging.ParseLevel(cfg.LogLevel)})

	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	wtMgr := worktree.NewManager()
	wsMgr := workspace.NewManager(wtMgr)

	facade := stream.NewFacade(db)

	adapters := map[string]engine.AdapterFactory{
		"shell": func() executor.Adapter { return shellexec.New(true) },
		"codex": func() executor.Adapter { return jsonrpc.New(codexBin, nil) },
		"claude": func() executor.Adapter { return jsonl.New(claudeBin, nil) },
	}

	eng := engine.NewEngine(db, cfg, wsMgr, adapters, facade)
	broker := approval.NewBroker(db, eng, cfg.ApprovalTimeout)
	eng.SetBroker(broker)

	rec := recovery.New(db, wsMgr)
	if err := rec.Run(ctx, cfg.WorkspacesDir(), cfg.WorktreeCleanupDisable); err != nil {
		slog.Warn("recovery pass reported errors", "err", err)
	}

	srv := api.NewServer(db, eng, broker, facade)
	slog.Info("forgeloop server starting", "addr", cfg.Addr)
	if err := srv.ListenAndServe(ctx, cfg.Addr); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	eng.KillAllRunning(context.Background())
	return nil
}

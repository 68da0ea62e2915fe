package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"memory-docs/internal/config"
	"memory-docs/internal/metrics"
	"memory-docs/internal/persistence"
)

var (
	envFile     string
	dataDir     string
	backend     string
	metricsAddr string

	cfg config.Config
	ws  *workspace
)

var rootCmd = &cobra.Command{
	Use:   "memory-docs",
	Short: "Embedded document store shell",
	Long:  `Opens the collections of a data directory and lets you insert, query, index, export and import documents. Without a subcommand it starts the interactive shell.`,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
	RunE:          runShell,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start the interactive shell",
	Args:  cobra.NoArgs,
	RunE:  runShell,
}

var exportCmd = &cobra.Command{
	Use:   "export <collection> [file]",
	Short: "Write a compressed snapshot of a collection",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coll, err := ws.open(ctx, args[0])
		if err != nil {
			return err
		}
		path := persistence.BackupPath(cfg.BackupDir, args[0], time.Now())
		if len(args) == 2 {
			path = args[1]
		}
		summary, err := ws.export(ctx, coll, path)
		if err != nil {
			return fmt.Errorf("failed to export '%s': %w", args[0], err)
		}
		fmt.Printf("Exported %d document(s) and %d index definition(s) to %s\n", summary.Documents, len(summary.Indexes), path)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <collection> <file>",
	Short: "Load a snapshot into a collection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coll, err := ws.open(ctx, args[0])
		if err != nil {
			return err
		}
		summary, err := ws.importSnapshot(ctx, coll, args[1])
		if err != nil {
			return fmt.Errorf("failed to import '%s': %w", args[1], err)
		}
		fmt.Printf("Imported %d document(s) and %d index definition(s) into %s\n", summary.Documents, len(summary.Indexes), args[0])
		return nil
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Manage the snapshots in the backup directory",
}

var backupsListCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List the snapshots of a collection, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backups, err := persistence.ListBackups(cfg.BackupDir, args[0])
		if err != nil {
			return err
		}
		for _, path := range backups {
			fmt.Println(path)
		}
		return nil
	},
}

var backupsPruneCmd = &cobra.Command{
	Use:   "prune <collection> <keep>",
	Short: "Delete all but the newest <keep> snapshots of a collection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, err := strconv.Atoi(args[1])
		if err != nil || keep < 0 {
			return fmt.Errorf("invalid keep count %q", args[1])
		}
		removed, err := persistence.PruneBackups(cfg.BackupDir, args[0], keep)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d snapshot(s)\n", removed)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path of a .env file (default: .env in the working directory)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides MEMORYDOCS_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "storage backend: memory, pebble or sqlite (overrides MEMORYDOCS_BACKEND)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")

	backupsCmd.AddCommand(backupsListCmd, backupsPruneCmd)
	rootCmd.AddCommand(shellCmd, exportCmd, importCmd, backupsCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg = config.LoadConfig(envFiles...)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if backend != "" {
		cfg.Backend = backend
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if metricsAddr != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("Serving metrics", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	ws = newWorkspace(cfg)
	return nil
}

func teardown() error {
	if ws == nil {
		return nil
	}
	err := ws.Close()
	ws = nil
	return err
}

func runShell(cmd *cobra.Command, args []string) error {
	return newCLI(cmd.Context(), ws).run()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, colorErr("Error: ", err))
		_ = teardown()
		stop()
		os.Exit(1)
	}
}

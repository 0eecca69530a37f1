// Command zos runs a node: the kernel with its commit log, the async
// I/O supervisor, and the init process hosting the service registry.
// Subcommands replay and dump operate on recorded commit tapes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/commitlog"
	"github.com/zos-labs/zos/core/pkg/config"
	"github.com/zos-labs/zos/core/pkg/kernel"
	"github.com/zos-labs/zos/core/pkg/observability"
	"github.com/zos-labs/zos/core/pkg/registry"
	"github.com/zos-labs/zos/core/pkg/replay"
	"github.com/zos-labs/zos/core/pkg/service"
	"github.com/zos-labs/zos/core/pkg/supervisor"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "dump":
		return runDump(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "zos %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "zOS node %s\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  zos <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintf(w, "  %-10s %s\n", "serve", "Run the node (default)")
	fmt.Fprintf(w, "  %-10s %s\n", "replay", "Re-execute a recorded commit tape and verify it")
	fmt.Fprintf(w, "  %-10s %s\n", "dump", "Export a commit tape to the binary record format")
	fmt.Fprintf(w, "  %-10s %s\n", "version", "Show version information")
	fmt.Fprintf(w, "  %-10s %s\n", "help", "Show this help")
	fmt.Fprintln(w, "")
}

func setupLogging(level string, stderr io.Writer) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: lvl})))
}

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		profileDir  string
		profileName string
		tickEvery   time.Duration
	)
	cmd.StringVar(&profileDir, "profiles", "profiles", "Directory holding node profile YAML files")
	cmd.StringVar(&profileName, "profile", "", "Node profile name to overlay on the environment")
	cmd.DurationVar(&tickEvery, "tick", time.Second, "Virtual clock tick interval")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if profileName != "" {
		profile, err := config.LoadProfile(profileDir, profileName)
		if err != nil {
			fmt.Fprintf(stderr, "profile: %v\n", err)
			return 1
		}
		profile.Apply(cfg)
	}
	setupLogging(cfg.LogLevel, stderr)
	logger := slog.Default().With("component", "node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics kernel.Metrics = kernel.NopMetrics{}
	if cfg.TelemetryEnabled {
		provider, err := observability.New(ctx, &observability.Config{
			ServiceName:    "zos-core",
			ServiceVersion: version,
			Environment:    "production",
			NodeID:         cfg.NodeID,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     1.0,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
		})
		if err != nil {
			fmt.Fprintf(stderr, "observability: %v\n", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
		metrics = provider.KernelMetrics()
	}

	log, closeLog, err := openCommitLog(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "commit log: %v\n", err)
		return 1
	}
	defer closeLog()

	k := kernel.New(log,
		kernel.WithConsole(stdout),
		kernel.WithMetrics(metrics),
	)

	storage, err := openBackend(cfg, cfg.StorageBackend, cfg.StorageDSN, "storage")
	if err != nil {
		fmt.Fprintf(stderr, "storage backend: %v\n", err)
		return 1
	}
	keystore, err := openBackend(cfg, cfg.KeystoreBackend, cfg.KeystoreDSN, "keystore")
	if err != nil {
		fmt.Fprintf(stderr, "keystore backend: %v\n", err)
		return 1
	}
	supOpts := []supervisor.Option{}
	if cfg.IORateLimit > 0 {
		supOpts = append(supOpts, supervisor.WithRateLimit(cfg.IORateLimit, cfg.IOBurst))
	}
	sup := supervisor.New(k, storage, keystore, supOpts...)
	defer sup.Close()

	// Bootstrap init: PID 1, hosting the registry on the standard tags.
	boot, err := k.Spawn(0, "init", abi.DefaultQueueCapacity)
	if err != nil {
		fmt.Fprintf(stderr, "bootstrap init: %v\n", err)
		return 1
	}
	initConn := service.NewConn(k, boot.PID)
	reg := registry.New(initConn, registry.SlotConfig{Init: abi.SlotSelf})
	loop := service.NewLoop(initConn, reg)

	errCh := make(chan error, 2)
	go func() { errCh <- loop.Run(ctx) }()
	go func() { errCh <- sup.Run(ctx) }()
	go func() {
		ticker := time.NewTicker(tickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := k.Tick(); err != nil {
					logger.Error("tick failed", "error", err)
				}
			}
		}
	}()

	logger.Info("node running", "init_pid", uint64(boot.PID),
		"commit_log", cfg.CommitLogBackend, "storage", cfg.StorageBackend, "keystore", cfg.KeystoreBackend)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("node component failed", "error", err)
			return 1
		}
	}
	logger.Info("node shutting down", "commits", k.Log().Len())
	return 0
}

func openCommitLog(cfg *config.Config) (commitlog.Log, func(), error) {
	switch cfg.CommitLogBackend {
	case "", "memory":
		return commitlog.NewMemoryLog(), func() {}, nil
	case "sqlite":
		l, err := commitlog.OpenSQLiteLog(cfg.CommitLogDSN)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case "postgres":
		l, err := commitlog.OpenPostgresLog(cfg.CommitLogDSN)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown commit log backend %q", cfg.CommitLogBackend)
	}
}

func openBackend(cfg *config.Config, kind, dsn, channel string) (supervisor.Backend, error) {
	switch kind {
	case "", "memory":
		return supervisor.NewMemoryBackend(), nil
	case "sqlite":
		return supervisor.OpenSQLiteBackend(dsn, channel)
	case "redis":
		return supervisor.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, channel+":"), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		fromFile   string
		fromSQLite string
		jsonOut    bool
	)
	cmd.StringVar(&fromFile, "file", "", "Binary commit tape to replay")
	cmd.StringVar(&fromSQLite, "sqlite", "", "SQLite commit log DSN to replay")
	cmd.BoolVar(&jsonOut, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	setupLogging("WARN", stderr)

	recorded, err := loadRecorded(fromFile, fromSQLite)
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}

	report, err := replay.Verify(context.Background(), recorded)
	if err != nil {
		var div *replay.Error
		if errors.As(err, &div) {
			fmt.Fprintf(stderr, "DIVERGED at commit %d: %s\n", div.CommitID, div.Reason)
		} else {
			fmt.Fprintf(stderr, "replay: %v\n", err)
		}
		return 1
	}

	if jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		fmt.Fprintf(stdout, "OK: %d commits, final state %s\n", report.Commits, report.FinalState)
	}
	return 0
}

func runDump(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("dump", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		fromSQLite string
		outPath    string
		jsonOut    bool
	)
	cmd.StringVar(&fromSQLite, "sqlite", "", "SQLite commit log DSN to export (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output path for the binary tape")
	cmd.BoolVar(&jsonOut, "json", false, "Print commits as JSON lines instead")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	setupLogging("WARN", stderr)

	if fromSQLite == "" {
		fmt.Fprintln(stderr, "dump: -sqlite is required")
		return 2
	}
	recorded, err := loadRecorded("", fromSQLite)
	if err != nil {
		fmt.Fprintf(stderr, "dump: %v\n", err)
		return 1
	}
	commits, err := recorded.Range(context.Background(), 1, recorded.Len())
	if err != nil {
		fmt.Fprintf(stderr, "dump: %v\n", err)
		return 1
	}

	if jsonOut {
		enc := json.NewEncoder(stdout)
		for _, c := range commits {
			if err := enc.Encode(c); err != nil {
				fmt.Fprintf(stderr, "dump: %v\n", err)
				return 1
			}
		}
		return 0
	}

	if outPath == "" {
		fmt.Fprintln(stderr, "dump: -out is required without -json")
		return 2
	}
	f, err := os.Create(outPath)
	if err != nil {
		fmt.Fprintf(stderr, "dump: %v\n", err)
		return 1
	}
	defer f.Close()
	if err := commitlog.WriteAll(f, commits); err != nil {
		fmt.Fprintf(stderr, "dump: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %d commits to %s\n", len(commits), outPath)
	return 0
}

// loadRecorded materializes a recorded tape into a memory log, from the
// binary format or a SQLite store.
func loadRecorded(fromFile, fromSQLite string) (commitlog.Log, error) {
	switch {
	case fromFile != "":
		f, err := os.Open(fromFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		commits, err := commitlog.ReadAll(f)
		if err != nil {
			return nil, err
		}
		mem := commitlog.NewMemoryLog()
		for _, c := range commits {
			if _, err := mem.Append(context.Background(), c); err != nil {
				return nil, err
			}
		}
		return mem, nil
	case fromSQLite != "":
		return commitlog.OpenSQLiteLog(fromSQLite)
	default:
		return nil, errors.New("one of -file or -sqlite is required")
	}
}

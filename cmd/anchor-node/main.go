// Command anchor-node runs the anchoring data plane: outbox workers,
// reconciler, sequencer, DA adapter, checkpoint service, and bridge relay.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/anchorline/pkg/config"
	"github.com/Mindburn-Labs/anchorline/pkg/store/state"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "start":
		return runStartCmd(args[2:], stderr)
	case "batch":
		return runBatchCmd(args[2:], stdout, stderr)
	case "checkpoint":
		return runCheckpointCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: anchor-node <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  start [--sequencer|--checkpoint|--all] [--profile C]")
	fmt.Fprintln(w, "                                           run the node services")
	fmt.Fprintln(w, "  batch --force                            seal one batch now")
	fmt.Fprintln(w, "  checkpoint [--l2-root R --dao-root R]    submit a checkpoint now")
	fmt.Fprintln(w, "  status                                   print node state")
}

// loadConfig builds the node configuration, overlaying the named operator
// profile when one is given.
func loadConfig(profileCode string) (*config.Config, error) {
	cfg := config.Load()
	if profileCode == "" {
		return cfg, nil
	}
	profile, err := config.LoadProfile(cfg.ProfilesDir, profileCode)
	if err != nil {
		return nil, err
	}
	profile.Apply(cfg)
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runStartCmd(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)
	withSequencer := fs.Bool("sequencer", false, "run the sequencer loop")
	withCheckpoint := fs.Bool("checkpoint", false, "run the checkpoint service")
	all := fs.Bool("all", false, "run every service")
	profile := fs.String("profile", "", "operator profile code (profiles/profile_<code>.yaml)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*profile)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}

	opts := startOptions{sequencer: *withSequencer || *all, checkpoint: *withCheckpoint || *all}
	if err := services.start(ctx, opts); err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		services.shutdown(context.Background())
		return 1
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	services.shutdown(shutdownCtx)
	return 0
}

func runBatchCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	force := fs.Bool("force", false, "seal one batch immediately")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !*force {
		fmt.Fprintln(stderr, "batch requires --force")
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg)
	ctx := context.Background()

	services, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer services.shutdown(ctx)

	if services.sequencer == nil {
		fmt.Fprintln(stderr, "no chain signer configured")
		return 1
	}
	batch, ok, err := services.sequencer.ForceBatch(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "batch failed: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(stdout, "no events to batch")
		return 0
	}
	out, _ := json.Marshal(map[string]any{
		"id":         batch.ID,
		"eventCount": batch.EventCount,
		"merkleRoot": batch.MerkleRoot,
	})
	fmt.Fprintln(stdout, string(out))
	return 0
}

func runCheckpointCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("checkpoint", flag.ContinueOnError)
	fs.SetOutput(stderr)
	l2Root := fs.String("l2-root", "", "override the rollup head root")
	daoRoot := fs.String("dao-root", "", "override the governance state root")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg)
	ctx := context.Background()

	services, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer services.shutdown(ctx)

	if services.checkpoint == nil {
		fmt.Fprintln(stderr, "no chain signer configured")
		return 1
	}

	cp, err := forceCheckpoint(ctx, services, *l2Root, *daoRoot)
	if err != nil {
		fmt.Fprintf(stderr, "checkpoint failed: %v\n", err)
		return 1
	}
	out, _ := json.Marshal(cp)
	fmt.Fprintln(stdout, string(out))
	return 0
}

func runStatusCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	ctx := context.Background()

	st, err := state.OpenReadOnly(cfg.StateDBPath)
	if err != nil {
		fmt.Fprintf(stderr, "state store unavailable: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	status := map[string]any{"store": st.Status()}

	if root, batches, events, err := st.Head(ctx); err == nil {
		status["head"] = map[string]any{
			"l2Root":     root,
			"batchCount": batches,
			"eventCount": events,
		}
	}
	if number, l2Root, daoRoot, err := st.LatestCheckpoint(ctx); err == nil && number > 0 {
		status["latestCheckpoint"] = map[string]any{
			"number":       number,
			"l2Root":       l2Root,
			"daoStateRoot": daoRoot,
		}
	}

	out, _ := json.MarshalIndent(status, "", "  ")
	fmt.Fprintln(stdout, string(out))
	return 0
}

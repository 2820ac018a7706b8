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
	"syscall"

	"github.com/google/uuid"

	"github.com/nenpyo-org/nenpyo"
	"github.com/nenpyo-org/nenpyo/internal/ingest"
	"github.com/nenpyo-org/nenpyo/internal/model"
)

// version is set at build time via -ldflags.
var version = "dev"

const usage = `nenpyo is the run timeline engine's operational tool.

Usage:

  nenpyo replay -events <file>   reduce a captured event file and print the timeline
  nenpyo tail   -run <id>        stream timeline snapshots for a run

Configuration comes from NENPYO_* environment variables and an optional .env
file in the working directory.
`

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("NENPYO_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	// Logs go to stderr; stdout carries the tool's JSON output.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	var err error
	switch os.Args[1] {
	case "replay":
		err = runReplay(os.Args[2:])
	case "tail":
		err = runTail(ctx, logger, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		return 2
	}
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// runReplay reduces a captured newline-delimited JSON event file into a
// timeline and prints it, without touching any store.
func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	eventsPath := fs.String("events", "", `event file, one JSON event per line ("-" for stdin)`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *eventsPath == "" {
		return errors.New("replay: -events is required")
	}

	var r io.Reader = os.Stdin
	if *eventsPath != "-" {
		f, err := os.Open(*eventsPath)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		defer f.Close()
		r = f
	}

	dec, err := ingest.NewDecoder()
	if err != nil {
		return err
	}
	inputs, err := dec.DecodeBatch(r)
	if err != nil {
		return err
	}

	tl := nenpyo.Replay(toPublicInputs(inputs))
	out, err := json.MarshalIndent(tl, "", "  ")
	if err != nil {
		return fmt.Errorf("replay: encode timeline: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// runTail embeds the service against the configured store and streams a run's
// timeline snapshots to stdout until interrupted.
func runTail(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	runFlag := fs.String("run", "", "run id to tail")
	dbFlag := fs.String("database-url", "", "override the configured database URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runFlag == "" {
		return errors.New("tail: -run is required")
	}
	runID, err := uuid.Parse(*runFlag)
	if err != nil {
		return fmt.Errorf("tail: parse run id: %w", err)
	}

	opts := []nenpyo.Option{
		nenpyo.WithLogger(logger),
		nenpyo.WithVersion(version),
	}
	if *dbFlag != "" {
		opts = append(opts, nenpyo.WithDatabaseURL(*dbFlag))
	}
	svc, err := nenpyo.New(opts...)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(runCtx) }()

	tailErr := tailRun(ctx, svc, runID)

	cancel()
	runErr := <-errCh
	if tailErr != nil {
		return tailErr
	}
	return runErr
}

func tailRun(ctx context.Context, svc *nenpyo.Service, runID uuid.UUID) error {
	snaps, stop, err := svc.WatchTimeline(ctx, runID)
	if err != nil {
		return err
	}
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if err := enc.Encode(snap); err != nil {
				return fmt.Errorf("tail: encode snapshot: %w", err)
			}
		}
	}
}

func toPublicInputs(inputs []model.EventInput) []nenpyo.EventInput {
	out := make([]nenpyo.EventInput, len(inputs))
	for i, in := range inputs {
		out[i] = nenpyo.EventInput{
			EventType:   nenpyo.EventKind(in.EventType),
			Timestamp:   in.Timestamp,
			StepKey:     in.StepKey,
			MarkerStart: in.MarkerStart,
			MarkerEnd:   in.MarkerEnd,
			FileKey:     in.FileKey,
			StepKeys:    in.StepKeys,
			ProcessID:   in.ProcessID,
			ExternalURL: in.ExternalURL,
			Message:     in.Message,
		}
	}
	return out
}

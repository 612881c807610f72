// Tars runs one worker of the TARS voice fleet per process. Every worker
// is a thin MQTT service; the broker is the only coupling between them,
// so each subcommand can be supervised, restarted, and scaled on its own.
//
// Usage:
//
//	tars llm         Language-model worker (llm/request -> llm/response)
//	tars memory      Conversation memory and RAG worker
//	tars wake        Wake-activation worker
//	tars router      Conversation router (stt/final -> llm/request)
//	tars bridge      MCP tool bridge (llm/tool.call.request dispatch)
//	tars ops         Fleet observability (healthz, metrics, event tail)
//	tars fanout      Audio fan-out server (PCM source -> unix socket)
//	tars movement    Servo routine sequencer
//	tars version     Print version and build information
//
// Configuration is read entirely from the environment (MQTT_URL,
// TARS_LOG_LEVEL, and the per-worker variables documented in
// internal/config).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ZinkoSoft/tars-go/internal/bridge"
	"github.com/ZinkoSoft/tars-go/internal/buildinfo"
	"github.com/ZinkoSoft/tars-go/internal/config"
	"github.com/ZinkoSoft/tars-go/internal/embeddings"
	"github.com/ZinkoSoft/tars-go/internal/fanout"
	"github.com/ZinkoSoft/tars-go/internal/llm"
	"github.com/ZinkoSoft/tars-go/internal/memory"
	"github.com/ZinkoSoft/tars-go/internal/movement"
	"github.com/ZinkoSoft/tars-go/internal/mqtt"
	"github.com/ZinkoSoft/tars-go/internal/ops"
	"github.com/ZinkoSoft/tars-go/internal/router"
	"github.com/ZinkoSoft/tars-go/internal/wake"
)

// shutdownGrace bounds how long a worker gets to detach from the broker
// after its context is cancelled.
const shutdownGrace = 5 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the tars command. Arguments are parsed
// by hand: the flag package relies on package-level globals, which makes
// it impossible to call run() concurrently from tests, and the argument
// surface here is two flags and a verb.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var outputFmt string // "text" (default) or "json", version only
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "llm":
		return runLLM(ctx, stdout)
	case "memory":
		return runMemory(ctx, stdout)
	case "wake":
		return runWake(ctx, stdout)
	case "router":
		return runRouter(ctx, stdout)
	case "bridge":
		return runBridge(ctx, stdout)
	case "ops":
		return runOps(ctx, stdout)
	case "fanout":
		return runFanout(ctx, stdout)
	case "movement":
		return runMovement(ctx, stdout)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// worker is the shape every fleet service shares: Run blocks until the
// context is cancelled or the service fails.
type worker interface {
	Run(ctx context.Context) error
}

// buildFunc constructs one worker against a connected broker client. The
// returned cleanup (may be nil) runs after the worker stops, before the
// client disconnects.
type buildFunc func(ctx context.Context, logger *slog.Logger, client *mqtt.Client) (worker, func(), error)

// runWorker is the shared lifecycle for every broker-attached subcommand:
// logger, signal handling, MQTT connect, worker run, graceful detach.
func runWorker(ctx context.Context, stdout io.Writer, clientID string, build buildFunc) error {
	logger, closeLog := newLogger(stdout, config.LoadLogging())
	defer closeLog()

	logger.Info("starting worker", "worker", clientID,
		"version", buildinfo.Version, "commit", buildinfo.GitCommit)

	mqttCfg := config.LoadMQTT(clientID)
	if err := mqttCfg.Validate(); err != nil {
		return fmt.Errorf("mqtt config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := mqtt.NewClient(mqttCfg, logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := client.Shutdown(sdCtx); err != nil {
			logger.Warn("mqtt shutdown failed", "error", err)
		}
	}()

	w, cleanup, err := build(ctx, logger, client)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped", "worker", clientID)
	return nil
}

func runLLM(ctx context.Context, stdout io.Writer) error {
	return runWorker(ctx, stdout, "tars-llm", func(_ context.Context, logger *slog.Logger, client *mqtt.Client) (worker, func(), error) {
		cfg := config.LoadLLM()
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("llm config: %w", err)
		}
		return llm.NewWorker(cfg, client, logger), nil, nil
	})
}

func runMemory(ctx context.Context, stdout io.Writer) error {
	return runWorker(ctx, stdout, "tars-memory", func(ctx context.Context, logger *slog.Logger, client *mqtt.Client) (worker, func(), error) {
		cfg := config.LoadMemory()
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("memory config: %w", err)
		}
		store, err := memory.Open(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		embed := embeddings.New(embeddings.Config{BaseURL: cfg.OllamaURL, Model: cfg.EmbedModel})
		w := memory.NewWorker(cfg, client, store, embed, logger)
		cleanup := func() {
			if err := store.Close(); err != nil {
				logger.Warn("close memory store failed", "error", err)
			}
		}
		return w, cleanup, nil
	})
}

func runWake(ctx context.Context, stdout io.Writer) error {
	return runWorker(ctx, stdout, "tars-wake", func(_ context.Context, logger *slog.Logger, client *mqtt.Client) (worker, func(), error) {
		return wake.NewWorker(config.LoadWake(), client, nil, logger), nil, nil
	})
}

func runRouter(ctx context.Context, stdout io.Writer) error {
	return runWorker(ctx, stdout, "tars-router", func(_ context.Context, logger *slog.Logger, client *mqtt.Client) (worker, func(), error) {
		return router.NewWorker(config.LoadRouter(), client, logger), nil, nil
	})
}

func runBridge(ctx context.Context, stdout io.Writer) error {
	return runWorker(ctx, stdout, "tars-bridge", func(_ context.Context, logger *slog.Logger, client *mqtt.Client) (worker, func(), error) {
		return bridge.NewWorker(config.LoadBridge(), client, logger), nil, nil
	})
}

func runOps(ctx context.Context, stdout io.Writer) error {
	return runWorker(ctx, stdout, "tars-ops", func(_ context.Context, logger *slog.Logger, client *mqtt.Client) (worker, func(), error) {
		return ops.NewWorker(config.LoadOps(), client, logger), nil, nil
	})
}

func runMovement(ctx context.Context, stdout io.Writer) error {
	return runWorker(ctx, stdout, "tars-movement", func(_ context.Context, logger *slog.Logger, client *mqtt.Client) (worker, func(), error) {
		return movement.NewWorker(config.LoadMovement(), client, logger), nil, nil
	})
}

// errSourceDrained signals a clean end of the PCM source so the errgroup
// tears down the socket server too.
var errSourceDrained = errors.New("pcm source drained")

// runFanout serves the audio fan-out socket. It is the one subcommand
// with no broker connection: audio frames stay on the local machine.
func runFanout(ctx context.Context, stdout io.Writer) error {
	logger, closeLog := newLogger(stdout, config.LoadLogging())
	defer closeLog()

	cfg := config.LoadFanout()
	logger.Info("starting worker", "worker", "tars-fanout",
		"version", buildinfo.Version, "socket", cfg.Socket, "source", cfg.Source)

	srv := fanout.NewServer(cfg.Socket, logger)
	if err := srv.Listen(); err != nil {
		return err
	}
	defer srv.Close()

	src, closeSrc, err := openPCMSource(cfg.Source)
	if err != nil {
		return err
	}
	defer closeSrc()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error {
		if err := srv.Pump(gctx, src, cfg.SampleRate, cfg.FrameMs); err != nil {
			return err
		}
		if gctx.Err() != nil {
			return nil
		}
		logger.Info("pcm source drained, shutting down")
		return errSourceDrained
	})

	err = g.Wait()
	if errors.Is(err, errSourceDrained) || errors.Is(err, context.Canceled) {
		logger.Info("worker stopped", "worker", "tars-fanout")
		return nil
	}
	return err
}

// openPCMSource opens the configured capture source: "-" reads stdin
// (the usual arrangement, piped from arecord or similar), anything else
// is opened as a file or fifo.
func openPCMSource(source string) (io.Reader, func(), error) {
	if source == "-" || source == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(source)
	if err != nil {
		return nil, nil, fmt.Errorf("open pcm source: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when tars
// is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "TARS - distributed voice assistant fleet")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tars [flags] <worker>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Workers:")
	fmt.Fprintln(w, "  llm         Language-model worker (llm/request -> llm/response)")
	fmt.Fprintln(w, "  memory      Conversation memory and RAG worker")
	fmt.Fprintln(w, "  wake        Wake-activation worker")
	fmt.Fprintln(w, "  router      Conversation router (stt/final -> llm/request)")
	fmt.Fprintln(w, "  bridge      MCP tool bridge")
	fmt.Fprintln(w, "  ops         Fleet observability (healthz, metrics, event tail)")
	fmt.Fprintln(w, "  fanout      Audio fan-out server (PCM source -> unix socket)")
	fmt.Fprintln(w, "  movement    Servo routine sequencer")
	fmt.Fprintln(w, "  version     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -o, --output fmt  Output format for version: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "All configuration is read from the environment; see internal/config")
	fmt.Fprintln(w, "for the full variable reference (MQTT_URL, TARS_LOG_LEVEL, ...).")
	return nil
}

// newLogger builds the worker logger from the shared logging options:
// stdout always, plus a size-rotated file when TARS_LOG_FILE is set. An
// unknown level degrades to info rather than refusing to start, matching
// the config package's lenient parsing.
func newLogger(w io.Writer, cfg config.Logging) (*slog.Logger, func()) {
	level, levelErr := config.ParseLogLevel(cfg.Level)
	if levelErr != nil {
		level = slog.LevelInfo
	}

	out := w
	cleanup := func() {}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: 3,
			Compress:   true,
		}
		out = io.MultiWriter(w, rotator)
		cleanup = func() { rotator.Close() }
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)
	if levelErr != nil {
		logger.Warn("unknown log level, using info", "error", levelErr)
	}
	return logger, cleanup
}

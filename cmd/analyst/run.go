package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/danshapiro/analyst/internal/config"
	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/degrade"
	"github.com/danshapiro/analyst/internal/engine"
	"github.com/danshapiro/analyst/internal/events"
	"github.com/danshapiro/analyst/internal/metrics"
	"github.com/danshapiro/analyst/internal/sandbox"
	"github.com/danshapiro/analyst/internal/schema"
)

// exitDegraded is the exit code of a run that ended in a degraded artifact
// when --strict is set.
const exitDegraded = 3

type runOptions struct {
	*rootOptions
	data       string
	script     string
	candidates []string
	repeat     bool
	query      string
	intent     string
	runID      string
	out        string
	strict     bool
	progress   bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	o := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run --data <glob> --script <file> [--candidate <file>]...",
		Short: "Analyze datasets with a script, retrying and degrading as needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return o.run(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.data, "data", "", "doublestar glob of CSV files, e.g. data/**/*.csv")
	f.StringVar(&o.script, "script", "", "initial analysis script")
	f.StringArrayVar(&o.candidates, "candidate", nil, "follow-up script offered on retry (repeatable, in order)")
	f.BoolVar(&o.repeat, "repeat-last", false, "keep offering the last candidate once the list is exhausted")
	f.StringVar(&o.query, "query", "", "natural-language question the script answers")
	f.StringVar(&o.intent, "intent", "", "analysis intent: revenue, trend, correlation, comparison or generic")
	f.StringVar(&o.runID, "run-id", "", "run identifier (default: a new ULID)")
	f.StringVar(&o.out, "out", "", "write the artifact here instead of stdout")
	f.BoolVar(&o.strict, "strict", false, fmt.Sprintf("exit %d when the result is degraded", exitDegraded))
	f.BoolVar(&o.progress, "progress", false, "print progress events to stderr as the run advances")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func (o *runOptions) run(ctx context.Context, stdout, stderr io.Writer) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	// The logger and the progress printer share stderr.
	stderr = &lockedWriter{w: stderr}
	logger := newLogger(stderr, cfg, o.debug)

	catalog, err := dataset.LoadGlob(o.data)
	if err != nil {
		return err
	}
	initial, err := readScript(o.script)
	if err != nil {
		return err
	}
	var candidates []string
	for _, p := range o.candidates {
		code, err := readScript(p)
		if err != nil {
			return err
		}
		candidates = append(candidates, code)
	}
	if initial == "" && len(candidates) == 0 {
		return fmt.Errorf("nothing to run: pass --script or --candidate")
	}

	var progress io.Writer
	if o.progress {
		progress = stderr
	}
	sink, closeSinks, err := buildSinks(cfg, logger, progress)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ecfg, err := cfg.Engine()
	if err != nil {
		closeSinks()
		return err
	}
	reconciler := schema.New(cfg.Reconciler)
	orch := engine.NewOrchestrator(
		&engine.ScriptedGenerator{Candidates: candidates, Repeat: o.repeat},
		sandbox.New(newWorker(cfg, logger), logger),
		reconciler,
		ecfg,
		engine.WithEvents(sink),
		engine.WithMetrics(m),
		engine.WithLogger(logger),
	)
	art := engine.NewAnalyzer(orch, degrade.New(reconciler, logger)).Analyze(ctx, engine.Request{
		RunID:       o.runID,
		Query:       o.query,
		Intent:      o.intent,
		Catalog:     catalog,
		InitialCode: initial,
	})
	closeSinks()

	if cfg.Metrics.TextfilePath != "" {
		if err := prometheus.WriteToTextfile(cfg.Metrics.TextfilePath, reg); err != nil {
			logger.Warn("write metrics textfile", "path", cfg.Metrics.TextfilePath, "error", err)
		}
	}
	if o.out != "" {
		if err := art.Save(o.out); err != nil {
			return fmt.Errorf("save artifact: %w", err)
		}
		logger.Info("artifact written", "path", o.out, "run_id", art.RunID, "success", art.Success)
	} else {
		if err := writeJSON(stdout, art); err != nil {
			return err
		}
	}
	if o.strict && !art.Success {
		return &exitError{code: exitDegraded, msg: "analysis degraded: " + art.ErrorReport.Summary}
	}
	return nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func readScript(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(b), nil
}

func newWorker(cfg *config.Config, logger *slog.Logger) sandbox.Worker {
	if cfg.Sandbox.Worker == config.WorkerProcess {
		return &sandbox.ProcessWorker{Logger: logger}
	}
	return sandbox.InProcessWorker{}
}

// buildSinks wires the configured progress sinks behind one bounded queue.
// A non-nil progress writer also receives a line per event through a
// broadcaster. The returned close func drains the queue and releases the
// sinks.
func buildSinks(cfg *config.Config, logger *slog.Logger, progress io.Writer) (events.Sink, func(), error) {
	var sinks events.Multi
	var closers []func()
	if progress != nil {
		b := events.NewBroadcaster()
		wait := events.Follow(b, progress)
		sinks = append(sinks, b)
		closers = append(closers, func() {
			b.Close()
			wait()
		})
	}
	if p := cfg.Events.NDJSONPath; p != "" {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, nil, fmt.Errorf("open progress log: %w", err)
		}
		sinks = append(sinks, events.NewNDJSONSink(f))
		closers = append(closers, func() { _ = f.Close() })
	}
	if url := cfg.Events.RedisURL; url != "" {
		client, err := events.NewRedisClient(url)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, nil, fmt.Errorf("events.redis_url: %w", err)
		}
		sinks = append(sinks, events.NewRedisSink(client, cfg.Events.RedisStream, cfg.Events.RedisMaxLen, logger))
		closers = append(closers, func() { _ = client.Close() })
	}
	if len(sinks) == 0 {
		return events.Discard, func() {}, nil
	}
	async := events.NewAsync(sinks, cfg.Events.QueueSize)
	return async, func() {
		async.Close()
		if n := async.Dropped(); n > 0 {
			logger.Warn("progress events dropped", "count", n)
		}
		for _, c := range closers {
			c()
		}
	}, nil
}

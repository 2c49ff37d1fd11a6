// Package daemon implements the captain process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/captain/internal/config"
	logpkg "firestige.xyz/captain/internal/log"
	"firestige.xyz/captain/internal/metrics"
	"firestige.xyz/captain/internal/pipeline"
	"firestige.xyz/captain/internal/recording"
	"firestige.xyz/captain/internal/sink"
	"firestige.xyz/captain/internal/source"
)

// Version is reported at startup and by the CLI.
const Version = "0.1.0"

const defaultShutdownTimeout = 10 * time.Second

// Option customises a Daemon.
type Option func(*Daemon)

// WithSink replaces the configured sink.
func WithSink(s sink.Sink) Option {
	return func(d *Daemon) { d.sink = s }
}

// WithPIDFile writes the process ID to path while running.
func WithPIDFile(path string) Option {
	return func(d *Daemon) { d.pidFile = path }
}

// WithShutdownTimeout bounds how long Stop waits for pipelines to drain.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(d *Daemon) { d.shutdownTimeout = timeout }
}

// Daemon wires the source, the decoding engine and the sink together.
type Daemon struct {
	// Configuration
	config          *config.Config
	configPath      string
	pidFile         string
	shutdownTimeout time.Duration

	// Core components
	engine        *pipeline.Engine
	sink          sink.Sink
	recorder      *recording.Manager
	filter        *source.Filter
	metricsServer *metrics.Server // nil if metrics disabled
	logCloser     io.Closer

	// Lifecycle management
	ctx       context.Context
	cancel    context.CancelFunc
	forwardWG sync.WaitGroup
	stopFwd   context.CancelFunc
	sigChan   chan os.Signal
	stopOnce  sync.Once
	stopErr   error
}

// New loads the configuration at configPath. An empty path runs on defaults.
func New(configPath string, opts ...Option) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewWithConfig(cfg, configPath, opts...), nil
}

// NewWithConfig creates a daemon from an already validated configuration.
func NewWithConfig(cfg *config.Config, configPath string, opts ...Option) *Daemon {
	d := &Daemon{
		config:          cfg,
		configPath:      configPath,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Config returns the effective configuration.
func (d *Daemon) Config() *config.Config { return d.config }

// Engine returns the decoding engine, nil before Start.
func (d *Daemon) Engine() *pipeline.Engine { return d.engine }

// Start initializes every component and launches the pipelines.
func (d *Daemon) Start() error {
	// 1. Logging first so the rest of startup is visible
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting captain",
		"version", Version,
		"config", d.configPath,
		"pipelines", d.config.Pipeline.Instances,
		"sink", d.config.Sink.Type,
	)

	// 2. PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Metrics endpoint
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Capture filter
	filter, err := source.ParseFilter(d.config.Source.BPF)
	if err != nil {
		return fmt.Errorf("failed to load capture filter: %w", err)
	}
	d.filter = filter

	// 5. Sink
	if d.sink == nil {
		s, err := sink.New(d.config.Sink)
		if err != nil {
			return fmt.Errorf("failed to create sink: %w", err)
		}
		d.sink = s
	}

	// 6. Recording tee
	var opts []pipeline.EngineOption
	if d.config.Recording.Enabled {
		rec, err := recording.NewManager(d.config.Recording)
		if err != nil {
			return fmt.Errorf("failed to create recording manager: %w", err)
		}
		d.recorder = rec
		opts = append(opts, pipeline.WithRecording(rec))

		var fwdCtx context.Context
		fwdCtx, d.stopFwd = context.WithCancel(d.ctx)
		d.forwardWG.Add(1)
		go func() {
			defer d.forwardWG.Done()
			rec.Forward(fwdCtx, d.sink, d.config.Pipeline.BatchSize)
		}()
		slog.Info("recording enabled", "targets", rec.Targets(), "ttl", d.config.Recording.TTL)
	}

	// 7. Decoding engine
	engine, err := pipeline.NewEngine(d.config, d.sink, opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	d.engine = engine
	d.engine.Start(d.ctx)

	slog.Info("captain started")
	return nil
}

// Run feeds the capture at input ("-" for stdin) through the engine and
// stops once it is exhausted. SIGTERM and SIGINT stop reading early and
// still drain what was read; SIGHUP reloads the log settings.
// It returns the number of frames delivered to the engine.
func (d *Daemon) Run(input string) (int, error) {
	reader, err := source.Open(input, d.filter)
	if err != nil {
		d.Stop()
		return 0, err
	}
	defer reader.Close()

	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	readCtx, stopReading := context.WithCancel(d.ctx)
	defer stopReading()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := reader.Run(readCtx, d.engine.Submit)
		done <- result{n, err}
	}()

	slog.Info("reading capture", "input", input, "link_type", reader.LinkType())

	var res result
loop:
	for {
		select {
		case res = <-done:
			break loop
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				stopReading()
			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}
		}
	}

	if errors.Is(res.err, context.Canceled) {
		res.err = nil
	}
	slog.Info("capture finished", "input", input, "frames", res.n)

	stopErr := d.Stop()
	return res.n, errors.Join(res.err, stopErr)
}

// Stop drains the engine, flushes the recording queue and releases every
// component. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.stopErr = d.stop()
	})
	return d.stopErr
}

func (d *Daemon) stop() error {
	slog.Info("initiating graceful shutdown")
	var errs []error

	// 1. Drain pipelines and flush shard batches
	if d.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
		if err := d.engine.Stop(ctx); err != nil {
			slog.Error("error stopping engine", "error", err)
			errs = append(errs, err)
		}
		cancel()
		for _, st := range d.engine.Stats() {
			slog.Info("pipeline stats",
				"pipeline", st.PipelineID,
				"received", st.Received,
				"batches", st.Batches,
				"batch_failures", st.BatchFailures)
		}
	}

	// 2. Recording queue, after the last Record call
	if d.stopFwd != nil {
		d.stopFwd()
		d.forwardWG.Wait()
	}

	// 3. Sink
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			slog.Error("error closing sink", "sink", d.sink.Name(), "error", err)
			errs = append(errs, err)
		}
	}

	// 4. Metrics
	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(ctx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		cancel()
	}

	d.cancel()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("captain stopped")
	if d.logCloser != nil {
		if err := d.logCloser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reload re-reads the configuration file and applies the log settings.
// Everything else requires a restart.
func (d *Daemon) Reload() error {
	if d.configPath == "" {
		return nil
	}
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	old := d.config.Log
	d.config.Log = newConfig.Log
	if err := d.initLogging(); err != nil {
		d.config.Log = old
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}

	requiresRestart := []string{}
	if newConfig.Pipeline != d.config.Pipeline {
		requiresRestart = append(requiresRestart, "pipeline")
	}
	if newConfig.Metrics != d.config.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	slog.Info("configuration reloaded",
		"hot_reloaded", []string{"log"},
		"requires_restart", requiresRestart,
	)
	return nil
}

// initLogging installs the configured logger and closes the previous one.
func (d *Daemon) initLogging() error {
	closer, err := logpkg.Init(d.config.Log)
	if err != nil {
		return err
	}
	if d.logCloser != nil {
		d.logCloser.Close()
	}
	d.logCloser = closer

	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}

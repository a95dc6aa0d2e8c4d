// Package main provides the pagebrowse manager: the process that hosts a
// pool of browser windows and serves the frame protocol on stdin/stdout.
// Nothing but protocol frames may be written to stdout, so diagnostics go to
// the session log file (or stderr with -log-stderr).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/pagebrowse/pkg/config"
	"github.com/entrhq/pagebrowse/pkg/engine"
	"github.com/entrhq/pagebrowse/pkg/engine/playwright"
	"github.com/entrhq/pagebrowse/pkg/logging"
	"github.com/entrhq/pagebrowse/pkg/manager"
	"github.com/entrhq/pagebrowse/pkg/protocol"
)

const (
	version = "0.1.0" // Version of the pagebrowse manager

	shutdownTimeout = 5 * time.Second
)

// Flags holds the command line options
type Flags struct {
	Count       int
	Visible     bool
	InitScript  string
	ConfigPath  string
	MetricsAddr string
	Browser     string
	Install     bool
	LogLevel    string
	LogStderr   bool
	ShowVersion bool
}

func main() {
	log.SetOutput(os.Stderr)

	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	if flags.ShowVersion {
		fmt.Printf("pagebrowse-manager v%s\n", version)
		return
	}

	cfg, err := buildConfig(flags)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		cancel()
		log.Fatalf("pagebrowse-manager: %v", err)
	}
}

// parseFlags parses the command line
func parseFlags(args []string, output io.Writer) (*Flags, error) {
	flags := &Flags{}

	fs := flag.NewFlagSet("pagebrowse-manager", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.IntVar(&flags.Count, "count", 0, "Create a pool of N windows at startup instead of waiting for Initialize")
	fs.BoolVar(&flags.Visible, "visible", false, "Show windows on screen (with -count)")
	fs.StringVar(&flags.InitScript, "init-script", "", "File with a script to run in every page before its own (with -count)")
	fs.StringVar(&flags.ConfigPath, "config", "", "Path to configuration file (YAML)")
	fs.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
	fs.StringVar(&flags.Browser, "browser", "", "Browser engine: chromium, firefox or webkit")
	fs.BoolVar(&flags.Install, "install", false, "Install the Playwright driver and browser before starting")
	fs.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.BoolVar(&flags.LogStderr, "log-stderr", false, "Log to stderr instead of the session log file")
	fs.BoolVar(&flags.ShowVersion, "version", false, "Show version and exit")

	fs.Usage = func() {
		fmt.Fprintf(output, "pagebrowse-manager - a pool of browser windows behind a stdio protocol\n\n")
		fmt.Fprintf(output, "Usage: pagebrowse-manager [options]\n\n")
		fmt.Fprintf(output, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(output, "\nEnvironment Variables:\n")
		fmt.Fprintf(output, "  %s    Directory for session log files\n", logging.LogDirEnv)
		fmt.Fprintf(output, "\nExamples:\n")
		fmt.Fprintf(output, "  pagebrowse-manager                      # Wait for Initialize on stdin\n")
		fmt.Fprintf(output, "  pagebrowse-manager -count 4 -visible\n")
		fmt.Fprintf(output, "  pagebrowse-manager -config pagebrowse.yaml -metrics-addr :9464\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return flags, nil
}

// buildConfig loads the config file, if any, and applies flag overrides
func buildConfig(flags *Flags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.ConfigPath != "" {
		loaded, err := config.LoadFile(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flags.Count != 0 {
		cfg.PoolSize = flags.Count
	}
	if flags.Visible {
		cfg.Visible = true
	}
	if flags.InitScript != "" {
		cfg.InitScript = ""
		cfg.InitScriptFile = flags.InitScript
	}
	if flags.MetricsAddr != "" {
		cfg.MetricsAddr = flags.MetricsAddr
	}
	if flags.Browser != "" {
		cfg.Browser.Name = flags.Browser
	}
	if flags.Install {
		cfg.Browser.Install = true
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}
	if flags.LogStderr {
		cfg.Logging.Stderr = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	var logger *logging.Logger
	if cfg.Logging.Stderr {
		logger = logging.NewWriterLogger("manager", os.Stderr)
	} else {
		// NewLogger falls back to stderr when the log directory is unusable.
		logger, _ = logging.NewLogger("manager")
	}
	logger.SetLevel(level)
	return logger, nil
}

// run serves one client on stdin/stdout until it disconnects or ctx ends
func run(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.Infof("pagebrowse-manager v%s starting (browser=%s)", version, cfg.Browser.Name)

	policy, err := config.NewNavigationPolicy(cfg.Navigation.Allowed, cfg.Navigation.Denied)
	if err != nil {
		return err
	}

	eng, err := playwright.New(playwright.Config{
		Browser: cfg.Browser.Name,
		Install: cfg.Browser.Install,
		Timeout: float64(cfg.Browser.Timeout.Milliseconds()),
		Logger:  logger.With("engine"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warnf("failed to close browser engine: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	worker, err := manager.NewWorker(manager.Options{
		Engine:      eng,
		Logger:      logger.With("worker"),
		Metrics:     manager.NewMetrics(reg),
		Policy:      policy,
		Screenshots: cfg.Screenshots,
		Viewport:    engine.Size{
			Width:  cfg.Browser.Viewport.Width,
			Height: cfg.Browser.Viewport.Height,
		},
	})
	if err != nil {
		return err
	}

	if cfg.PoolSize > 0 {
		script, err := cfg.LoadInitScript()
		if err != nil {
			return err
		}
		params := protocol.InitializationParams{
			PoolSize:   cfg.PoolSize,
			Visible:    cfg.Visible,
			InitScript: script,
		}
		if err := worker.Preinitialize(ctx, params); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The client closing stdin ends the process.
		defer cancel()
		return worker.Serve(gctx, os.Stdin, os.Stdout)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logger.Infof("serving metrics on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Infof("shutting down")
		return nil
	}
	return err
}

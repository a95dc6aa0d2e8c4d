// Package main provides a demo client for the pagebrowse manager. It leases
// a set of windows, loads a page in each, labels every page's heading and
// screenshots the result, then prints a YAML summary of what happened.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/entrhq/pagebrowse/pkg/client"
)

const (
	version    = "0.1.0"
	defaultURL = "https://example.com/"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	Manager     string
	PoolSize    int
	Jobs        int
	URL         string
	Width       int
	Height      int
	OutputDir   string
	Visible     bool
	Timeout     time.Duration
	ShowVersion bool
}

// WindowResult summarizes one job
type WindowResult struct {
	Job        int    `yaml:"job"`
	WindowID   uint32 `yaml:"window_id"`
	Title      string `yaml:"title,omitempty"`
	Screenshot string `yaml:"screenshot,omitempty"`
	Error      string `yaml:"error,omitempty"`
}

// Summary is printed when every job has finished
type Summary struct {
	URL      string         `yaml:"url"`
	PoolSize int            `yaml:"pool_size"`
	Duration string         `yaml:"duration"`
	Windows  []WindowResult `yaml:"windows"`
}

func main() {
	config := parseFlags()

	if config.ShowVersion {
		fmt.Printf("pagebrowse v%s\n", version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if config.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, config.Timeout)
		defer cancelTimeout()
	}

	if err := run(ctx, config); err != nil {
		cancel()
		log.Printf("pagebrowse: %v", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags
func parseFlags() *CLIConfig {
	config := &CLIConfig{}

	flag.StringVar(&config.Manager, "manager", "", "Path to the pagebrowse-manager binary (or set "+client.ManagerEnv+")")
	flag.IntVar(&config.PoolSize, "windows", 4, "Number of windows in the pool")
	flag.IntVar(&config.Jobs, "jobs", 0, "Number of pages to process (default: one per window)")
	flag.StringVar(&config.URL, "url", defaultURL, "Page to load in every window")
	flag.IntVar(&config.Width, "width", 1280, "Window width")
	flag.IntVar(&config.Height, "height", 800, "Window height")
	flag.StringVar(&config.OutputDir, "out", ".", "Directory for screenshots")
	flag.BoolVar(&config.Visible, "visible", false, "Show windows on screen")
	flag.DurationVar(&config.Timeout, "timeout", 2*time.Minute, "Overall timeout")
	flag.BoolVar(&config.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "pagebrowse - drive a pool of browser windows\n\n")
		fmt.Fprintf(os.Stderr, "Usage: pagebrowse [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  pagebrowse -windows 4 -jobs 12 -url https://example.com/\n")
		fmt.Fprintf(os.Stderr, "  pagebrowse -visible -out /tmp/shots\n")
	}

	flag.Parse()
	if config.Jobs <= 0 {
		config.Jobs = config.PoolSize
	}
	return config
}

func run(ctx context.Context, config *CLIConfig) error {
	outDir, err := filepath.Abs(config.OutputDir)
	if err != nil {
		return fmt.Errorf("invalid output directory: %w", err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	builder := client.NewBuilder(config.PoolSize).Visible(config.Visible)
	if config.Manager != "" {
		builder = builder.Binary(config.Manager)
	}

	start := time.Now()
	browser, err := builder.Launch(ctx)
	if err != nil {
		return err
	}
	defer browser.Close()

	summary := Summary{
		URL:      config.URL,
		PoolSize: config.PoolSize,
		Windows:  make([]WindowResult, config.Jobs),
	}

	// More jobs than windows simply queue in the manager's pool.
	g, gctx := errgroup.WithContext(ctx)
	for job := 0; job < config.Jobs; job++ {
		g.Go(func() error {
			summary.Windows[job] = processPage(gctx, browser, config, outDir, job)
			if client.IsConnectionError(browser.Err()) {
				return browser.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	summary.Duration = time.Since(start).Round(time.Millisecond).String()

	out, err := yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

// processPage runs one job on a leased window and always releases it. The
// release is awaited so it reaches the manager before the browser closes.
func processPage(ctx context.Context, browser *client.Browser, config *CLIConfig, outDir string, job int) (result WindowResult) {
	result = WindowResult{Job: job}

	win, err := browser.NewWindow(ctx)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer func() {
		if err := win.Release(ctx); err != nil && result.Error == "" {
			result.Error = fmt.Sprintf("failed to release window: %v", err)
		}
	}()
	result.WindowID = win.ID()

	if err := win.Navigate(ctx, config.URL, true); err != nil {
		result.Error = err.Error()
		return result
	}
	if err := win.Resize(ctx, config.Width, config.Height); err != nil {
		result.Error = err.Error()
		return result
	}

	script := fmt.Sprintf("(() => { const h = document.querySelector('h1'); if (h) h.innerText = 'Window %d'; return document.title; })()", job)
	title, err := win.EvaluateScript(ctx, script)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if s, ok := title.(string); ok {
		result.Title = s
	}

	path := filepath.Join(outDir, fmt.Sprintf("screenshot-%d.png", job))
	if err := win.Screenshot(ctx, path); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Screenshot = path
	return result
}

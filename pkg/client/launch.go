package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/entrhq/pagebrowse/pkg/logging"
	"github.com/entrhq/pagebrowse/pkg/protocol"
)

const (
	// ManagerEnv overrides the manager binary Launch starts.
	ManagerEnv = "PAGEBROWSE_MANAGER"

	// DefaultManager is looked up on PATH when neither Binary nor
	// ManagerEnv is set.
	DefaultManager = "pagebrowse-manager"
)

// Builder configures and launches a manager process.
type Builder struct {
	poolSize   int
	visible    bool
	initScript *string
	binary     string
	args       []string
	logger     *logging.Logger
	stderr     io.Writer
}

// NewBuilder returns a Builder for a pool of poolSize windows.
func NewBuilder(poolSize int) *Builder {
	return &Builder{poolSize: poolSize}
}

// Visible shows the pool's windows on screen.
func (b *Builder) Visible(visible bool) *Builder {
	b.visible = visible
	return b
}

// InitScript runs script in every page before its own scripts.
func (b *Builder) InitScript(script string) *Builder {
	b.initScript = &script
	return b
}

// Binary sets the manager executable.
func (b *Builder) Binary(path string) *Builder {
	b.binary = path
	return b
}

// Args passes extra command line arguments to the manager.
func (b *Builder) Args(args ...string) *Builder {
	b.args = append(b.args, args...)
	return b
}

// Logger sets where the connection logs dropped frames and shutdown.
func (b *Builder) Logger(logger *logging.Logger) *Builder {
	b.logger = logger
	return b
}

// Stderr receives the manager's standard error. Defaults to os.Stderr.
func (b *Builder) Stderr(w io.Writer) *Builder {
	b.stderr = w
	return b
}

func (b *Builder) managerPath() string {
	if b.binary != "" {
		return b.binary
	}
	if path := os.Getenv(ManagerEnv); path != "" {
		return path
	}
	return DefaultManager
}

// Launch starts the manager, sends Initialize, and returns the connection
// once the pool is ready. ctx bounds startup only; the process lives until
// Close.
func (b *Builder) Launch(ctx context.Context) (*Browser, error) {
	if b.poolSize < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", b.poolSize)
	}

	path := b.managerPath()
	cmd := exec.Command(path, b.args...)
	cmd.Stderr = b.stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open manager stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open manager stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	browser := NewBrowser(stdout, stdin, b.logger)
	browser.cmd = cmd

	params := protocol.InitializationParams{
		PoolSize:   b.poolSize,
		Visible:    b.visible,
		InitScript: b.initScript,
	}
	if err := browser.Initialize(ctx, params); err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("failed to initialize manager: %w", err)
	}
	return browser, nil
}

// ABOUTME: CLI entrypoint for the ad canvas client with headless, TUI, export, and dev-backend modes.
// ABOUTME: Wires config, logging, SQLite persistence, the session pipeline, and signal handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/2389-research/adcanvas/api"
	"github.com/2389-research/adcanvas/canvas"
	"github.com/2389-research/adcanvas/config"
	"github.com/2389-research/adcanvas/devserver"
	"github.com/2389-research/adcanvas/logging"
	"github.com/2389-research/adcanvas/persist"
	"github.com/2389-research/adcanvas/session"
	"github.com/2389-research/adcanvas/stream"
	"github.com/2389-research/adcanvas/tui"
)

var version = "dev"

// cliOptions holds flags and the positional product URL.
type cliOptions struct {
	backend     string
	project     string
	dataDir     string
	nImages     int
	dev         bool
	tuiMode     bool
	verbose     bool
	exportPath  string
	showVersion bool
	productURL  string
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("adcanvas %s\n", version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, opts, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// parseFlags parses command-line flags into cliOptions.
func parseFlags(args []string, stderr io.Writer) (cliOptions, error) {
	var opts cliOptions

	fs := flag.NewFlagSet("adcanvas", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.backend, "backend", "", "Backend base URL (default: $ADCANVAS_BACKEND)")
	fs.StringVar(&opts.project, "project", "", "Project ID (default: $ADCANVAS_PROJECT)")
	fs.StringVar(&opts.dataDir, "data-dir", "", "Data directory (default: $XDG_DATA_HOME/adcanvas)")
	fs.IntVar(&opts.nImages, "n", 0, "Images to generate, 1-8 (default: $ADCANVAS_N_IMAGES)")
	fs.BoolVar(&opts.dev, "dev", false, "Run the simulated backend in-process")
	fs.BoolVar(&opts.tuiMode, "tui", false, "Run with interactive terminal UI")
	fs.BoolVar(&opts.verbose, "verbose", false, "Debug logging")
	fs.StringVar(&opts.exportPath, "export", "", "Write the project to a .md, .html, or .yaml file")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	fs.Usage = func() { printHelp(stderr, version) }

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		opts.productURL = fs.Arg(0)
	}
	return opts, nil
}

// resolveConfig layers flags over the environment.
func resolveConfig(opts cliOptions) (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if opts.backend != "" {
		cfg.Backend = opts.backend
	}
	if opts.project != "" {
		cfg.Project = opts.project
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.nImages != 0 {
		cfg.NImages = opts.nImages
	}
	if opts.verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run executes the selected mode and returns the process exit code.
func run(ctx context.Context, opts cliOptions, stdout, stderr io.Writer) int {
	cfg, err := resolveConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	if !opts.tuiMode && opts.productURL == "" && opts.exportPath == "" {
		printHelp(stderr, version)
		return 2
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "error: create data dir: %v\n", err)
		return 1
	}

	logger, closeLog, err := buildLogger(cfg, opts.tuiMode, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer closeLog()

	if opts.dev {
		addr, stopDev, err := startDevServer(ctx, cfg, logger)
		if err != nil {
			fmt.Fprintf(stderr, "error: start dev server: %v\n", err)
			return 1
		}
		defer stopDev()
		cfg.Backend = "http://" + addr
	}

	sess, closeStore, err := openSession(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer closeStore()
	defer sess.Close()

	if err := sess.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not load project history")
	}

	code := 0
	switch {
	case opts.tuiMode:
		code = runTUI(ctx, sess, cfg, opts.productURL)
	case opts.productURL != "":
		code = runHeadless(ctx, sess, opts.productURL, cfg.NImages, stdout)
	}

	if opts.exportPath != "" {
		if err := sess.Flush(ctx); err != nil {
			logger.Warn().Err(err).Msg("persistence flush before export")
		}
		if err := writeExport(opts.exportPath, sess); err != nil {
			fmt.Fprintf(stderr, "error: export: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "exported project %q to %s\n", cfg.Project, opts.exportPath)
	}
	return code
}

// buildLogger writes to stderr, or to a file in the data dir when the TUI owns the terminal.
func buildLogger(cfg *config.Config, toFile bool, stderr io.Writer) (zerolog.Logger, func(), error) {
	if !toFile {
		return logging.NewWithWriter(stderr, cfg.LogLevel, cfg.LogPretty), func() {}, nil
	}
	f, err := os.OpenFile(filepath.Join(cfg.DataDir, "adcanvas.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
	}
	return logging.NewWithWriter(f, cfg.LogLevel, false), func() { _ = f.Close() }, nil
}

// startDevServer serves the simulated backend on cfg.DevAddr and returns its address.
func startDevServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", cfg.DevAddr)
	if err != nil {
		return "", nil, err
	}
	srv := devserver.New(devserver.Config{StepDelay: cfg.DevStepDelay, Logger: logger})
	devCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(devCtx, ln); err != nil {
			logger.Error().Err(err).Msg("dev server stopped")
		}
	}()
	return ln.Addr().String(), func() {
		cancel()
		<-done
	}, nil
}

// openSession opens SQLite storage and the write journal and builds the session.
func openSession(cfg *config.Config, logger zerolog.Logger) (*session.Session, func(), error) {
	db, err := persist.OpenSQLite(cfg.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	journal, err := persist.OpenJournal(cfg.JournalPath())
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}

	streamCfg := stream.DefaultConfig()
	streamCfg.MaxReconnects = cfg.MaxReconnects
	streamCfg.WatchdogTimeout = cfg.WatchdogTimeout

	sess := session.New(
		api.NewClient(cfg.Backend, nil),
		stream.NewHTTPTransport(cfg.Backend, nil),
		session.Config{ProjectID: cfg.Project, NImages: cfg.NImages, Stream: streamCfg},
		session.WithLogger(logger),
		session.WithSizer(canvas.NewHTTPSizer(cfg.Backend)),
		session.WithPersistence(db,
			persist.WithJournal(journal),
			persist.WithRateLimit(cfg.OutboxRatePerSec, 5),
		),
	)
	// The outbox closes the journal when the session closes.
	return sess, func() { _ = db.Close() }, nil
}

// runTUI runs the interactive terminal UI until the user quits.
func runTUI(ctx context.Context, sess *session.Session, cfg *config.Config, productURL string) int {
	model := tui.NewAppModel(ctx, sess, cfg.NImages)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	updates := sess.Subscribe()
	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go tui.NewBridge(p.Send).Forward(bridgeCtx, updates)

	if productURL != "" {
		go func() { p.Send(tui.GenerateCmd(ctx, sess, productURL, cfg.NImages)()) }()
	}

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// Command tailall follows every regular file beneath a directory tree, like
// "tail -f" over a whole, changing subtree. New bytes are written to stdout
// with a "# <path>" banner whenever the emitting file changes.
//
// Usage:
//
//	tailall [-config FILE] [-log-level LEVEL] [-status-addr ADDR] [ROOT]
//
// ROOT defaults to the configured root, then the current directory.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/tailall/tailall/internal/config"
	"github.com/tailall/tailall/internal/inotify"
	"github.com/tailall/tailall/internal/sink"
	"github.com/tailall/tailall/internal/status"
	"github.com/tailall/tailall/internal/tail"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tailall", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML configuration file")
	logLevel := fs.String("log-level", "", "override log_level: debug | info | warn | error")
	statusAddr := fs.String("status-addr", "", "override status.addr, e.g. 127.0.0.1:9100")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: tailall [flags] [ROOT]")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Follow every regular file beneath ROOT (a directory, default \".\").")
		fmt.Fprintln(stderr)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return exitUsage
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(stderr, "tailall: %v\n", err)
			return exitFatal
		}
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *statusAddr != "" {
		cfg.Status.Addr = *statusAddr
	}
	if fs.NArg() == 1 {
		cfg.Root = fs.Arg(0)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "tailall: %v\n", err)
		fs.Usage()
		return exitUsage
	}

	// A bare file is a usage mistake, not a runtime failure.
	if fi, err := os.Stat(cfg.Root); err == nil && !fi.IsDir() {
		fmt.Fprintf(stderr, "tailall: %s is not a directory\n", cfg.Root)
		fs.Usage()
		return exitUsage
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat, stderr)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("root", cfg.Root),
		slog.String("log_level", cfg.LogLevel),
		slog.String("archive", cfg.Archive.Driver),
		slog.String("status_addr", cfg.Status.Addr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Output sinks ──────────────────────────────────────────────────────────
	out := sink.Multi{sink.NewConsole(stdout, useColor(cfg.Color, stdout))}
	if cfg.Archive.Driver != "" {
		archive, err := openArchive(ctx, cfg.Archive)
		if err != nil {
			logger.Error("failed to open archive", slog.Any("error", err))
			return exitFatal
		}
		out = append(out, archive)
		logger.Info("archive enabled", slog.String("driver", cfg.Archive.Driver))
	}
	var stream *status.Broadcaster
	if cfg.Status.Addr != "" {
		stream = status.NewBroadcaster(logger, cfg.Status.StreamBuffer)
		out = append(out, stream)
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Warn("closing sinks", slog.Any("error", err))
		}
	}()

	// ── Session ───────────────────────────────────────────────────────────────
	w, err := inotify.New()
	if err != nil {
		logger.Error("failed to initialise inotify", slog.Any("error", err))
		return exitFatal
	}
	defer w.Close()

	sess := tail.New(w, out, tail.Options{
		Root:          cfg.Root,
		BufferSize:    cfg.BufferSize,
		RegistryPower: cfg.RegistryPower,
		MaxDepth:      cfg.MaxDepth,
		MaxPathLen:    cfg.MaxPathLen,
		CompactEvery:  cfg.CompactEvery,
		Logger:        logger,
	})
	if err := sess.Open(); err != nil {
		logger.Error("failed to watch root", slog.String("root", cfg.Root), slog.Any("error", err))
		return exitFatal
	}
	defer sess.Close()

	// ── Status server ─────────────────────────────────────────────────────────
	if cfg.Status.Addr != "" {
		httpServer, err := startStatus(cfg.Status, sess, stream, logger)
		if err != nil {
			logger.Error("failed to start status server", slog.Any("error", err))
			return exitFatal
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status server shutdown error", slog.Any("error", err))
			}
		}()
	}

	// ── Run until signal or fatal error ───────────────────────────────────────
	if err := sess.Run(ctx); err != nil {
		logger.Error("tailall stopped", slog.Any("error", err))
		return exitFatal
	}

	st := sess.Stats()
	logger.Info("tailall exited cleanly",
		slog.Uint64("tails", st.Tails),
		slog.String("emitted", st.BytesHuman),
	)
	return exitOK
}

func openArchive(ctx context.Context, cfg config.ArchiveConfig) (sink.Sink, error) {
	switch cfg.Driver {
	case "sqlite":
		return sink.OpenSQLite(cfg.DSN)
	case "postgres":
		return sink.OpenPostgres(ctx, cfg.DSN, cfg.BatchSize, cfg.FlushInterval)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

// startStatus binds the listener synchronously so a busy port fails
// startup, then serves in the background.
func startStatus(cfg config.StatusConfig, src status.Source, stream *status.Broadcaster, logger *slog.Logger) (*http.Server, error) {
	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKey != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("read JWT public key: %w", err)
		}
		if pubKey, err = status.ParseRSAPublicKey(pem); err != nil {
			return nil, err
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("status.jwt_public_key not configured; status API authentication disabled")
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:      status.NewRouter(status.NewServer(src, stream), pubKey, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("status server listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", slog.Any("error", err))
		}
	}()
	return srv, nil
}

// useColor resolves the color setting. "auto" colours only a terminal and
// honours NO_COLOR.
func useColor(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newLogger constructs a *slog.Logger writing to w at the requested minimum
// level, as JSON unless format is "text".
func newLogger(level, format string, w io.Writer) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: l}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

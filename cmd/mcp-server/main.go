// Command mcp-server is a runnable demonstration of the transport core:
// it mounts both wire encodings behind one process, authenticating
// callers with an optional JWT secret and backing each transport with
// its own session.Registry, per the teacher's own examples/http demo.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mcpstream/core/dispatcher"
	"github.com/mcpstream/core/internal/debugflag"
	"github.com/mcpstream/core/internal/util"
	"github.com/mcpstream/core/session"
	"github.com/mcpstream/core/ssehttp"
	"github.com/mcpstream/core/streamablehttp"
)

var cli struct {
	Listen        string  `default:":8080" help:"address to listen on"`
	ConfigFile    string  `help:"optional INI file (listen timeouts, body limits, rate limit); watched for changes"`
	LogsDir       string  `default:"." help:"directory for the rotated server log"`
	Debug         bool    `help:"log at debug level to stderr instead of the rotating JSON log"`
	AllowExternal bool    `help:"allow binding to a non-loopback address"`
	H2C           bool    `help:"also accept cleartext HTTP/2 (h2c), letting one connection multiplex a session's GET stream and its POSTs"`
	RateLimit     float64 `default:"5" help:"session creations allowed per second"`
	RateBurst     int     `default:"10" help:"session creation burst size"`
	JWTSecret     string  `env:"MCP_JWT_SECRET" help:"HMAC secret for verifying bearer tokens; if unset, requests are unauthenticated"`
}

func main() {
	kong.Parse(&cli,
		kong.Description("Demo server exposing both Streamable HTTP and legacy HTTP+SSE for the same dispatcher."),
	)

	logger := newLogger(cli.Debug, cli.LogsDir)
	slog.SetDefault(logger)

	if !cli.AllowExternal && !util.IsLoopback(cli.Listen) {
		logger.Error("refusing to bind to a non-loopback address without --allow-external", "listen", cli.Listen)
		os.Exit(1)
	}

	defaults := fileConfig{
		RateLimit:    rate.Limit(cli.RateLimit),
		RateBurst:    cli.RateBurst,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // unbounded: long-poll GETs and SSE streams must not be cut off
		MaxBodyBytes: 1 << 20,
	}
	cfg, err := loadFileConfig(cli.ConfigFile, defaults)
	if err != nil {
		logger.Error("loading config file", "error", err)
		os.Exit(1)
	}

	metrics := session.NewMetrics()
	authenticate := newAuthFunc(cli.JWTSecret)

	streamReg := session.NewRegistry(
		session.WithCreationRateLimit(cfg.RateLimit, cfg.RateBurst),
		session.WithMetrics(metrics),
	)
	defer streamReg.Shutdown()
	sseReg := session.NewRegistry(
		session.WithCreationRateLimit(cfg.RateLimit, cfg.RateBurst),
		session.WithMetrics(metrics),
	)
	defer sseReg.Shutdown()

	echoBufferSize := debugflag.Int("echobuffer", 64)
	newDispatcher := func() dispatcher.Dispatcher { return dispatcher.NewEcho(echoBufferSize) }

	streamableHandler := streamablehttp.NewHandler(streamReg, newDispatcher, authenticate)
	sseHandler := ssehttp.NewHandler(sseReg, newDispatcher, authenticate, "/message")

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamableHandler)
	mux.Handle("/sse", sseHandler)
	mux.Handle("/message", sseHandler)
	mux.Handle("/metrics", metrics.Handler())

	maxBody := &atomic.Int64{}
	maxBody.Store(cfg.MaxBodyBytes)
	limited := limitBodySize(mux, maxBody)

	var handler http.Handler = limited
	if cli.H2C {
		handler = h2c.NewHandler(limited, &http2.Server{})
	}

	srv := &http.Server{
		Addr:         cli.Listen,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	if cli.ConfigFile != "" {
		stop, err := watchConfig(cli.ConfigFile, logger, func(cfg fileConfig) {
			streamReg.SetCreationRateLimit(cfg.RateLimit, cfg.RateBurst)
			sseReg.SetCreationRateLimit(cfg.RateLimit, cfg.RateBurst)
			maxBody.Store(cfg.MaxBodyBytes)
		}, defaults)
		if err != nil {
			logger.Error("starting config watcher", "error", err)
			os.Exit(1)
		}
		defer stop()
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("mcp-server listening", "addr", cli.Listen, "h2c", cli.H2C)
		errc <- srv.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
	case sig := <-sigc:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		streamReg.Shutdown()
		sseReg.Shutdown()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}
}

// newLogger builds the ambient slog.Logger: JSON logs rotated with
// lumberjack in production, plain text to stderr under --debug, the
// same split the teacher's own examples/logging-middleware uses between
// its production JSON handler and ad hoc debug output.
func newLogger(debug bool, logsDir string) *slog.Logger {
	if debug {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logsDir, "mcp-server.log"),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}
	out := io.MultiWriter(rotator, os.Stderr)
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// newAuthFunc returns an AuthFunc verifying bearer JWTs with an HMAC key
// derived from secret, or nil (meaning "unauthenticated") if secret is
// empty.
func newAuthFunc(secret string) func(*http.Request) (*session.Principal, error) {
	if secret == "" {
		return nil
	}
	keyFunc := func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}
	return func(req *http.Request) (*session.Principal, error) {
		return session.PrincipalFromRequest(req, keyFunc)
	}
}

// limitBodySize wraps next, capping every request body to the current
// value of max (which watchConfig may update live).
func limitBodySize(next http.Handler, max *atomic.Int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if n := max.Load(); n > 0 {
			req.Body = http.MaxBytesReader(w, req.Body, n)
		}
		next.ServeHTTP(w, req)
	})
}

// watchConfig watches path with fsnotify and invokes onChange with the
// freshly reloaded configuration whenever the file is written, letting a
// long-lived server reload its rate limit and body-size cap without a
// restart.
func watchConfig(path string, logger *slog.Logger, onChange func(fileConfig), defaults fileConfig) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("mcp-server: creating config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("mcp-server: watching %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				cfg, err := loadFileConfig(path, defaults)
				if err != nil {
					logger.Error("reloading config file", "error", err)
					continue
				}
				logger.Info("config file reloaded", "rate_limit", cfg.RateLimit, "rate_burst", cfg.RateBurst)
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("config watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		w.Close()
	}, nil
}

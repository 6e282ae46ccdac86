// Command livetrack starts the live location tracker.
//
// It supports two modes:
//  1. "serve" (default) – runs the HTTP server exposing the REST API, WebSocket observers, and an /mcp HTTP endpoint
//  2. "mcp" – runs an MCP stdio server against a running API, or spins up an internal one if none answers
//
// Settings come from the environment (and .env); flags override host/port,
// store driver, debug logging and the optional ngrok tunnel.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
	"golang.org/x/sync/errgroup"

	"github.com/wricardo/livetrack/api"
	"github.com/wricardo/livetrack/telemetry"
	"github.com/wricardo/livetrack/tracking/broadcast"
	"github.com/wricardo/livetrack/tracking/config"
	"github.com/wricardo/livetrack/tracking/service"
	"github.com/wricardo/livetrack/tracking/session"
	"github.com/wricardo/livetrack/transport/mcp"
	"github.com/wricardo/livetrack/transport/websocket"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Live Tracker Server"

	serviceName     = "livetrack"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("livetrack failed", "error", err)
		os.Exit(1)
	}
}

// newApp builds the command tree.
func newApp() *cli.Command {
	return &cli.Command{
		Name:    serviceName,
		Usage:   AppName,
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "HTTP server host (HOST)"},
			&cli.IntFlag{Name: "port", Usage: "HTTP server port (PORT)"},
			&cli.StringFlag{Name: "store", Usage: "Store driver: memory, sqlite or postgres (STORE_DRIVER)"},
			&cli.BoolFlag{Name: "debug", Usage: "Enable debug logging"},
			&cli.BoolFlag{Name: "ngrok", Usage: "Enable ngrok tunnel (NGROK_ENABLED)"},
			&cli.StringFlag{Name: "ngrok-auth", Usage: "Ngrok auth token (NGROK_AUTHTOKEN)"},
			&cli.StringFlag{Name: "ngrok-domain", Usage: "Custom ngrok domain (NGROK_DOMAIN)"},
		},
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"server", "http"},
				Usage:   "Run HTTP server with API, WebSocket, and MCP endpoint",
				Action:  runServe,
			},
			{
				Name:    "mcp",
				Aliases: []string{"stdio-mcp", "mcp-stdio"},
				Usage:   "Run MCP stdio server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "api-url",
						Value: "http://localhost:8080",
						Usage: "REST API to proxy to; an internal one starts if it does not answer",
					},
				},
				Action: runStdioMCP,
			},
		},
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("host") {
		cfg.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Port = cmd.Int("port")
	}
	if cmd.IsSet("store") {
		cfg.StoreDriver = strings.ToLower(cmd.String("store"))
	}
	if cmd.Bool("debug") {
		cfg.LogLevel = "debug"
	}
	if cmd.Bool("ngrok") {
		cfg.NgrokEnabled = true
	}
	if cmd.IsSet("ngrok-auth") {
		cfg.NgrokAuthToken = cmd.String("ngrok-auth")
	}
	if cmd.IsSet("ngrok-domain") {
		cfg.NgrokDomain = cmd.String("ngrok-domain")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads config, installs the default logger and starts tracing.
func setup(ctx context.Context, cmd *cli.Command, mode string) (*config.Config, *slog.Logger, telemetry.ShutdownFunc, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	// Logs always go to stderr; stdout belongs to the MCP protocol in stdio mode.
	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting", "app", AppName, "version", Version, "mode", mode, "store", cfg.StoreDriver)

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, Version, cfg.OTelEndpoint)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("setup tracing: %w", err)
	}
	return cfg, logger, shutdownTracing, nil
}

// services holds the wired tracker and its resources.
type services struct {
	store   service.SessionStore
	tracker service.TrackerService
	hub     *websocket.Hub
}

// initializeServices opens the store and wires allocator, registry, fan-out
// engine, tracker and WebSocket hub.
func initializeServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}

	registry := broadcast.NewRegistry()
	tracker := service.NewTrackerService(
		store,
		session.NewAllocator(store, session.WithMaxAttempts(cfg.CodeAttempts)),
		broadcast.NewEngine(registry, logger),
		registry,
		service.Options{
			StoreTimeout: cfg.StoreTimeout,
			Logger:       logger,
		},
	)

	return &services{
		store:   store,
		tracker: tracker,
		hub:     websocket.NewHub(tracker, cfg.ChannelBuffer, logger),
	}, nil
}

// Close disconnects observers and closes the store.
func (s *services) Close() error {
	s.hub.Close()
	return s.store.Close()
}

func openStore(ctx context.Context, cfg *config.Config) (service.SessionStore, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return session.NewMemoryStore(), nil
	case config.DriverSQLite:
		return session.OpenSQLite(cfg.SQLitePath)
	case config.DriverPostgres:
		return session.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalidConfig, cfg.StoreDriver)
	}
}

// newHandler mounts the REST API at the root and the MCP proxy at /mcp.
func newHandler(svc *services, baseURL string, logger *slog.Logger) http.Handler {
	mainRouter := http.NewServeMux()
	mainRouter.Handle("/", api.NewServer(svc.tracker, svc.hub, logger))

	mcpClient := mcp.NewClient(baseURL, Version)
	mainRouter.HandleFunc("/mcp", mcpHandler(mcpClient.GetMCPServer()))

	return mainRouter
}

// mcpHandler serves single JSON-RPC messages over HTTP POST.
func mcpHandler(mcpServer *server.MCPServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := mcpServer.HandleMessage(r.Context(), body)
		if response == nil {
			// notifications have no reply
			w.WriteHeader(http.StatusAccepted)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			slog.Error("failed to write MCP response", "error", err)
		}
	}
}

// loopbackURL is the address the in-process MCP proxy uses to reach the API.
func loopbackURL(cfg *config.Config) string {
	host := cfg.Host
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, fmt.Sprint(cfg.Port))
}

// runServe runs the HTTP server until SIGINT/SIGTERM, plus the optional ngrok
// tunnel serving the same handler.
func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, shutdownTracing, err := setup(ctx, cmd, "serve")
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := initializeServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	handler := newHandler(svc, loopbackURL(cfg), logger)
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := cfg.Addr()
		logger.Info("HTTP server listening", "addr", addr)
		logger.Info("endpoints",
			"rest", "http://"+addr,
			"websocket", "ws://"+addr+"/ws?code=<code>",
			"mcp", "http://"+addr+"/mcp")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	if cfg.NgrokEnabled {
		g.Go(func() error {
			runNgrok(gctx, cfg, handler, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		svc.hub.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// runNgrok exposes handler through an ngrok tunnel until ctx is done. Tunnel
// failures are logged and never stop the main server.
func runNgrok(ctx context.Context, cfg *config.Config, handler http.Handler, logger *slog.Logger) {
	if cfg.NgrokAuthToken == "" {
		logger.Warn("ngrok enabled but no auth token provided (use --ngrok-auth or NGROK_AUTHTOKEN)")
		return
	}

	var tunnel ngrokConfig.Tunnel
	if cfg.NgrokDomain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.NgrokDomain))
		logger.Info("using custom ngrok domain", "domain", cfg.NgrokDomain)
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	logger.Info("starting ngrok tunnel")
	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(cfg.NgrokAuthToken))
	if err != nil {
		logger.Error("failed to start ngrok tunnel", "error", err)
		return
	}

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			logger.Warn("failed to close ngrok tunnel", "error", err)
		}
	}()

	ngrokURL := tun.URL()
	logger.Info("ngrok tunnel established",
		"url", ngrokURL,
		"websocket", ngrokURL+"/ws?code=<code>",
		"mcp", ngrokURL+"/mcp")

	if err := http.Serve(tun, handler); err != nil && ctx.Err() == nil {
		logger.Error("ngrok server error", "error", err)
	}
	logger.Info("ngrok tunnel closed")
}

// runStdioMCP runs an MCP stdio server. It reuses the API at --api-url when
// its health check answers; otherwise it serves an internal API on a random
// loopback port and targets that.
func runStdioMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, shutdownTracing, err := setup(ctx, cmd, "mcp")
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	baseURL := strings.TrimRight(cmd.String("api-url"), "/")
	logger.Info("checking for external API server", "url", baseURL)

	if !apiAvailable(ctx, baseURL) {
		logger.Info("no external API server found, starting internal HTTP server")

		svc, err := initializeServices(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to get available port: %w", err)
		}

		httpServer := &http.Server{Handler: api.NewServer(svc.tracker, svc.hub, logger)}
		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("internal HTTP server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()

		baseURL = "http://" + listener.Addr().String()
		logger.Info("internal HTTP server started", "url", baseURL)
	} else {
		logger.Info("external API server found, using it for MCP", "url", baseURL)
	}

	mcpClient := mcp.NewClient(baseURL, Version)
	logger.Info("MCP stdio server ready")

	if err := server.ServeStdio(mcpClient.GetMCPServer()); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}
	return nil
}

// apiAvailable reports whether a tracker API answers its health check.
func apiAvailable(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

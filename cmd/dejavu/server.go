package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/dejavu/internal/api"
	"github.com/kalambet/dejavu/internal/composer"
	"github.com/kalambet/dejavu/internal/config"
	"github.com/kalambet/dejavu/internal/decoy"
	"github.com/kalambet/dejavu/internal/engine"
	"github.com/kalambet/dejavu/internal/gate"
	"github.com/kalambet/dejavu/internal/matcher"
	"github.com/kalambet/dejavu/internal/perturb"
	"github.com/kalambet/dejavu/internal/pipeline"
	"github.com/kalambet/dejavu/internal/retrieval"
	"github.com/kalambet/dejavu/internal/router"
	"github.com/kalambet/dejavu/internal/storage"
)

// defaultOwner is the identity used when a request does not name one.
const defaultOwner = "local"

const embeddingCacheTTL = 10 * time.Minute

var mcpStdio bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dejavu server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dejavu server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dejavu system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().BoolVar(&mcpStdio, "mcp-stdio", false, "serve MCP on stdin/stdout instead of the MCP port")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "dejavu.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// components is the wired application.
type components struct {
	handler http.Handler
	mcp     *server.MCPServer
	worker  *decoy.Worker
	reaper  *decoy.Reaper
}

// wire builds every component on top of an open store. local serves the
// router, perturbation, summaries and embeddings; chat writes the replies.
func wire(cfg config.Config, store *storage.Store, local, chat engine.Engine, token string) (*components, error) {
	// Background work shares one token bucket so a burst of feedback cannot
	// starve the interactive path.
	background := engine.NewLimited(local, cfg.Engine.RateLimit, cfg.Engine.Burst)

	embedder := retrieval.NewCachedEmbedder(retrieval.NewEmbedder(local, cfg.Ollama.EmbedModel), embeddingCacheTTL)
	index := retrieval.NewIndex(store.DB())

	rt := router.New(local, router.Config{
		Model:      cfg.Ollama.FastModel,
		Timeout:    cfg.Router.Timeout,
		FailPolicy: router.Route(cfg.Router.FailPolicy),
		CacheTTL:   cfg.Router.CacheTTL,
	})

	m, err := matcher.New(index, store, matcher.Config{
		TopK: cfg.Matcher.TopK,
		Weights: matcher.Weights{
			Precision: cfg.Matcher.PrecisionWeight,
			Discovery: cfg.Matcher.DiscoveryWeight,
			Surprise:  cfg.Matcher.SurpriseWeight,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building matcher: %w", err)
	}

	retry := engine.RetryPolicy{Attempts: cfg.Decoy.MaxAttempts, Base: cfg.Decoy.RetryBase}
	g := gate.New(store, background, gate.Config{Model: cfg.Ollama.FastModel, Retry: retry})

	worker := decoy.NewWorker(
		store,
		perturb.New(background, cfg.Ollama.FastModel),
		retrieval.NewEmbedder(background, cfg.Ollama.EmbedModel),
		g,
		decoy.Config{Workers: cfg.Decoy.Workers, Variants: cfg.Decoy.Variants, Retry: retry},
	)

	p := pipeline.New(pipeline.Deps{
		Router:    rt,
		Embedder:  embedder,
		Matcher:   m,
		Composer:  composer.New(0),
		Chat:      chat,
		Store:     store,
		Scheduler: decoy.NewFactory(store, cfg.Decoy.MaxAttempts),
		Gate:      g,
	}, pipeline.Config{
		ReplyModel:     cfg.Chat.Model,
		MatcherTimeout: cfg.Matcher.Timeout,
	})

	pool := api.NewPoolSearch(embedder, index, store)

	return &components{
		handler: api.NewHandler(api.Deps{
			Pipeline:     p,
			Store:        store,
			Pool:         pool,
			Token:        token,
			DefaultOwner: defaultOwner,
		}),
		mcp: api.NewMCPServer(api.MCPDeps{
			Pipeline: p,
			Pool:     pool,
			Lister:   store,
			Owner:    defaultOwner,
		}),
		worker: worker,
		reaper: decoy.NewReaper(store, cfg.Decoy.TTL, cfg.Decoy.ReapInterval),
	}, nil
}

func runServer() error {
	fmt.Fprintln(os.Stderr, versionLine())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Ensure API token exists in platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("dejavu is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("dejavu is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	local, err := engine.Detect(engine.DetectConfig{Backend: "ollama", OllamaBaseURL: cfg.Ollama.BaseURL})
	if err != nil {
		return fmt.Errorf("detecting local engine: %w", err)
	}
	models := []string{cfg.Ollama.FastModel, cfg.Ollama.EmbedModel}
	chat := local
	if cfg.Chat.Backend == "ollama" {
		models = append(models, cfg.Chat.Model)
	} else {
		chat, err = engine.Detect(engine.DetectConfig{
			Backend:       cfg.Chat.Backend,
			OpenAIBaseURL: cfg.OpenAI.BaseURL,
			OpenAIAPIKey:  cfg.OpenAI.APIKey,
		})
		if err != nil {
			return fmt.Errorf("detecting chat engine: %w", err)
		}
	}
	if err := engine.EnsureReady(ctx, local, os.Stderr, models...); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	app, err := wire(cfg, store, local, chat, apiToken)
	if err != nil {
		return err
	}

	// Workers must stop before the store closes.
	var bg sync.WaitGroup
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer func() {
		cancelBg()
		bg.Wait()
	}()
	bg.Add(2)
	go func() {
		defer bg.Done()
		app.worker.Run(bgCtx)
	}()
	go func() {
		defer bg.Done()
		app.reaper.Run(bgCtx)
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var mcpHTTP *server.StreamableHTTPServer
	if mcpStdio {
		stdioSrv := server.NewStdioServer(app.mcp)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	} else {
		mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
		mcpHTTP = server.NewStreamableHTTPServer(app.mcp)
		go func() {
			if err := mcpHTTP.Start(mcpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("MCP HTTP server error", "error", err)
			}
		}()
		slog.Info("MCP server started (streamable HTTP)", "addr", mcpAddr)
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "dejavu listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if mcpHTTP != nil {
		if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
			slog.Warn("MCP shutdown", "error", err)
		}
	}
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("dejavu is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop dejavu (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to dejavu (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d (MCP %d)", cfg.Server.Port, cfg.Server.MCPPort)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	local := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if local.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}

	printStatus("Fast model", "%s", cfg.Ollama.FastModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Chat", "%s (%s)", cfg.Chat.Model, cfg.Chat.Backend)

	if running {
		c, err := newAPIClient()
		if err == nil {
			if st, err := fetchStatus(ctx, c); err == nil {
				printStatus("Pool entries", "%d", st.PoolSize)
				printStatus("Decoy jobs", "%d pending, %d running, %d failed",
					st.Jobs[storage.JobPending], st.Jobs[storage.JobRunning], st.Jobs[storage.JobFailed])
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchStatus(ctx context.Context, c *apiClient) (api.StatusResponse, error) {
	var st api.StatusResponse
	resp, err := c.get(ctx, "/v1/status")
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
}

// Atrium is a chat backend for Autodesk Revit users.
//
// It streams multi-model LLM responses over a WebSocket (or one-shot
// SSE), augments them with retrieved document context, and delegates
// tool calls to a Revit MCP endpoint bound per chat session.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	atrium serve              Start the API server
//	atrium init [dir]         Initialize a working directory with defaults
//	atrium version            Print version and build information
//	atrium -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/atriumhq/atrium/internal/api"
	"github.com/atriumhq/atrium/internal/archive"
	"github.com/atriumhq/atrium/internal/buildinfo"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/connwatch"
	"github.com/atriumhq/atrium/internal/discovery"
	"github.com/atriumhq/atrium/internal/events"
	"github.com/atriumhq/atrium/internal/llm"
	"github.com/atriumhq/atrium/internal/mcp"
	"github.com/atriumhq/atrium/internal/mqtt"
	"github.com/atriumhq/atrium/internal/orchestrator"
	"github.com/atriumhq/atrium/internal/retrieval"
	"github.com/atriumhq/atrium/internal/session"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the atrium command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Atrium - Revit chat backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: atrium [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/atrium/config.yaml, /etc/atrium/config.yaml")
	return nil
}

// runServe handles the "atrium serve" subcommand. It is the primary
// operating mode: loads config, opens the archive database, wires the
// session registry, orchestrator, and discovery resolver together,
// starts the API server, and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger, err := config.NewLogger(stdout, "info", "text")
	if err != nil {
		return err
	}
	logger.Info("starting Atrium", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. Everything before this point logs at Info in text.
	logger, err = config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	// --- Data directory ---
	// The transcript archive and the MQTT instance id live here.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Ops event bus ---
	// Components publish lifecycle and turn events; the /events endpoint
	// and the last-request tracker subscribe.
	bus := events.New()

	// --- Default MCP binding ---
	// REVIT_MCP_* environment values and the mcp config section seed the
	// binding applied to newly created sessions. Sessions can still be
	// rebound individually through the API.
	var defaultBinding *mcp.Descriptor
	if cfg.MCP.Enabled {
		settings := mcp.Settings{
			URL:       cfg.MCP.URL,
			Transport: cfg.MCP.Transport,
			Main:      cfg.MCP.Main,
			Command:   cfg.MCP.Command,
			Args:      cfg.MCP.Args,
		}
		if settings.URL != "" || settings.Main != "" || settings.Command != "" {
			desc, err := mcp.DescriptorFromSettings(settings)
			if err != nil {
				return fmt.Errorf("mcp config: %w", err)
			}
			defaultBinding = &desc
			logger.Info("default MCP binding configured",
				"transport", string(desc.Kind),
				"endpoint", desc.Endpoint(),
			)
		}
	} else {
		logger.Info("MCP subsystem disabled; sessions start unbound")
	}

	// --- Session registry ---
	registry := session.NewRegistry(session.Config{
		MaxMessages:    cfg.Sessions.MaxMessages,
		IdleTimeout:    time.Duration(cfg.Sessions.IdleTimeoutMin) * time.Minute,
		ConnectTimeout: time.Duration(cfg.MCP.ConnectTimeoutSec) * time.Second,
		InvokeTimeout:  time.Duration(cfg.MCP.InvokeTimeoutSec) * time.Second,
		DefaultBinding: defaultBinding,
		Bus:            bus,
		Logger:         logger,
	})
	defer registry.Close()

	// --- Connection resilience ---
	// Background health monitoring with backoff for the external
	// dependencies: the model provider, the retrieval collaborator, and
	// the MQTT broker. Feeds the /healthz component table.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// --- LLM client ---
	// Multi-provider client routing each model name to its configured
	// provider. Unknown models fall back to Ollama.
	streamTimeout := time.Duration(cfg.Models.StreamTimeoutSec) * time.Second
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, streamTimeout, logger)
	llmClient := createLLMClient(cfg, logger, ollamaClient)

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "ollama",
		Probe:   func(pCtx context.Context) error { return ollamaClient.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	// --- Retrieval collaborator ---
	// Optional external service answering POST {url}/search. When
	// disabled, every turn gets an empty retrieval-context event.
	var retriever orchestrator.Retriever
	if cfg.Retrieval.Enabled {
		retrievalClient := retrieval.New(retrieval.Config{
			URL:     cfg.Retrieval.URL,
			TopK:    cfg.Retrieval.TopK,
			Timeout: time.Duration(cfg.Retrieval.TimeoutSec) * time.Second,
			Logger:  logger,
		})
		retriever = retrievalClient

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "retrieval",
			Probe:   func(pCtx context.Context) error { return retrievalClient.Ping(pCtx) },
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
		logger.Info("retrieval enabled", "url", cfg.Retrieval.URL, "top_k", cfg.Retrieval.TopK)
	} else {
		logger.Info("retrieval disabled")
	}

	// --- Transcript archive ---
	// Write-behind sqlite archive of completed turns; also the fallback
	// source for /chat/{id}/history after a session is swept.
	var archiveStore *archive.Store
	if cfg.Archive.Enabled {
		archivePath := cfg.Archive.Path
		if archivePath == "" {
			archivePath = filepath.Join(cfg.DataDir, "archive.db")
		}
		archiveStore, err = archive.NewStore(archivePath)
		if err != nil {
			return fmt.Errorf("open archive %s: %w", archivePath, err)
		}
		defer archiveStore.Close()
		logger.Info("archive opened", "path", archivePath)
	} else {
		logger.Info("archive disabled")
	}

	// --- Daily token accounting ---
	// Feeds /healthz counters and MQTT telemetry. Resets at local
	// midnight.
	dailyTokens := mqtt.NewDailyTokens(nil)

	// --- Orchestrator ---
	orch := orchestrator.New(orchestrator.Config{
		LLM:          llmClient,
		Registry:     registry,
		Retriever:    retriever,
		Archiver:     archiverOrNil(archiveStore),
		TokenSink:    dailyTokens,
		Bus:          bus,
		DefaultModel: cfg.Models.Default,
		SystemPrompt: cfg.Orchestrator.SystemPrompt,
		MaxToolDepth: cfg.Orchestrator.MaxToolDepth,
		Logger:       logger,
	})

	// --- Auto-discovery resolver ---
	resolver := discovery.NewResolver(discovery.Config{
		Registry:     registry,
		ProbeTimeout: time.Duration(cfg.MCP.ProbeTimeoutSec) * time.Second,
		Logger:       logger,
	})

	// --- Last-request tracker ---
	// Watches turn completions on the bus so telemetry can report when
	// the backend last did real work.
	lastRequest := newLastRequestTracker(ctx, bus)

	// --- MQTT telemetry ---
	// Optional: availability topic with a will message plus periodic
	// metric state publishes.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled && cfg.MQTT.Broker != "" {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}

		stats := &mqttStatsAdapter{
			model:       cfg.Models.Default,
			registry:    registry,
			lastRequest: lastRequest,
		}

		mqttPub = mqtt.New(cfg.MQTT, instanceID, dailyTokens, stats, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"instance_name", cfg.MQTT.InstanceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Session janitor ---
	// Periodic sweep of idle sessions; turns in flight are skipped.
	if cfg.Sessions.IdleTimeoutMin > 0 {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := registry.Sweep(); n > 0 {
						logger.Info("swept idle sessions", "count", n)
					}
				}
			}
		}()
	}

	// --- API server ---
	server := api.NewServer(api.Config{
		Address:      cfg.Listen.Address,
		Port:         cfg.Listen.Port,
		Runner:       orch,
		Registry:     registry,
		Resolver:     resolver,
		Archive:      archiveStore,
		Bus:          bus,
		Watchers:     connMgr,
		Tokens:       dailyTokens,
		DefaultModel: cfg.Models.Default,
		Models:       cfg.Models.Available,
		ProbeTimeout: time.Duration(cfg.MCP.ProbeTimeoutSec) * time.Second,
		Logger:       logger,
	})

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Atrium stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration file, then
// overlays the REVIT_MCP_* environment variables. If explicit is
// non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if err := config.ApplyEnv(cfg); err != nil {
		return nil, cfgPath, err
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider LLM client from the
// configuration. Each model listed in config is mapped to its
// provider; models not explicitly mapped fall through to Ollama. The
// OllamaClient is created externally so the caller can register a
// connwatch watcher on it.
func createLLMClient(cfg *config.Config, logger *slog.Logger, ollamaClient *llm.OllamaClient) llm.Client {
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.APIKey != "" {
		anthropicClient := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		multi.AddProvider("anthropic", anthropicClient)
		logger.Info("Anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		provider := m.Provider
		if provider == "" {
			provider = "ollama"
		}
		multi.AddModel(m.Name, provider)
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default)
	return multi
}

// archiverOrNil avoids storing a typed nil in the orchestrator's
// Archiver interface field when archiving is disabled.
func archiverOrNil(store *archive.Store) orchestrator.Archiver {
	if store == nil {
		return nil
	}
	return store
}

// lastRequestTracker records the completion time of the most recent
// turn, fed from the ops bus.
type lastRequestTracker struct {
	last atomic.Int64 // unix nanos; zero = never
}

func newLastRequestTracker(ctx context.Context, bus *events.Bus) *lastRequestTracker {
	t := &lastRequestTracker{}
	ch := bus.Subscribe(16)
	go func() {
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				if ev.Kind == events.KindTurnComplete {
					t.last.Store(ev.Timestamp.UnixNano())
				}
			}
		}
	}()
	return t
}

func (t *lastRequestTracker) Time() time.Time {
	n := t.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// mqttStatsAdapter bridges live server state to the MQTT publisher's
// [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	model       string
	registry    *session.Registry
	lastRequest *lastRequestTracker
}

func (a *mqttStatsAdapter) Uptime() time.Duration      { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string            { return buildinfo.Version }
func (a *mqttStatsAdapter) DefaultModel() string       { return a.model }
func (a *mqttStatsAdapter) ActiveSessions() int        { return a.registry.Len() }
func (a *mqttStatsAdapter) LastRequestTime() time.Time { return a.lastRequest.Time() }

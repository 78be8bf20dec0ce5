// Vesper is a desktop assistant agent. It drives an LLM through tool
// calls against a window manager and a code sandbox, and remembers
// durable facts about the user across conversations.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); a .env file in the
// working directory is loaded first so ${VAR} references in the YAML
// resolve.
//
// Usage:
//
//	vesper serve             Start the API server
//	vesper ask <question>    Ask a single question (for testing)
//	vesper version           Print version information
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
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hollis/vesper-agent/internal/agent"
	"github.com/hollis/vesper-agent/internal/api"
	"github.com/hollis/vesper-agent/internal/config"
	"github.com/hollis/vesper-agent/internal/embeddings"
	"github.com/hollis/vesper-agent/internal/httpkit"
	"github.com/hollis/vesper-agent/internal/llm"
	"github.com/hollis/vesper-agent/internal/memory"
	"github.com/hollis/vesper-agent/internal/sandbox"
	"github.com/hollis/vesper-agent/internal/tools"
	"github.com/hollis/vesper-agent/internal/winctl"
)

const version = "1.0.0"

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which interfere with calling
// run concurrently from tests, and the argument surface here is tiny.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
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

	switch command {
	case "version":
		fmt.Fprintf(stdout, "vesper %s\n", version)
		return nil
	case "serve", "ask":
		// Handled below after config load.
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}

	// .env before YAML so ${VAR} expansion in the config sees it.
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	switch command {
	case "serve":
		return serve(ctx, cfg, logger)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: vesper ask <question>")
		}
		return ask(ctx, cfg, logger, stdout, strings.Join(cmdArgs, " "))
	}
	return nil
}

// loadConfig finds and loads the YAML config, falling back to defaults
// when no file exists and none was requested explicitly.
func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildAgent wires the full component graph from config. The returned
// cleanup closes everything that was opened.
func buildAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent.Orchestrator, *memory.Service, func(), error) {
	var embedder memory.Embedder
	if cfg.Embeddings.Enabled {
		embedder = embeddings.New(embeddings.Config{
			BaseURL:    cfg.Embeddings.BaseURL,
			Model:      cfg.Embeddings.Model,
			Dimensions: cfg.Embeddings.Dimensions,
		})
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := memory.NewStore(
		filepath.Join(cfg.DataDir, "vesper.db"),
		embedder,
		memory.WithStoreLogger(logger),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open memory store: %w", err)
	}

	client := llm.NewOpenAIClient(
		cfg.LLM.BaseURL,
		cfg.LLM.APIKey,
		httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger)),
		llm.WithLogger(logger),
		llm.WithTemperature(cfg.LLM.Temperature),
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
	)

	extractionModel := cfg.Agent.ExtractionModel
	if extractionModel == "" {
		extractionModel = cfg.LLM.Model
	}
	extractor := memory.NewExtractor(client, extractionModel, store, logger)
	mem := memory.NewService(store, extractor, logger)

	var windows winctl.Manager
	if cfg.Windowing.URL != "" {
		wc := winctl.NewClient(cfg.Windowing.URL, logger)
		if err := wc.Connect(ctx); err != nil {
			logger.Warn("window manager unreachable, window tools disabled", "error", err)
		} else {
			windows = wc
		}
	}

	var runner sandbox.Runner
	if cfg.Sandbox.BaseURL != "" {
		runner = sandbox.NewClient(cfg.Sandbox.BaseURL, time.Duration(cfg.Sandbox.TimeoutSec)*time.Second)
	}

	registry := tools.NewRegistry(tools.Deps{
		Windows: windows,
		Sandbox: runner,
		Memory:  mem,
	}, logger)

	orch := agent.New(client, cfg.LLM.Model, registry, mem,
		agent.WithWindowManager(windows),
		agent.WithMaxToolIterations(cfg.Agent.MaxToolIterations),
		agent.WithLogger(logger),
	)

	cleanup := func() {
		mem.Close()
		if err := store.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
		if wc, ok := windows.(*winctl.Client); ok {
			wc.Close()
		}
	}
	return orch, mem, cleanup, nil
}

// serve runs the API server until SIGINT/SIGTERM.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, mem, cleanup, err := buildAgent(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, mem, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// ask runs a single turn against a fresh conversation and prints the
// answer. Useful for smoke-testing a deployment.
func ask(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer, question string) error {
	orch, _, cleanup, err := buildAgent(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	convID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	result, err := orch.Chat(ctx, convID.String(), "", question)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, result.Text)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `vesper %s

Usage:
  vesper serve             Start the API server
  vesper ask <question>    Ask a single question (for testing)
  vesper version           Print version information

Flags:
  -config <path>           Use an explicit config file
`, version)
	return nil
}

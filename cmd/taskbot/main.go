// TaskBot is a stateless chat service for managing personal tasks.
//
// Each chat turn reloads its conversation context from SQLite, drives a
// bounded tool-calling loop against a local model, and persists the
// transcript around the run — no conversation state ever lives in
// process memory between requests.
//
// Usage:
//
//	taskbot serve                 Start the API server
//	taskbot token <user-id>       Mint a dev bearer token for testing
//	taskbot -config path serve    Use an explicit config file
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
	"strings"
	"syscall"
	"time"

	"taskbot/internal/agent"
	"taskbot/internal/api"
	"taskbot/internal/auth"
	"taskbot/internal/chat"
	"taskbot/internal/config"
	"taskbot/internal/llm"
	"taskbot/internal/store"
	"taskbot/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// and delegates immediately to run, keeping os.Exit and os.Args out of
// the application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals, which interfere with parallel tests, and the argument
	// surface here is tiny.
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
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "token":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: taskbot token <user-id> [email]")
		}
		email := ""
		if len(cmdArgs) > 1 {
			email = cmdArgs[1]
		}
		return runToken(stdout, configPath, cmdArgs[0], email)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s (try: taskbot help)", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprint(w, `taskbot - chat-driven task management

Commands:
  serve              Start the API server (default)
  token <user-id>    Mint a dev bearer token for the given user
  help               Show this help

Flags:
  -config <path>     Config file (default: searched, see docs)
`)
	return nil
}

func loadConfig(configPath string) (*config.Config, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
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

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client := llm.NewOllamaClient(cfg.Models.OllamaURL)
	if err := client.Ping(ctx); err != nil {
		// The model server may come up after us; log and keep serving.
		logger.Warn("model server unreachable at startup", "url", cfg.Models.OllamaURL, "error", err)
	}

	registry := tools.NewRegistry(st, logger)
	runner := agent.NewRunner(client, registry, logger, cfg.Models.DefaultModel, cfg.Agent.MaxIterations)
	orch := chat.NewOrchestrator(st, runner, logger, cfg.Agent.HistoryLimit, cfg.AgentTimeout())
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.TokenTTL())

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, st, verifier, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func runToken(stdout io.Writer, configPath, userID, email string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.TokenTTL())
	token, err := verifier.Issue(userID, email)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	fmt.Fprintln(stdout, token)
	return nil
}

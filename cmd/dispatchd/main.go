package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/openclaw/dispatch/internal/adapters/linear"
	"github.com/openclaw/dispatch/internal/adapters/notifier"
	"github.com/openclaw/dispatch/internal/artifact"
	"github.com/openclaw/dispatch/internal/dispatch/agentrun"
	"github.com/openclaw/dispatch/internal/dispatch/hook"
	"github.com/openclaw/dispatch/internal/dispatch/monitor"
	"github.com/openclaw/dispatch/internal/dispatch/pipeline"
	"github.com/openclaw/dispatch/internal/dispatch/ports"
	"github.com/openclaw/dispatch/internal/dispatch/sessions"
	"github.com/openclaw/dispatch/internal/dispatch/store"
	"github.com/openclaw/dispatch/internal/dispatch/watchdog"
	"github.com/openclaw/dispatch/internal/dispatchconfig"
	"github.com/openclaw/dispatch/internal/history"

	ghclient "github.com/openclaw/dispatch/internal/adapters/github"
)

var version = "dev"

const defaultAddr = "127.0.0.1:7981"

func usage() {
	fmt.Fprintf(os.Stderr, `dispatchd — issue dispatch engine

Usage:
  dispatchd serve [flags]   Start the dispatch engine (default %s)

Flags:
  --addr     Address to listen on (default: %s)
  --config   Path to dispatch.yaml (default: discovered)
  --agent    Agent CLI command to invoke per run (default: env OPENCLAW_AGENT_CMD)

Environment:
  LINEAR_API_KEY               Use the Linear issue tracker backend
  GITHUB_OWNER / GITHUB_REPO / GITHUB_APP_CLIENT_ID /
  GITHUB_APP_INSTALLATION_ID / GITHUB_APP_KEY_PATH
                               Use the GitHub Issues backend instead
  OPENCLAW_WEBHOOK_URL         Notification webhook (optional)
  OPENCLAW_AGENT_CMD           Agent CLI command
`, defaultAddr, defaultAddr)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "--version", "version":
		fmt.Println("dispatchd " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	addr := defaultAddr
	configPath := ""
	agentCmd := os.Getenv("OPENCLAW_AGENT_CMD")

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			if i+1 < len(args) {
				addr = args[i+1]
				i++
			}
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--agent":
			if i+1 < len(args) {
				agentCmd = args[i+1]
				i++
			}
		}
	}

	if agentCmd == "" {
		return fmt.Errorf("no agent command configured (--agent or OPENCLAW_AGENT_CMD)")
	}

	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := dispatchconfig.Resolve(configPath)
	if err != nil {
		return err
	}

	statePath := cfg.DispatchStatePath
	if statePath == "" {
		if statePath, err = store.DefaultPath(); err != nil {
			return err
		}
	}
	st := store.New(statePath)

	registry := sessions.New()
	if err := registry.HydrateFromStore(st); err != nil {
		return fmt.Errorf("hydrating session registry: %w", err)
	}

	tracker, err := buildTracker()
	if err != nil {
		return err
	}

	var notify ports.Notifier
	if url := os.Getenv("OPENCLAW_WEBHOOK_URL"); url != "" {
		notify = notifier.New(url)
	}

	historyPath := cfg.HistoryPath
	if historyPath == "" {
		if historyPath, err = history.DefaultPath(); err != nil {
			return err
		}
	}
	archive, err := history.Open(historyPath)
	if err != nil {
		return err
	}
	defer archive.Close()

	artifactsDir := cfg.ArtifactsDir
	if artifactsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		artifactsDir = home + "/.openclaw/artifacts"
	}
	artifacts := artifact.New(artifactsDir)

	wrapper := agentrun.New(newExecRunner(agentCmd), watchdog.Config{
		Inactivity:  cfg.WatchdogInactivity(),
		MaxTotal:    cfg.WatchdogMaxTotal(),
		ToolTimeout: cfg.WatchdogToolTimeout(),
	}, logger)

	prompts, err := newTemplatePrompts()
	if err != nil {
		return err
	}

	pipe := pipeline.New(pipeline.Config{
		Store:             st,
		Sessions:          registry,
		Tracker:           tracker,
		Runner:            wrapper,
		Notifier:          notify,
		Prompts:           prompts,
		Artifacts:         artifacts,
		History:           archive,
		MaxReworkAttempts: cfg.ReworkAttempts(),
		CompleteOnStuck:   cfg.CompleteOnStuck,
		Logger:            logger,
	})

	mon := monitor.New(monitor.Config{
		Store:       st,
		Pipeline:    pipe,
		Notifier:    notify,
		History:     archive,
		Artifacts:   artifacts,
		Tick:        cfg.MonitorTick(),
		StaleMaxAge: cfg.StaleMaxAge(),
		Retention:   cfg.CompletedRetention(),
		Logger:      logger,
	})
	go mon.Run(ctx)

	hooks := hook.New(st, pipe, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/dispatch", handleDispatch(pipe, logger))
	mux.HandleFunc("POST /api/hooks/agent-complete", handleAgentComplete(hooks, logger))

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	logger.Info("dispatchd listening", "addr", addr, "state_path", statePath)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func buildTracker() (ports.IssueTracker, error) {
	if key := os.Getenv("LINEAR_API_KEY"); key != "" {
		return linear.New(key), nil
	}

	owner := os.Getenv("GITHUB_OWNER")
	repo := os.Getenv("GITHUB_REPO")
	clientID := os.Getenv("GITHUB_APP_CLIENT_ID")
	keyPath := os.Getenv("GITHUB_APP_KEY_PATH")
	installationID, _ := strconv.ParseInt(os.Getenv("GITHUB_APP_INSTALLATION_ID"), 10, 64)
	if owner != "" && repo != "" && clientID != "" && keyPath != "" {
		return ghclient.New(owner, repo, ghclient.WithAppAuth(ghclient.AppCredentials{
			ClientID:       clientID,
			InstallationID: installationID,
			PrivateKeyPath: keyPath,
		}))
	}

	return nil, fmt.Errorf("no issue tracker configured (set LINEAR_API_KEY, or the GITHUB_* app variables)")
}

// dispatchRequest is the POST /api/dispatch body: the ActiveDispatch draft
// plus the issue context, exactly what Pipeline.Dispatch needs.
type dispatchRequest struct {
	IssueID      string `json:"issueId"`
	Identifier   string `json:"identifier"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Branch       string `json:"branch"`
	WorktreePath string `json:"worktreePath"`
	Tier         string `json:"tier"`
	Model        string `json:"model"`
	Project      string `json:"project"`
}

func handleDispatch(pipe *pipeline.Pipeline, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.Identifier == "" {
			http.Error(w, "identifier is required", http.StatusBadRequest)
			return
		}

		draft := store.ActiveDispatch{
			IssueID:      req.IssueID,
			Branch:       req.Branch,
			WorktreePath: req.WorktreePath,
			Tier:         store.Tier(req.Tier),
			Model:        req.Model,
			Project:      req.Project,
		}
		issue := ports.IssueContext{
			ID:          req.IssueID,
			Identifier:  req.Identifier,
			Title:       req.Title,
			Description: req.Description,
		}

		// The pipeline runs for minutes; answer the webhook immediately and
		// let it progress in the background.
		go func() {
			if err := pipe.Dispatch(context.Background(), draft, issue); err != nil {
				logger.Warn("dispatch pipeline ended with error", "identifier", req.Identifier, "error", err)
			}
		}()

		w.WriteHeader(http.StatusAccepted)
	}
}

// hookRequest is the POST /api/hooks/agent-complete body.
type hookRequest struct {
	SessionKey string `json:"sessionKey"`
	Output     string `json:"output"`
	Success    bool   `json:"success"`
}

func handleAgentComplete(hooks *hook.Adapter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req hookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.SessionKey == "" {
			http.Error(w, "sessionKey is required", http.StatusBadRequest)
			return
		}

		go func() {
			if err := hooks.AgentCompleted(context.Background(), req.SessionKey, req.Output, req.Success); err != nil {
				logger.Warn("agent completion handling failed", "session_key", req.SessionKey, "error", err)
			}
		}()

		w.WriteHeader(http.StatusAccepted)
	}
}

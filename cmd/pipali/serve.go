package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pipali/pipali/internal/ai"
	"github.com/pipali/pipali/internal/config"
	"github.com/pipali/pipali/internal/confirm"
	"github.com/pipali/pipali/internal/coordinator"
	"github.com/pipali/pipali/internal/credential"
	"github.com/pipali/pipali/internal/director"
	"github.com/pipali/pipali/internal/logging"
	"github.com/pipali/pipali/internal/server"
	"github.com/pipali/pipali/internal/store"
	"github.com/pipali/pipali/internal/tools"
	"github.com/pipali/pipali/internal/trigger"
)

// ServeCmd runs the sidecar in the foreground
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sidecar server",
		Run: func(cmd *cobra.Command, args []string) {
			RunServe()
		},
	}
	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&dangerouslyAll, "dangerously", false, "bypass ALL tool approval prompts")
	return cmd
}

// RunServe starts the full sidecar: store, director, coordinator,
// websocket server and background triggers.
func RunServe() {
	if !verbose {
		logging.Disable()
	}

	cfg := loadConfig()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		fmt.Printf("\033[31mError: cannot create data dir %s: %v\033[0m\n", cfg.DataDir, err)
		os.Exit(1)
	}

	// Enforce single instance with lock file
	lockFile, err := acquireLock(cfg.DataDir)
	if err != nil {
		fmt.Printf("\033[31mError: %v\033[0m\n", err)
		fmt.Println("\033[33mPipali is already running. Only one instance allowed per computer.\033[0m")
		os.Exit(1)
	}
	defer releaseLock(lockFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("\n\033[33mReceived signal: %v - Shutting down...\033[0m\n", sig)
		cancel()
	}()

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		fmt.Printf("\033[31mError: failed to open database: %v\033[0m\n", err)
		os.Exit(1)
	}
	defer st.Close()

	refresher := credential.NewRefresher(cfg.TokenEndpoint, cfg.ClientID)
	creds := credential.NewMutex(refresher.Refresh)

	provider, err := buildProvider(cfg, creds)
	if err != nil {
		fmt.Printf("\033[31mError: %v\033[0m\n", err)
		os.Exit(1)
	}

	// The approver is the coordinator, which does not exist until the
	// registry and director it depends on are built. Bind it late.
	late := &lateApprover{}
	var approver tools.Approver
	if !dangerouslyAll {
		approver = late
	}
	registry := tools.NewRegistry(approver)
	registry.RegisterDefaults()

	d := director.NewBuiltin(provider, registry)
	confirms := confirm.New(confirm.DefaultTTL)
	hub := server.NewHub()

	coord := coordinator.New(st, d, confirms, hub)
	coord.MaxIterations = cfg.MaxIterations
	late.bind(coord)

	// Hard-stop every active run when the last client disconnects.
	hub.SetOnEmpty(coord.Disconnect)

	crons := trigger.NewCronSource(coord)
	for _, sched := range cfg.Schedules {
		if _, err := crons.Add(sched); err != nil {
			fmt.Printf("[Trigger] Warning: bad schedule %q: %v\n", sched.Spec, err)
		}
	}
	crons.Start()
	defer crons.Stop()

	for _, w := range cfg.Watches {
		ws := trigger.NewWatchSource(w, coord)
		go func(path string) {
			if err := ws.Run(ctx); err != nil && ctx.Err() == nil {
				fmt.Printf("[Trigger] Watch %s stopped: %v\n", path, err)
			}
		}(w.Path)
	}

	srv := server.New(server.Options{Addr: cfg.Addr, JWTSecret: cfg.JWTSecret}, hub, coord, st)

	fmt.Printf("\033[32mPipali listening on %s (provider: %s)\033[0m\n", cfg.Addr, provider.ID())
	if err := srv.Start(ctx); err != nil {
		fmt.Printf("\033[31mServer error: %v\033[0m\n", err)
	}

	// Let in-flight runs persist their final steps before closing the db.
	coord.Wait()
}

// loadConfig reads the config file named by --config, falling back to
// the platform data directory, and applies flag overrides.
func loadConfig() *config.Config {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Printf("\033[31mError: failed to load config: %v\033[0m\n", err)
		os.Exit(1)
	}
	if addrFlag != "" {
		cfg.Addr = addrFlag
	}
	return cfg
}

func buildProvider(cfg *config.Config, creds *credential.Mutex) (ai.Provider, error) {
	switch cfg.Provider {
	case "anthropic", "":
		return ai.NewAnthropicProvider(creds, cfg.Model), nil
	case "openai":
		return ai.NewOpenAIProvider(creds, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (want anthropic or openai)", cfg.Provider)
	}
}

// lateApprover forwards approval requests to a coordinator that is
// wired after the tool registry. Until bound it approves everything.
type lateApprover struct {
	mu     sync.RWMutex
	target tools.Approver
}

func (a *lateApprover) bind(target tools.Approver) {
	a.mu.Lock()
	a.target = target
	a.mu.Unlock()
}

func (a *lateApprover) Approve(ctx context.Context, conversationID, runID, toolName string, args json.RawMessage) (tools.Approval, error) {
	a.mu.RLock()
	target := a.target
	a.mu.RUnlock()
	if target == nil {
		return tools.Approval{Approved: true}, nil
	}
	return target.Approve(ctx, conversationID, runID, toolName, args)
}

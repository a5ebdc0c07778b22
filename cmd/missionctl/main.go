package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"missionctl/internal/automation"
	"missionctl/internal/config"
	"missionctl/internal/events"
	"missionctl/internal/harness"
	"missionctl/internal/harness/claudecode"
	"missionctl/internal/harness/codex"
	"missionctl/internal/mission"
	"missionctl/internal/scheduler"
	"missionctl/internal/server"
	"missionctl/internal/utils"
	"missionctl/internal/workspace"
)

// Version is stamped by the release build.
var Version = "0.3.0"

var (
	cyan = color.New(color.FgCyan).SprintFunc()
	gray = color.New(color.FgHiBlack).SprintFunc()
	bold = color.New(color.Bold).SprintFunc()
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "missionctl",
		Short: "Mission orchestration server for coding agents",
		Long: "missionctl runs long-lived agent missions against external coding\n" +
			"CLIs, schedules their turns across a bounded set of execution slots,\n" +
			"and exposes a REST and streaming control surface.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.missionctl/config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")
			slots, _ := cmd.Flags().GetInt("slots")
			return runServe(cmd.Context(), port, slots)
		},
	}
	serveCmd.Flags().Int("port", 0, "override the listen port")
	serveCmd.Flags().Int("slots", 0, "override the execution slot count")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the missionctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("missionctl %s\n", Version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, portOverride, slotsOverride int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if slotsOverride > 0 {
		cfg.Scheduler.Slots = slotsOverride
	}

	utils.SetLogPath(filepath.Join(cfg.DataDir, "logs", "missionctl.log"))
	logger := utils.NewComponentLogger("Main")

	store, err := mission.NewFileStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open mission store: %w", err)
	}

	bus := events.NewBus(
		events.WithSink(store),
		events.WithReplaySize(cfg.Events.ReplayBufferSize),
	)

	manager := mission.NewManager(store, bus, cfg.Harness.DefaultBackend, cfg.Workspace)

	registry := harness.NewRegistry()
	registry.Register(claudecode.New(claudecode.Config{
		Binary: cfg.Harness.ClaudeBinary,
		Token:  claudeToken(),
	}))
	registry.Register(codex.New(codex.Config{
		Binary:     cfg.Harness.CodexBinary,
		OAuthToken: os.Getenv("OPENAI_OAUTH_TOKEN"),
	}))

	resolver := &workspace.LocalResolver{Root: cfg.Workspace}
	adapter := harness.NewAdapter(registry, resolver, bus, cfg.TurnTimeout())

	sched := scheduler.New(scheduler.Config{
		Slots:          cfg.Scheduler.Slots,
		StallThreshold: cfg.StallThreshold(),
		TurnTimeout:    cfg.TurnTimeout(),
	}, manager, adapter)
	manager.SetDispatcher(sched)

	// Missions left active by a previous process are marked interrupted
	// before the scheduler starts picking up work.
	if err := manager.RecoverOrphans(); err != nil {
		logger.Warn("Orphan recovery failed: %v", err)
	}

	autoStore, err := automation.NewFileStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open automation store: %w", err)
	}
	libraryDir := cfg.LibraryDir
	if libraryDir == "" {
		libraryDir = filepath.Join(cfg.DataDir, "library")
	}
	engine := automation.NewEngine(autoStore, store, manager, bus, libraryDir)

	srv := server.New(cfg.Server, manager, sched, engine, registry)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		sched.Stop()
		return fmt.Errorf("start automation engine: %w", err)
	}

	printBanner(cfg)
	logger.Info("missionctl %s started (data=%s, slots=%d, backends=%v)",
		Version, cfg.DataDir, cfg.Scheduler.Slots, registry.Names())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		if err := srv.Stop(); err != nil {
			logger.Warn("HTTP shutdown: %v", err)
		}
		engine.Stop()
		sched.Stop()
		return nil
	})

	return g.Wait()
}

// claudeToken picks up whichever Claude credential the environment carries.
func claudeToken() string {
	if v := os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"); v != "" {
		return v
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

func printBanner(cfg *config.Config) {
	fmt.Printf("%s %s\n", bold(cyan("missionctl")), gray(Version))
	fmt.Printf("  %s http://%s:%d\n", gray("listening"), cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  %s %s\n", gray("data dir "), cfg.DataDir)
	fmt.Printf("  %s %d\n", gray("slots    "), cfg.Scheduler.Slots)
}

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chorusbot/chorus/internal/config"
	"github.com/chorusbot/chorus/internal/dashboard"
	"github.com/chorusbot/chorus/internal/db"
	"github.com/chorusbot/chorus/internal/enroll"
	"github.com/chorusbot/chorus/internal/gate"
	"github.com/chorusbot/chorus/internal/lifecycle"
	"github.com/chorusbot/chorus/internal/panel"
	"github.com/chorusbot/chorus/internal/pool"
	"github.com/chorusbot/chorus/internal/registry"
	"github.com/chorusbot/chorus/internal/telegram"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Chorus daemon",
		Long: "Loads the configuration, bootstraps the assistant pool, and serves\n" +
			"operator commands until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

// application bundles the wired components of one daemon instance.
type application struct {
	cfg    *config.Config
	bot    *telegram.Bot
	pool   *pool.Manager
	alloc  *pool.Allocator
	enroll *enroll.Manager
	gate   *gate.Gate
	panel  *panel.Panel
	runner *lifecycle.Runner

	updates      updateSource
	restartDelay time.Duration

	dashboardOpts *dashboard.StartOpts
}

// buildApplication wires every component from configuration. The transport
// factory is the injectable seam: the daemon passes the production factory,
// tests pass the simulator.
func buildApplication(cfg *config.Config, bot *telegram.Bot, factory telegram.Factory, out io.Writer) (*application, error) {
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}
	reg, err := registry.New(gdb)
	if err != nil {
		return nil, err
	}

	pm, err := pool.NewManager(pool.ManagerOpts{Registry: reg, Factory: factory, Out: out})
	if err != nil {
		return nil, err
	}
	alloc, err := pool.NewAllocator(pm, reg, cfg.PerClientCallCap)
	if err != nil {
		return nil, err
	}
	em, err := enroll.NewManager(enroll.ManagerOpts{
		Registry: reg,
		Pool:     pm,
		Factory:  factory,
		APIID:    cfg.APIID,
		APIHash:  cfg.APIHash,
		TTL:      time.Duration(cfg.EnrollmentTTLMinutes) * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	g, err := gate.New(gate.Opts{
		Bot:            bot,
		OperatorID:     cfg.OperatorID,
		SupportContact: cfg.SupportContact,
		Window:         time.Duration(cfg.NotifyCoalesceSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	p, err := panel.New(panel.Opts{
		Registry:   reg,
		Pool:       pm,
		Enroll:     em,
		OperatorID: cfg.OperatorID,
	})
	if err != nil {
		return nil, err
	}
	runner, err := lifecycle.NewRunner(lifecycle.Opts{
		Pool:          pm,
		Registry:      reg,
		Enroll:        em,
		IdleThreshold: time.Duration(cfg.IdleReconnectMinutes) * time.Minute,
		SessionIdle:   time.Duration(cfg.IdleReconnectMinutes) * time.Minute,
		HealthEvery:   time.Duration(cfg.Loops.HealthProbeMinutes) * time.Minute,
		CleanupEvery:  time.Duration(cfg.Loops.IdleCleanupMinutes) * time.Minute,
		GCEvery:       time.Duration(cfg.Loops.SessionGCSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	app := &application{
		cfg:          cfg,
		bot:          bot,
		pool:         pm,
		alloc:        alloc,
		enroll:       em,
		gate:         g,
		panel:        p,
		runner:       runner,
		updates:      bot,
		restartDelay: defaultPollRestartDelay,
	}
	// Dashboard reads the same registry and pool.
	if cfg.Dashboard.Enabled {
		app.dashboardOpts = &dashboard.StartOpts{
			Registry: reg,
			Pool:     pm,
			Port:     cfg.Dashboard.Port,
			Out:      out,
		}
	}
	return app, nil
}

func runDaemon(configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	token := os.Getenv("BOT_TOKEN")
	if token == "" {
		return fmt.Errorf("chorus: BOT_TOKEN environment variable is required")
	}
	bot, err := telegram.NewBot(token)
	if err != nil {
		return err
	}

	// TODO(mtproto): swap in the real user-session factory once the MTProto
	// wrapper lands; the sim factory keeps the daemon runnable end to end.
	factory := telegram.NewSimFactory()

	app, err := buildApplication(cfg, bot, factory, os.Stdout)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.pool.Bootstrap(ctx); err != nil {
		return err
	}
	if err := app.runner.Start(ctx); err != nil {
		return err
	}
	if app.dashboardOpts != nil {
		go func() {
			if err := dashboard.Start(ctx, *app.dashboardOpts); err != nil {
				log.Printf("chorus: dashboard: %v", err)
			}
		}()
	}

	fmt.Fprintf(out, "Chorus running as @%s\n", bot.Username())
	app.dispatch(ctx)

	// Orderly shutdown: stop schedules, leave calls, close sessions.
	app.runner.Stop()
	app.pool.StopAll(context.Background())
	return nil
}

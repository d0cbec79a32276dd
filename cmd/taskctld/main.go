package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskctl/internal/api"
	"taskctl/internal/catalog"
	"taskctl/internal/engine"
	"taskctl/internal/eventbus"
	"taskctl/internal/notifier"
	"taskctl/internal/observability/pprof"
	"taskctl/internal/queue"
	"taskctl/internal/resourcegroup"
	"taskctl/internal/retry"
	"taskctl/internal/run"
	"taskctl/internal/storage"
	"taskctl/internal/webhook"
	logx "taskctl/pkg/logx"
)

var (
	cfgPath       string
	logLevel      string
	listenAddr    string
	storageDriver string
	storagePath   string
	pprofAddr     string
)

var rootCmd = &cobra.Command{
	Use:   "taskctld",
	Short: "Single-host job scheduler: triggers, resource groups, retries, and a control API",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load the catalog and run the scheduler until interrupted",
	RunE:  runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the catalog without starting the engine",
	RunE:  runValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./catalog.yaml", "path to the catalog file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")

	runCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "control API listen address")
	runCmd.Flags().StringVar(&storageDriver, "storage-driver", "", "optional persistence driver (file|sqlite|none)")
	runCmd.Flags().StringVar(&storagePath, "storage-path", "", "path for the storage driver")
	runCmd.Flags().StringVar(&pprofAddr, "pprof-addr", "", "optional loopback address to serve pprof debug endpoints on (e.g. 127.0.0.1:6060)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	mgr := catalog.NewManager(cfgPath)
	mgr.SetValidator(func(ctx context.Context, cat *catalog.Catalog) error { return catalog.Validate(cat) })
	cat, err := mgr.Load()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "catalog valid: %d jobs, %d resource groups\n", len(cat.Jobs), len(cat.ResourceGroups))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logx.NewConsole(logLevel)

	store, err := storage.Open(storage.Config{Driver: storageDriver, Path: storagePath}, log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	bus := eventbus.New()

	catalogMgr := catalog.NewManager(cfgPath)
	catalogMgr.SetLogger(log.With(logx.String("comp", "catalog")))
	catalogMgr.SetValidator(func(ctx context.Context, cat *catalog.Catalog) error { return catalog.Validate(cat) })
	cat, err := catalogMgr.Load()
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	groups := resourcegroup.New()
	for _, g := range cat.ResourceGroups {
		if err := groups.Define(g.Name, g.MaxConcurrent); err != nil {
			return fmt.Errorf("resource group %q: %w", g.Name, err)
		}
	}

	runStore := run.NewStore()
	retryEng := retry.New()

	webhookSink := webhook.NewHTTPSink(webhook.HTTPConfig{
		URL:           cat.Webhook.URL,
		RatePerMinute: cat.Webhook.RatePerMinute,
		Timeout:       cat.Webhook.Timeout(),
	}.FromEnv())

	notify := notifier.New(notifier.Config{Enabled: true}, webhookSink, log.With(logx.String("comp", "notifier")), bus)
	notify.Start(ctx)
	defer notify.Stop(context.Background())

	eng := engine.NewService(
		engine.Config{Enabled: true, TickInterval: cat.Scheduler.EffectiveTickInterval(), Mode: engine.Mode(orDefault(cat.Scheduler.Mode, string(engine.ModeAuto)))},
		catalogMgr, groups, runStore, queue.New(), retryEng, notify, webhookSink,
		log.With(logx.String("comp", "engine")), bus,
	)
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	go func() {
		if err := catalogMgr.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("catalog watch exited", logx.Err(err))
		}
	}()

	srv := api.New(eng, catalogMgr, runStore, groups, notify, store, log.With(logx.String("comp", "api")))
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: api.NewRouter(srv, nil),
	}

	go func() {
		log.Info("control API listening", logx.String("addr", listenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control API stopped", logx.Err(err))
		}
	}()

	debugSvc := pprof.New(pprof.Config{Enabled: pprofAddr != "", Addr: pprofAddr}, log.With(logx.String("comp", "pprof")))
	debugSvc.Start(ctx)
	defer debugSvc.Stop(context.Background())

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// orchd is a local service-orchestration daemon: it starts the application's
// background services in dependency order, supervises their health, keeps a
// GGUF model inventory, and runs a hot-swap proxy that serves any model in
// the inventory through one stable endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"orchd/internal/config"
	"orchd/internal/events"
	"orchd/internal/httpapi"
	"orchd/internal/modelscan"
	"orchd/internal/orchestrator"
	"orchd/internal/platform"
	"orchd/internal/registry"
	"orchd/internal/swapproxy"
	"orchd/internal/watchdog"
	"orchd/pkg/types"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var cfgPath string
	var logLevel string

	root := &cobra.Command{
		Use:           "orchd",
		Short:         "Local service orchestrator and model-swap proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (.yaml/.json/.toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug|info|warn|error")

	loadConfig := func() (config.Config, error) {
		// Environment overrides live in .env next to the binary, if present.
		_ = godotenv.Load()
		var cfg config.Config
		if cfgPath != "" {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return cfg, err
			}
		}
		cfg.ApplyDefaults()
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		return cfg, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "Scan model directories once and regenerate the backend config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runScan(cmd.Context(), cfg)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show service status from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	root.AddCommand(serve, scan, status)
	return root
}

func runServe(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg.LogLevel, cfg.LogFile)
	log.Info().Str("addr", cfg.Addr).Str("proxy_addr", cfg.ProxyAddr).Msg("orchd starting")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	pf := platform.New(log,
		platform.WithBinDir(cfg.BinDir),
		platform.WithDisableManaged(cfg.DisableManaged),
	)

	models := modelscan.NewRegistry(cfg.ModelDirs, log, modelscan.WithBus(bus))
	if _, err := models.Rescan(ctx); err != nil {
		return err
	}
	writeSwapConfig := func() error {
		return models.WriteSwapConfig(cfg.SwapConfigPath, modelscan.GenerateOptions{
			BackendBin: cfg.Proxy.BackendBin,
			BasePort:   cfg.Orchestrator.PortRangeStart + cfg.Orchestrator.PortRangeSpan,
			TTLSeconds: cfg.Proxy.TTLSeconds,
			LogLevel:   cfg.LogLevel,
			Args:       pf.BackendArgs,
		})
	}
	if err := writeSwapConfig(); err != nil {
		log.Warn().Err(err).Msg("initial backend config generation failed")
	}

	overrides, err := config.LoadOverrides(cfg.OverridesPath)
	if err != nil {
		return err
	}

	reg := registry.New(pf)
	if err := registerServices(reg, pf, log); err != nil {
		return err
	}

	ports := orchestrator.NewPortAllocator("127.0.0.1",
		cfg.Orchestrator.PortRangeStart, cfg.Orchestrator.PortRangeSpan)
	orch := orchestrator.New(reg, pf, overrides, ports, bus, log, cfg.Orchestrator)

	backendBin, err := pf.ResolveBinary(cfg.Proxy.BackendBin)
	if err != nil {
		// The proxy can still start; loads will fail until the binary shows up.
		log.Warn().Err(err).Msg("model backend binary not found")
		backendBin = cfg.Proxy.BackendBin
	}
	spawner := swapproxy.NewSpawner(swapproxy.SpawnerConfig{
		Bin:          backendBin,
		Args:         pf.BackendArgs,
		ExtraArgs:    cfg.Proxy.ExtraArgs,
		ReadyTimeout: cfg.Proxy.ReadyTimeout,
		StopGrace:    cfg.Proxy.StopGrace,
	}, ports, log)
	proxy := swapproxy.New(models, spawner,
		time.Duration(cfg.Proxy.TTLSeconds)*time.Second, bus, log)

	wd := watchdog.New(orch, cfg.Watchdog, log)

	api := httpapi.New(httpapi.Options{
		Controller: orch,
		Inventory:  models,
		Backends:   proxy,
		Bus:        bus,
		Log:        log,
		OnRescan:   writeSwapConfig,
	})

	apiSrv := &http.Server{Addr: cfg.Addr, Handler: api.Router()}
	proxySrv := &http.Server{Addr: cfg.ProxyAddr, Handler: proxy}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("control api listening")
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.ProxyAddr).Msg("swap proxy listening")
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		wd.Run(ctx)
		return nil
	})
	g.Go(func() error {
		err := models.Watch(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("model watcher stopped")
		}
		return nil
	})
	g.Go(func() error {
		proxy.RunReaper(ctx, cfg.Proxy.ReaperInterval)
		return nil
	})
	g.Go(func() error {
		// A critical-service failure aborts the startup sequence but not the
		// daemon: the control surface stays up so the user can fix and retry.
		if err := orch.StartAll(ctx); err != nil {
			log.Error().Err(err).Msg("service startup incomplete")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = apiSrv.Shutdown(shutdownCtx)
		_ = proxySrv.Shutdown(shutdownCtx)
		proxy.StopAll()
		for name := range orch.Status() {
			_ = orch.Stop(shutdownCtx, name)
		}
		return nil
	})
	return g.Wait()
}

func runScan(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg.LogLevel, "")
	pf := platform.New(log, platform.WithBinDir(cfg.BinDir))
	models := modelscan.NewRegistry(cfg.ModelDirs, log)
	found, err := models.Rescan(ctx)
	if err != nil {
		return err
	}
	if err := models.WriteSwapConfig(cfg.SwapConfigPath, modelscan.GenerateOptions{
		BackendBin: cfg.Proxy.BackendBin,
		BasePort:   cfg.Orchestrator.PortRangeStart + cfg.Orchestrator.PortRangeSpan,
		TTLSeconds: cfg.Proxy.TTLSeconds,
		LogLevel:   cfg.LogLevel,
		Args:       pf.BackendArgs,
	}); err != nil {
		return err
	}
	for _, m := range found {
		ctxLen := "-"
		if m.ContextLength != nil {
			ctxLen = fmt.Sprint(*m.ContextLength)
		}
		fmt.Printf("%-48s ctx=%-8s quant=%-8s group=%s\n", m.ID, ctxLen, m.Quant, m.GroupID)
	}
	fmt.Printf("%d models -> %s\n", len(found), cfg.SwapConfigPath)
	return nil
}

func runStatus(ctx context.Context, cfg config.Config, out io.Writer) error {
	var resp struct {
		Services []types.ServiceStatus `json:"services"`
	}
	client := resty.New().SetBaseURL("http://" + cfg.Addr).SetTimeout(5 * time.Second)
	r, err := client.R().SetContext(ctx).SetResult(&resp).Get("/v1/services")
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", cfg.Addr, err)
	}
	if r.IsError() {
		return fmt.Errorf("daemon error: %s", r.Status())
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp.Services)
}

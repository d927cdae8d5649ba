package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/config"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/controller"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/health"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/reconcile"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/stores"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	var watchConfig bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the state controller daemon",
		Long: `Start the control plane: the resource API, the reconciliation
loop and the metrics endpoint. The daemon holds an advisory work lock in
the database, so running a standby replica against the same store is safe.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version, watchConfig)
		},
	}

	cmd.Flags().BoolVar(&watchConfig, "watch-config", true, "reload thresholds when the config file changes")

	return cmd
}

func runServe(ctx context.Context, version string, watchConfig bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger := tel.Logger.NewComponentLogger("bmcd")
	ctx = tel.WithContext(ctx)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	alerts := health.NewAggregator()

	hostname, _ := os.Hostname()
	sched := controller.NewScheduler(
		store,
		alerts,
		newPowerCycler(cfg.Power, tel.Logger),
		slaFromConfig(cfg),
		controller.SchedulerConfig{
			TickInterval: cfg.Scheduler.TickInterval.Duration(),
			SettleWindow: cfg.Scheduler.SettleWindow.Duration(),
			MaxParallel:  cfg.Scheduler.MaxParallel,
			LockTTL:      cfg.Scheduler.LockTTL.Duration(),
			HolderID:     holderID(cfg.Scheduler.HolderID, hostname),
		},
		tel.Logger,
		tel.Metrics,
		tel.Tracer,
	)
	sched.Register(controller.NewHostHandler())
	sched.Register(controller.NewSegmentHandler())
	sched.Subscribe(func(change controller.StateChange) {
		_ = tel.Events.PublishStateChanged(
			change.ResourceID,
			string(change.From),
			string(change.To),
			change.Version.String(),
		)
	})

	api := reconcile.NewServer(
		cfg.Server.ListenAddress,
		store,
		alerts,
		cfg.Scheduler.SettleWindow.Duration(),
		tel.Logger,
		tel.Metrics,
		tel.Tracer,
	)

	if watchConfig && configPath != "" {
		watcher := config.NewWatcher(configPath, tel.Logger)
		err := watcher.Watch(ctx, func(next *config.Config) error {
			sched.SetSLA(slaFromConfig(next))
			return nil
		})
		if err != nil {
			logger.WithError(err).Warn("config watching disabled")
		} else {
			defer watcher.Stop()
		}
	}

	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"listen":  cfg.Server.ListenAddress,
		"db":      cfg.Database.Path,
		"version": version,
	}).Info("state controller daemon starting")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sched.Run(groupCtx)
	})
	group.Go(func() error {
		return api.Run(groupCtx, cfg.Server.ShutdownTimeout.Duration())
	})

	if err := group.Wait(); err != nil && groupCtx.Err() == nil {
		return err
	}
	logger.Info("state controller daemon stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

// slaFromConfig keeps the built-in thresholds when the config carries no
// sla section; configured thresholds replace the set wholesale.
func slaFromConfig(cfg *config.Config) *controller.SLA {
	thresholds := cfg.SLAThresholds()
	if thresholds == nil {
		return controller.DefaultSLA()
	}
	return controller.NewSLA(thresholds)
}

func holderID(configured, hostname string) string {
	if configured != "" {
		return configured
	}
	if hostname == "" {
		hostname = "bmcd"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// httpPowerCycler posts power cycle requests to the out-of-band
// management plane. Without a configured endpoint requests are logged
// and dropped, which keeps lab deployments without OOB access usable.
type httpPowerCycler struct {
	endpoint string
	client   *http.Client
	logger   *telemetry.Logger
}

func newPowerCycler(cfg config.PowerConfig, logger *telemetry.Logger) *httpPowerCycler {
	return &httpPowerCycler{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout.Duration()},
		logger:   logger.NewComponentLogger("power"),
	}
}

func (p *httpPowerCycler) PowerCycle(ctx context.Context, resourceID string) error {
	log := p.logger.WithResourceID(resourceID)
	if p.endpoint == "" {
		log.Warn("no out-of-band endpoint configured, dropping power cycle request")
		return nil
	}

	body, err := json.Marshal(map[string]string{"resource_id": resourceID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/power-cycle", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("power cycle %s: %w", resourceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("power cycle %s: out-of-band plane returned %s", resourceID, resp.Status)
	}
	log.Info("power cycle dispatched")
	return nil
}

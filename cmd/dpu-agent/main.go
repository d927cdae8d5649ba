// Package main implements the on-device agent. It polls the control plane
// for desired configuration, applies it to the local state directory and
// reports back what is actually running. The agent never receives pushes;
// all traffic is outbound.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/config"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/health"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/reconcile"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/telemetry"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		serverURL  string
		resourceID string
		stateDir   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:     "dpu-agent",
		Short:   "On-device reconciliation agent",
		Version: Version,
		Long: `dpu-agent runs on a DPU and keeps the device converged with the
control plane's desired configuration. Configuration versions only move
forward; an older version than the one running is never applied.

If the control plane positively confirms the resource is unknown, the
agent applies the isolation configuration and keeps polling. Transient
failures never trigger isolation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if serverURL != "" {
				cfg.Agent.ControlPlaneURL = serverURL
			}
			if resourceID != "" {
				cfg.Agent.ResourceID = resourceID
			}
			if cfg.Agent.ControlPlaneURL == "" {
				return fmt.Errorf("control plane URL is required (--server or agent.control_plane_url)")
			}
			if cfg.Agent.ResourceID == "" {
				return fmt.Errorf("resource ID is required (--resource or agent.resource_id)")
			}

			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:  logLevel,
				Format: "console",
				Output: "stderr",
			})
			if err != nil {
				return err
			}

			applier, err := newDiskApplier(stateDir)
			if err != nil {
				return err
			}

			agent := reconcile.NewAgent(
				reconcile.NewClient(cfg.Agent.ControlPlaneURL, cfg.Agent.RequestTimeout.Duration()),
				applier,
				reconcile.AgentConfig{
					ResourceID:   cfg.Agent.ResourceID,
					PollInterval: cfg.Agent.PollInterval.Duration(),
				},
				logger,
			)
			return agent.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&serverURL, "server", "s", "", "control plane base URL")
	cmd.Flags().StringVarP(&resourceID, "resource", "r", "", "resource ID this agent manages")
	cmd.Flags().StringVar(&stateDir, "state-dir", "/var/lib/dpu-agent", "directory holding applied configuration")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	return cmd
}

// diskApplier installs configuration snapshots into a state directory.
// Each axis is written atomically as <axis>.json next to a version marker,
// so whatever consumes the directory always sees a complete snapshot.
type diskApplier struct {
	dir string

	mu      sync.Mutex
	lastErr error
}

const isolationMarker = "isolated"

func newDiskApplier(dir string) (*diskApplier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &diskApplier{dir: dir}, nil
}

func (d *diskApplier) Apply(_ context.Context, axis version.Axis, v version.ConfigVersion, cfg json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := struct {
		Version string          `json:"version"`
		Config  json.RawMessage `json:"config"`
	}{Version: v.String(), Config: cfg}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		d.lastErr = err
		return err
	}

	if err := d.writeAtomic(string(axis)+".json", data); err != nil {
		d.lastErr = err
		return err
	}

	// A successful apply supersedes any earlier isolation.
	_ = os.Remove(filepath.Join(d.dir, isolationMarker))
	d.lastErr = nil
	return nil
}

func (d *diskApplier) Isolate(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Drop the tenant configuration so tenant traffic stops; the
	// lifecycle snapshot is kept for diagnosis.
	_ = os.Remove(filepath.Join(d.dir, string(version.AxisTenant)+".json"))

	if err := d.writeAtomic(isolationMarker, []byte("{}\n")); err != nil {
		d.lastErr = err
		return err
	}
	d.lastErr = nil
	return nil
}

func (d *diskApplier) Health(_ context.Context) (bool, []health.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastErr != nil {
		return false, []health.Alert{{
			ID:      "config-apply-failed",
			Source:  reconcile.AgentSource,
			Message: d.lastErr.Error(),
		}}
	}
	return true, nil
}

func (d *diskApplier) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(d.dir, name+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(d.dir, name))
}

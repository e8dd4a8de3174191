package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivechat/hivechat/internal/adapter"
	"github.com/hivechat/hivechat/internal/bridge"
	"github.com/hivechat/hivechat/internal/config"
	"github.com/hivechat/hivechat/internal/gateway"
	"github.com/hivechat/hivechat/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the gateway process for this host",
	}
	cmd.AddCommand(gatewayRunCmd())
	cmd.AddCommand(gatewayStartCmd())
	cmd.AddCommand(gatewayStopCmd())
	cmd.AddCommand(gatewayStatusCmd())
	return cmd
}

func gatewayRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the gateway in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			runGatewayProcess()
		},
	}
}

func runGatewayProcess() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Gateway.GatewayID == "" {
		slog.Error("gateway id is not configured", "hint", "set gateway.gateway_id or HIVECHAT_GATEWAY_ID")
		os.Exit(1)
	}
	if len(cfg.Gateway.Agents) == 0 {
		slog.Warn("no agents declared for this gateway", "config", cfgPath)
	}

	stateDir := config.ExpandHome(cfg.Gateway.StateDir)
	os.MkdirAll(stateDir, 0o755)

	pidFile := gateway.NewPIDFile(stateDir, cfg.Gateway.GatewayID)
	if err := pidFile.Write(os.Getpid()); err != nil {
		slog.Error("another gateway holds the pid record", "path", pidFile.Path(), "error", err)
		os.Exit(1)
	}
	defer pidFile.Remove()

	registry := adapter.NewRegistry(cfg.Adapters.Custom, gatewayLimits(cfg.Gateway))

	client := gateway.NewClient(cfg.Gateway, slog.Default())
	runtime := gateway.NewRuntime(cfg.Gateway, registry, client, slog.Default())
	client.SetRuntime(runtime)
	defer runtime.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Local bridge: agents on this host shell out to it over loopback HTTP.
	agentIDs := make([]string, 0, len(cfg.Gateway.Agents))
	for _, a := range cfg.Gateway.Agents {
		agentIDs = append(agentIDs, a.ID)
	}
	br := bridge.NewServer(client, agentIDs, slog.Default())
	bridgeAddr, err := br.Start(ctx)
	if err != nil {
		slog.Error("failed to start bridge", "error", err)
		os.Exit(1)
	}
	addrPath := filepath.Join(stateDir, "bridge-"+cfg.Gateway.GatewayID+".addr")
	if err := os.WriteFile(addrPath, []byte(bridgeAddr+"\n"), 0o644); err != nil {
		slog.Warn("could not publish bridge address", "path", addrPath, "error", err)
	} else {
		defer os.Remove(addrPath)
	}

	// Hot-reload user-declared adapters on config save.
	watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
		registry.Reload(next.Adapters.Custom)
		slog.Info("gateway.config.reloaded", "custom_adapters", len(next.Adapters.Custom))
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("gateway.shutdown", "signal", sig)
		cancel()
	}()

	slog.Info("hivechat gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"gateway_id", cfg.Gateway.GatewayID,
		"relay_url", cfg.Gateway.RelayURL,
		"agents", agentIDs,
		"bridge", bridgeAddr,
	)

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

func gatewayLimits(cfg config.GatewayConfig) adapter.Limits {
	return adapter.Limits{
		IdleTimeout:    time.Duration(cfg.IdleTimeoutSecs) * time.Second,
		RunTimeout:     time.Duration(cfg.RunTimeoutSecs) * time.Second,
		MaxOutputBytes: cfg.MaxOutputBytes,
	}
}

func gatewayStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gateway in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			stateDir := config.ExpandHome(cfg.Gateway.StateDir)
			os.MkdirAll(stateDir, 0o755)

			pidFile := gateway.NewPIDFile(stateDir, cfg.Gateway.GatewayID)
			if pid, err := pidFile.Status(); err == nil {
				return fmt.Errorf("gateway already running (pid %d)", pid)
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			childArgs := []string{"gateway", "run"}
			if cfgFile != "" {
				childArgs = append(childArgs, "--config", cfgFile)
			}
			if verbose {
				childArgs = append(childArgs, "--verbose")
			}

			logPath := filepath.Join(stateDir, "gateway-"+pidName(cfg)+".log")
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer logFile.Close()

			child := exec.Command(exe, childArgs...)
			child.Stdout = logFile
			child.Stderr = logFile
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := child.Start(); err != nil {
				return fmt.Errorf("start gateway: %w", err)
			}

			// The child writes the pid record once it owns the state dir.
			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				if pid, err := pidFile.Status(); err == nil {
					fmt.Printf("gateway started (pid %d, log %s)\n", pid, logPath)
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			fmt.Printf("gateway launched (pid %d) but did not confirm startup; check %s\n", child.Process.Pid, logPath)
			return nil
		},
	}
}

func gatewayStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a background gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pidFile := gateway.NewPIDFile(config.ExpandHome(cfg.Gateway.StateDir), cfg.Gateway.GatewayID)
			if err := pidFile.Stop(10 * time.Second); err != nil {
				if err == gateway.ErrNotRunning {
					fmt.Println("gateway is not running")
					return nil
				}
				return err
			}
			fmt.Println("gateway stopped")
			return nil
		},
	}
}

func gatewayStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a background gateway is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pidFile := gateway.NewPIDFile(config.ExpandHome(cfg.Gateway.StateDir), cfg.Gateway.GatewayID)
			pid, err := pidFile.Status()
			if err != nil {
				if err == gateway.ErrNotRunning {
					fmt.Println("gateway is not running")
					return nil
				}
				return err
			}
			fmt.Printf("gateway running (pid %d)\n", pid)
			return nil
		},
	}
}

func pidName(cfg *config.Config) string {
	if cfg.Gateway.GatewayID != "" {
		return cfg.Gateway.GatewayID
	}
	return "default"
}

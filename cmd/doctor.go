package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/hivechat/hivechat/internal/config"
	"github.com/hivechat/hivechat/internal/ratelimit"
	"github.com/hivechat/hivechat/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("hivechat doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Relay:")
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Relay.Host, cfg.Relay.Port)
	if cfg.Relay.Token == "" {
		fmt.Printf("    %-12s NOT SET (relay will refuse to start)\n", "Token:")
	} else {
		fmt.Printf("    %-12s set\n", "Token:")
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.PostgresDSN != "" {
		db, dbErr := sql.Open("pgx", cfg.Database.PostgresDSN)
		if dbErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Postgres:", dbErr)
		} else if pingErr := db.Ping(); pingErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Postgres:", pingErr)
			db.Close()
		} else {
			fmt.Printf("    %-12s OK\n", "Postgres:")
			db.Close()
		}
	} else {
		path := cfg.Database.SQLitePath
		if path == "" {
			path = config.ExpandHome("~/.hivechat/hivechat.db")
		}
		fmt.Printf("    %-12s %s\n", "SQLite:", path)
	}

	fmt.Println()
	fmt.Println("  Redis:")
	if cfg.Redis.Addr == "" {
		fmt.Printf("    %-12s (not configured; local rate limiting only)\n", "Addr:")
	} else {
		rs := ratelimit.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if pingErr := rs.Ping(ctx); pingErr != nil {
			fmt.Printf("    %-12s %s (PING FAILED: %s)\n", "Addr:", cfg.Redis.Addr, pingErr)
		} else {
			fmt.Printf("    %-12s %s (OK)\n", "Addr:", cfg.Redis.Addr)
		}
		cancel()
		rs.Close()
	}

	fmt.Println()
	fmt.Println("  LLM Router:")
	if cfg.LLMRouter.BaseURL == "" && cfg.LLMRouter.APIKey == "" {
		fmt.Printf("    %-12s disabled (keyword heuristic only)\n", "Status:")
	} else {
		fmt.Printf("    %-12s %s\n", "Model:", cfg.LLMRouter.Model)
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s\n", "Relay URL:", cfg.Gateway.RelayURL)
	if cfg.Gateway.GatewayID == "" {
		fmt.Printf("    %-12s NOT SET\n", "Gateway ID:")
	} else {
		fmt.Printf("    %-12s %s\n", "Gateway ID:", cfg.Gateway.GatewayID)
	}

	fmt.Println()
	fmt.Println("  Agents:")
	if len(cfg.Gateway.Agents) == 0 {
		fmt.Println("    (none declared)")
	}
	for _, a := range cfg.Gateway.Agents {
		checkAgent(cfg, a)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkAgent reports whether the agent's adapter command resolves on PATH.
func checkAgent(cfg *config.Config, a config.AgentConfig) {
	command := a.Type
	if custom, ok := cfg.Adapters.Custom[a.Type]; ok && custom.Command != "" {
		command = custom.Command
	}
	if path, err := exec.LookPath(command); err != nil {
		fmt.Printf("    %-12s %s (command %q NOT FOUND)\n", a.ID+":", a.Type, command)
	} else {
		fmt.Printf("    %-12s %s (%s)\n", a.ID+":", a.Type, path)
	}
}

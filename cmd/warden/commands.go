package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/gateway"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/permission"
	"github.com/wardenhq/warden/internal/runner"
	"github.com/wardenhq/warden/internal/warden"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("86"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the Warden daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("failed to init logging: %w", err)
			}

			backend := runner.NewCommandBackend(cfg.Runner.Command)
			prompter := permission.NewTerminalPrompter()

			app, err := warden.New(cfg, backend, prompter, nil, nil)
			if err != nil {
				return err
			}
			if err := app.Start(); err != nil {
				return err
			}

			fmt.Println(titleStyle.Render("Warden running"))
			fmt.Printf("   Gateway: http://%s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
			fmt.Println(dimStyle.Render("   Ctrl+C to stop"))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			fmt.Println()
			fmt.Println(dimStyle.Render("Shutting down..."))
			return app.Stop()
		},
	}
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon state: runner phase, autopilot, audit health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newClient(cfg)

			var snap gateway.Snapshot
			if err := client.get("/api/v1/state", &snap); err != nil {
				return fmt.Errorf("daemon unreachable at %s: %w", client.base, err)
			}

			if jsonOutput {
				data, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Println(titleStyle.Render("Warden Status"))
			fmt.Println("───────────────────────────────────────")
			fmt.Printf("Gateway: %s\n\n", client.base)

			fmt.Printf("Runner:    %s", snap.Runner.Phase)
			if snap.Runner.Paused {
				fmt.Print(warnStyle.Render(" (paused)"))
			}
			fmt.Println()
			if snap.Runner.TaskText != "" {
				fmt.Printf("  Task:    %s\n", snap.Runner.TaskText)
			}
			if snap.Runner.Error != "" {
				fmt.Printf("  Error:   %s\n", warnStyle.Render(snap.Runner.Error))
			}
			if snap.Runner.NextAction != "" {
				fmt.Printf("  Next:    %s\n", snap.Runner.NextAction)
			}

			if snap.Autopilot.Armed {
				fmt.Println("Autopilot: " + okStyle.Render("armed"))
				if snap.Autopilot.Hotkey != "" {
					fmt.Printf("  Takeover hotkey: %s\n", snap.Autopilot.Hotkey)
				} else {
					fmt.Println("  " + warnStyle.Render("no hotkey registered, pointer watch only"))
				}
			} else {
				fmt.Println("Autopilot: disarmed")
			}
			if snap.Autopilot.ManualOverride {
				fmt.Println("  " + warnStyle.Render("manual override in effect"))
			}

			if snap.AuditDegraded {
				fmt.Printf("Audit:     %s (%s)\n", warnStyle.Render("degraded"), snap.AuditReason)
			} else {
				fmt.Println("Audit:     " + okStyle.Render("healthy"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize Warden configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := config.DefaultConfigPath()

			if _, err := os.Stat(configPath); err == nil {
				if !force {
					fmt.Printf("Config already exists: %s\n", configPath)
					fmt.Println(dimStyle.Render("Use --force to reinitialize (backs up to .bak)"))
					return nil
				}
				backupPath := configPath + ".bak"
				if err := os.Rename(configPath, backupPath); err != nil {
					return fmt.Errorf("failed to backup config: %w", err)
				}
				fmt.Printf("Backed up existing config to %s\n", backupPath)
			}

			cfg := config.DefaultConfig()
			if err := config.Save(cfg, configPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Println(okStyle.Render("Initialized!"))
			fmt.Printf("   Config: %s\n", configPath)
			fmt.Println()
			fmt.Println("   Next steps:")
			fmt.Println("   1. Set " + cfg.Runner.CredentialEnv + " in the daemon environment")
			fmt.Println("   2. Point runner.command at your agent executable")
			fmt.Println("   3. Run 'warden start'")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Reinitialize config (backs up existing to .bak)")
	return cmd
}

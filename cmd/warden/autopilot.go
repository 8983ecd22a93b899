package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAutopilotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autopilot",
		Short: "Arm and disarm the dead-man switch",
	}
	cmd.AddCommand(newArmCmd(), newDisarmCmd())
	return cmd
}

func newArmCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "arm",
		Short: "Arm the supervisor (requires the os_control capability)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := newClient(cfg).post("/api/v1/autopilot/arm", map[string]string{"reason": reason}, nil); err != nil {
				return err
			}
			fmt.Println(okStyle.Render("Autopilot armed"))
			fmt.Println(dimStyle.Render("   Move the pointer or press the takeover hotkey to reclaim control"))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Arming reason shown in the permission prompt and audit trail")
	return cmd
}

func newDisarmCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "disarm",
		Short: "Disarm the supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := newClient(cfg).post("/api/v1/autopilot/disarm", map[string]string{"reason": reason}, nil); err != nil {
				return err
			}
			fmt.Println("Autopilot disarmed")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Disarm reason recorded in the audit trail")
	return cmd
}

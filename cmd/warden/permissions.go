package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/permission"
)

func newPermissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Inspect and reset persisted capability decisions",
	}
	cmd.AddCommand(newPermissionsListCmd(), newPermissionsRequestCmd(), newPermissionsResetCmd())
	return cmd
}

func newPermissionsRequestCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "request <class>",
		Short: "Resolve a capability class through the daemon (may prompt)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var d permission.Decision
			body := map[string]string{"class": args[0], "reason": reason}
			if err := newClient(cfg).post("/api/v1/permission", body, &d); err != nil {
				return err
			}
			verdict := warnStyle.Render("denied")
			if d.Allow {
				verdict = okStyle.Render("allowed")
			}
			fmt.Printf("%s  %s", args[0], verdict)
			if d.Cached {
				fmt.Print(dimStyle.Render("  (cached)"))
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason shown in the permission prompt and audit trail")
	return cmd
}

func newPermissionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted always-allow / always-deny decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := permission.NewStore(cfg.Permissions.Path)
			if err != nil {
				return err
			}
			classes := store.Classes()
			if len(classes) == 0 {
				fmt.Println(dimStyle.Render("No persisted decisions; every request will prompt"))
				return nil
			}
			fmt.Println(titleStyle.Render("Persisted decisions"))
			for _, class := range classes {
				decision, _ := store.Get(class)
				if decision == permission.DecisionAllow {
					fmt.Printf("  %s  %s\n", okStyle.Render("allow"), class)
				} else {
					fmt.Printf("  %s  %s\n", warnStyle.Render("deny "), class)
				}
			}
			return nil
		},
	}
}

func newPermissionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [class]",
		Short: "Remove a persisted decision, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := permission.NewStore(cfg.Permissions.Path)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if err := store.Remove(args[0]); err != nil {
					return err
				}
				fmt.Printf("Removed decision for %s\n", args[0])
				return nil
			}
			for _, class := range store.Classes() {
				if err := store.Remove(class); err != nil {
					return err
				}
			}
			fmt.Println("All persisted decisions removed; future requests will prompt")
			return nil
		},
	}
}

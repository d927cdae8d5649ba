package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/reconcile"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/stores"
)

const clientTimeout = 10 * time.Second

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Inspect and register managed resources",
	}

	cmd.AddCommand(newResourceRegisterCommand())
	cmd.AddCommand(newResourceGetCommand())
	cmd.AddCommand(newResourceTransitionsCommand())
	cmd.AddCommand(newResourceClearQuarantineCommand())

	return cmd
}

func newResourceClearQuarantineCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-quarantine <id>",
		Short: "Lift a corrupt-state quarantine after manual repair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := reconcile.NewClient(serverURL, clientTimeout)
			if err := client.ClearQuarantine(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("quarantine cleared for %s\n", args[0])
			return nil
		},
	}
}

func newResourceRegisterCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "register <id>",
		Short: "Register a new resource with the control plane",
		Example: `  # Register a managed host
  bmcd resource register host-rack12-07

  # Register a network segment
  bmcd resource register seg-tenant-a --kind network_segment`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := reconcile.NewClient(serverURL, clientTimeout)
			err := client.Register(cmd.Context(), reconcile.RegisterRequest{
				ID:   args[0],
				Kind: stores.ResourceKind(kind),
			})
			if err != nil {
				return err
			}
			fmt.Printf("registered %s as %s\n", args[0], kind)
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", string(stores.KindManagedHost), "resource kind (managed_host, network_segment)")

	return cmd
}

func newResourceGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a resource's state, desired versions and last outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := reconcile.NewClient(serverURL, clientTimeout)
			resource, err := client.GetResource(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resource)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "ID:\t%s\n", resource.ID)
			fmt.Fprintf(w, "Kind:\t%s\n", resource.Kind)
			fmt.Fprintf(w, "State:\t%s (for %s)\n", resource.State, resource.TimeInState.Round(time.Second))
			fmt.Fprintf(w, "Desired tenant:\t%s\n", versionOrDash(resource.Desired.Tenant.IsValid(), resource.Desired.Tenant.String()))
			fmt.Fprintf(w, "Desired lifecycle:\t%s\n", versionOrDash(resource.Desired.Lifecycle.IsValid(), resource.Desired.Lifecycle.String()))
			if resource.Observed != nil {
				fmt.Fprintf(w, "Observed healthy:\t%t\n", resource.Observed.Healthy)
				fmt.Fprintf(w, "Observed isolated:\t%t\n", resource.Observed.Isolated)
				fmt.Fprintf(w, "Last report:\t%s\n", resource.Observed.ReportedAt.Format(time.RFC3339))
			}
			if resource.Quarantined {
				fmt.Fprintf(w, "Quarantined:\ttrue\n")
			}
			for _, alert := range resource.Alerts {
				fmt.Fprintf(w, "Alert:\t%s (%s)\n", alert.ID, alert.Source)
			}
			if resource.LastOutcome != nil {
				fmt.Fprintf(w, "Last outcome:\t%s\n", resource.LastOutcome.Outcome)
				if resource.LastOutcome.Detail != "" {
					fmt.Fprintf(w, "Detail:\t%s\n", resource.LastOutcome.Detail)
				}
			}
			return w.Flush()
		},
	}
}

func newResourceTransitionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions <id>",
		Short: "Show a resource's recent lifecycle transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := reconcile.NewClient(serverURL, clientTimeout)
			history, err := client.Transitions(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(history)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tFROM\tTO\tVERSION")
			for _, tr := range history.Transitions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					tr.OccurredAt.Format(time.RFC3339), tr.PrevState, tr.NextState, tr.Version)
			}
			return w.Flush()
		},
	}
}

func versionOrDash(valid bool, s string) string {
	if !valid {
		return "-"
	}
	return s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

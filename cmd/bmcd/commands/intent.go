package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/intent"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/reconcile"
)

func newIntentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Submit intents against managed resources",
	}

	cmd.AddCommand(newIntentSubmitCommand())

	return cmd
}

func newIntentSubmitCommand() *cobra.Command {
	var (
		payload        string
		idempotencyKey string
	)

	cmd := &cobra.Command{
		Use:   "submit <resource-id> <type>",
		Short: "Enqueue an intent for the controller to consume",
		Long: `Enqueue an intent. The controller consumes intents on its own
schedule; submission only guarantees the request is durably queued.

Intent types:
  create_instance        allocate the host to a tenant (payload required)
  delete_instance        release the host's instance (payload required)
  power_cycle            request an out-of-band power cycle
  decommission           remove the host from the fleet (ready hosts only)
  report_health          inject a health report
  report_network_status  inject a network segment status report`,
		Example: `  # Allocate a host to a tenant
  bmcd intent submit host-rack12-07 create_instance \
    --payload '{"instance_id":"i-123","tenant_id":"t-9","config":{"image":"ubuntu-24.04"}}'

  # Power cycle a wedged host
  bmcd intent submit host-rack12-07 power_cycle`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := reconcile.SubmitIntentRequest{
				Type:           intent.Type(args[1]),
				IdempotencyKey: idempotencyKey,
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}

			client := reconcile.NewClient(serverURL, clientTimeout)
			resp, err := client.SubmitIntent(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Printf("intent %s queued\n", resp.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "intent payload as JSON")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "deduplication key for retried submissions")

	return cmd
}

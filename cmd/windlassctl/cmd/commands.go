package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/windlassproject/windlass/pkg/api"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <payload-json>",
		Short: "Submit a job for execution.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			tier, _ := cmd.Flags().GetString("tier")
			idempotent, _ := cmd.Flags().GetBool("idempotent")
			key, _ := cmd.Flags().GetString("idempotency-key")

			payload := json.RawMessage(args[0])
			if !json.Valid(payload) {
				return errors.New("payload must be valid JSON")
			}

			resp, err := c.SubmitJob(cmd.Context(), &api.SubmitJobRequest{
				TenantID:       tenant,
				Tier:           tier,
				Payload:        payload,
				Idempotent:     idempotent,
				IdempotencyKey: key,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().String("tenant", "", "Tenant submitting the job")
	cmd.Flags().String("tier", "free", "Subscription tier: free, pro or enterprise")
	cmd.Flags().Bool("idempotent", false, "Declare the payload safe to re-run on timeout or crash")
	cmd.Flags().String("idempotency-key", "", "Token deduplicating identical submissions")
	if err := cmd.MarkFlagRequired("tenant"); err != nil {
		panic(err)
	}
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			resp, err := c.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			resp, err := c.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

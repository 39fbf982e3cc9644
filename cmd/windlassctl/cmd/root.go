package cmd

import (
	"github.com/spf13/cobra"

	"github.com/windlassproject/windlass/pkg/client"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "windlassctl",
		Short: "windlassctl controls the windlass multi-tenant execution scheduler.",
	}

	cmd.PersistentFlags().String("url", "http://localhost:8080", "URL of the windlass server")

	cmd.AddCommand(
		submitCmd(),
		statusCmd(),
		cancelCmd(),
	)
	return cmd
}

func clientFromFlags(cmd *cobra.Command) (*client.Client, error) {
	url, err := cmd.Flags().GetString("url")
	if err != nil {
		return nil, err
	}
	return client.New(url), nil
}

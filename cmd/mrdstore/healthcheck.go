package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func HealthcheckCommand(factory ClientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check that the storage server is functioning",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := factory.NewClient()
			if err != nil {
				return err
			}
			if err := client.Healthcheck(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

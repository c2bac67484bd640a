package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/malbeclabs/mongoagent/pkg/semantic"
	"github.com/spf13/cobra"
)

type ValidateCmd struct{}

func NewValidateCmd() *ValidateCmd {
	return &ValidateCmd{}
}

func (c *ValidateCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a semantic model file and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read semantic model: %w", err)
			}
			report := semantic.Validate(data)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
			if !report.Valid {
				return errReported
			}
			return nil
		},
	}
}

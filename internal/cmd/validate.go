package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewValidateCommand creates the validate command: checks the configuration
// and audits the dependency graph for cycles.
func NewValidateCommand() *cobra.Command {
	var projectID int64

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and audit the dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			failed := false
			if problems := rt.cfg.Validate(); len(problems) > 0 {
				failed = true
				for _, p := range problems {
					fmt.Fprintf(cmd.OutOrStdout(), "config: %s\n", p)
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "config: ok")
			}

			var project *int64
			if projectID > 0 {
				project = &projectID
			}
			cycles, err := rt.eng.DetectAllCycles(cmd.Context(), project)
			if err != nil {
				return err
			}
			if len(cycles) > 0 {
				failed = true
				for _, cycle := range cycles {
					fmt.Fprintf(cmd.OutOrStdout(), "dependency cycle: %v\n", cycle)
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "dependency graph: ok")
			}

			if failed {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&projectID, "project", 0, "limit the graph audit to one project id")
	return cmd
}

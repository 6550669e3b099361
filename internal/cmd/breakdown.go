package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harrison/foreman/internal/plan"
)

// NewBreakdownCommand creates the breakdown command: parses a markdown work
// plan and creates its tasks as one atomic batch.
func NewBreakdownCommand() *cobra.Command {
	var projectID int64

	cmd := &cobra.Command{
		Use:   "breakdown <plan.md>",
		Short: "Create a batch of tasks from a markdown plan",
		Long: `Breakdown reads a markdown plan file and creates its tasks under a
project in a single transaction. With --project the tasks are added to an
existing project; otherwise a project is created from the plan's
frontmatter.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			parsed, err := plan.NewParser().Parse(f)
			if err != nil {
				return err
			}

			if projectID == 0 {
				if parsed.Project == "" {
					return fmt.Errorf("plan has no project frontmatter; use --project")
				}
				project, err := rt.eng.CreateProject(cmd.Context(), parsed.Project, parsed.Description)
				if err != nil {
					return err
				}
				projectID = project.ID
				fmt.Fprintf(cmd.OutOrStdout(), "created project %d: %s\n", project.ID, project.Name)
			}

			tasks, err := rt.eng.Breakdown(cmd.Context(), projectID, parsed.Tasks)
			if err != nil {
				return err
			}

			for _, t := range tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "created task %d: %s (deps %v)\n", t.ID, t.Title, t.Dependencies)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&projectID, "project", 0, "existing project id to add the tasks to")
	return cmd
}

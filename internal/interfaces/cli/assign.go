package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/turtacn/ABLab/pkg/client"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// newAssignCmd returns the ablab assign subcommand.
func newAssignCmd() *cobra.Command {
	var (
		userID    string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "assign EXPERIMENT",
		Short: "Resolve a subject's variant assignment",
		Long: `Resolve the variant for a subject in an active experiment.

The same subject always receives the same variant; repeat calls return the
stored assignment. When both --user and --session are given, the user id
identifies the subject.`,
		Example: `  ablab assign checkout_cta --user user-42
  ablab assign checkout_cta --session 9f2c1d`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			api, err := cliCtx.APIClient()
			if err != nil {
				return err
			}

			if userID == "" && sessionID == "" {
				return fmt.Errorf("either --user or --session is required")
			}

			dto, err := api.Assignments().Assign(cmd.Context(), &client.AssignRequest{
				Experiment: args[0],
				UserID:     userID,
				SessionID:  sessionID,
			})
			if err != nil {
				return err
			}

			return PrintResult(cmd, assignmentResult{dto: dto})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user identifier")
	cmd.Flags().StringVar(&sessionID, "session", "", "session identifier")

	return cmd
}

// assignmentResult adapts an assignment for PrintResult.
type assignmentResult struct {
	dto *etypes.AssignmentDTO
}

func (r assignmentResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.dto)
}

func (r assignmentResult) String() string {
	if r.dto.Excluded {
		return fmt.Sprintf("excluded from %s (reason=%s)", r.dto.ExperimentName, r.dto.Reason)
	}
	return fmt.Sprintf("%s: variant %s (control=%t, source=%s)",
		r.dto.ExperimentName, r.dto.VariantName, r.dto.IsControl, r.dto.Source)
}

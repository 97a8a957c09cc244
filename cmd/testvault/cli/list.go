package cli

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/testvault/vault"
)

func newListCmd(g *globalOptions) *cobra.Command {
	var (
		sessionID int64
		testID    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the artifacts of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			sess, err := a.session(ctx, sessionID)
			if err != nil {
				return err
			}

			var artifacts []vault.Artifact
			if testID != "" {
				artifacts, err = sess.ForTest(testID).List(ctx)
			} else {
				artifacts, err = sess.List(ctx)
			}
			if err != nil {
				return err
			}
			if len(artifacts) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No artifacts in session %d.\n", sess.ID())
				return nil
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("ID", "TEST", "NAME", "SIZE")
			for _, art := range artifacts {
				t.Row(
					strconv.FormatInt(art.ID, 10),
					art.TestID,
					art.Name,
					strconv.FormatInt(art.Size, 10),
				)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}

	cmd.Flags().Int64Var(&sessionID, "session", 0, "Session id (default: current session)")
	cmd.Flags().StringVar(&testID, "test", "", "Only list artifacts of this test")
	return cmd
}

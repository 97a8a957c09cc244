package cli

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/testvault/internal/store"
)

func newSessionCmd(g *globalOptions) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage test sessions",
	}

	beginCmd := &cobra.Command{
		Use:   "begin",
		Short: "Start a new session and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.store.BeginOrGetSession(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.ID())
			return nil
		},
	}

	currentCmd := &cobra.Command{
		Use:   "current",
		Short: "Print the id of the most recent session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.store.CurrentSession(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.ID())
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sessions, err := a.store.Storage().ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
				return nil
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("ID", "START")
			for _, s := range sessions {
				start := ""
				if !s.Start.IsZero() {
					start = s.Start.Format(store.StartLayout)
				}
				t.Row(strconv.FormatInt(s.ID, 10), start)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}

	sessionCmd.AddCommand(beginCmd, currentCmd, listCmd)
	return sessionCmd
}

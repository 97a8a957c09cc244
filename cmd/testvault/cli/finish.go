package cli

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/testvault/internal/ui"
	"github.com/felixgeelhaar/testvault/internal/ui/tui"
	"github.com/felixgeelhaar/testvault/vault"
)

func newFinishCmd(g *globalOptions) *cobra.Command {
	var (
		sessionID   int64
		format      string
		interactive bool
		strict      bool
	)

	cmd := &cobra.Command{
		Use:   "finish",
		Short: "Archive every artifact of a session",
		Long: `Finish packages the artifacts of the session into
<artifacts-path>/session-<id>.<zip|tar.gz>. A failed archive is reported but
does not fail the command unless --strict is given.`,
		Args: cobra.NoArgs,
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

			run := func(ctx context.Context) (vault.Result, error) {
				return a.store.Finish(ctx, sess.ID(), vault.Format(format))
			}

			var res vault.Result
			if interactive {
				res, err = finishInteractive(ctx, a, run)
			} else {
				res, err = run(ctx)
			}

			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "archive of session %d failed: %v\n", sess.ID(), err)
				if strict {
					return err
				}
				return nil
			}

			for _, p := range res.Collisions {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s saved more than once, kept the last one\n", p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %d artifacts to %s\n", res.Entries, res.Path)
			return nil
		},
	}

	cmd.Flags().Int64Var(&sessionID, "session", 0, "Session id (default: current session)")
	cmd.Flags().StringVar(&format, "format", "", "Archive format (default: configured format)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Show archive progress")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when archiving fails")
	return cmd
}

// finishInteractive runs the archiver while a progress view renders the
// archive events.
func finishInteractive(ctx context.Context, a *app, run func(context.Context) (vault.Result, error)) (vault.Result, error) {
	model := tui.NewModel("testvault")
	program := tea.NewProgram(model)
	view := tui.NewTUI(program)
	ui.Attach(a.bus, view)

	type outcome struct {
		res vault.Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := run(ctx)
		view.Done(err)
		done <- outcome{res, err}
	}()

	if _, err := program.Run(); err != nil {
		a.obs.Log().Warn().Err(err).Msg("progress view stopped")
	}
	out := <-done
	return out.res, out.err
}

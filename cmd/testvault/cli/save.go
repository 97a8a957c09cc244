package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
)

func newSaveCmd(g *globalOptions) *cobra.Command {
	var (
		sessionID int64
		testID    string
		name      string
	)

	cmd := &cobra.Command{
		Use:   "save PATTERN...",
		Short: "Store files in the session store",
		Long: `Save reads every file matching the given patterns and stores its content
as an artifact of the session. Patterns support ** (for example
reports/**/*.xml). With --test the artifacts belong to that test.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := expand(args)
			if err != nil {
				return err
			}
			if name != "" && len(files) != 1 {
				return fmt.Errorf("--name requires exactly one file, patterns matched %d", len(files))
			}

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

			for _, f := range files {
				artifactName := name
				if artifactName == "" {
					artifactName = filepath.Base(f)
				}

				var id int64
				if testID != "" {
					id, err = sess.ForTest(testID).Save(ctx, artifactName, f)
				} else {
					id, err = sess.Save(ctx, artifactName, f)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", id, artifactName)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&sessionID, "session", 0, "Session id (default: current session)")
	cmd.Flags().StringVar(&testID, "test", "", "Test id the artifacts belong to")
	cmd.Flags().StringVar(&name, "name", "", "Artifact name (default: file base name)")
	return cmd
}

// expand resolves glob patterns to regular files, in pattern order. A
// pattern matching nothing is an error.
func expand(patterns []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		n := 0
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() || seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, m)
			n++
		}
		if n == 0 {
			return nil, fmt.Errorf("pattern %q matched no files", pattern)
		}
	}
	return files, nil
}

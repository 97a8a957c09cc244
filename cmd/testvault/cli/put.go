package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/testvault/internal/blob"
)

func newPutCmd(g *globalOptions) *cobra.Command {
	var testID string

	cmd := &cobra.Command{
		Use:   "put FILE...",
		Short: "Copy files into the artifacts directory",
		Long: `Put copies files as-is into the artifacts path, under a directory named
after the test when --test is given. The session store is not touched.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			obs := newObserver(cmd, cfg)
			defer obs.Close()

			files := blob.New(cfg.ArtifactsPath)
			if testID != "" {
				files = files.Sub(testID)
			}
			for _, src := range args {
				dest, err := files.Save(src)
				if err != nil {
					obs.Log().Error().Err(err).Str("file", src).Msg("failed to copy file")
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), dest)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&testID, "test", "", "Test id used as sub-directory")
	return cmd
}

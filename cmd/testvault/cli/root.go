package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	configFile    string
	envFile       string
	artifactsPath string
	archiveFormat string
	dbDir         string
	dbName        string
	verbose       bool
	jsonLogs      bool
}

// NewRootCmd builds the command tree. Each call returns fresh flag state.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "testvault",
		Short: "Test artifact vault",
		Long: `testvault records the files produced by a test run in a SQLite store
shared by every worker and packages them into one archive per session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.artifactsPath, "artifacts-path", "", "Directory for archives and copied files (default: ./<timestamp>)")
	pf.StringVar(&g.archiveFormat, "artifacts-archive-format", "", "Archive format (zip, tar.gz)")
	pf.StringVar(&g.dbDir, "db-dir", "", "Directory holding the session store (default: current directory)")
	pf.StringVar(&g.dbName, "db-name", "", "File name of the session store (default: pytest.db)")
	pf.StringVar(&g.configFile, "config", "", "YAML or JSON config file")
	pf.StringVar(&g.envFile, "env-file", "", "dotenv file with TESTVAULT_* variables")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Enable verbose logging")
	pf.BoolVar(&g.jsonLogs, "json-logs", false, "Write logs as JSON")

	root.AddCommand(
		newSessionCmd(g),
		newSaveCmd(g),
		newPutCmd(g),
		newListCmd(g),
		newFinishCmd(g),
		newConfigCmd(g),
	)
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

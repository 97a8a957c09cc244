package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/testvault/internal/config"
	"github.com/felixgeelhaar/testvault/internal/events"
	"github.com/felixgeelhaar/testvault/internal/observe"
	"github.com/felixgeelhaar/testvault/internal/ui"
	"github.com/felixgeelhaar/testvault/vault"
)

// loadConfig resolves the configuration: defaults, config file, env file,
// environment and then the flags the user actually set.
func (g *globalOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to resolve working directory: %w", err)
	}
	cfg := config.Default(cwd, time.Now())

	if g.configFile != "" {
		if err := cfg.LoadFile(g.configFile); err != nil {
			return cfg, err
		}
	}
	if g.envFile != "" {
		if err := config.LoadDotenv(g.envFile); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("artifacts-path") {
		cfg.ArtifactsPath = g.artifactsPath
	}
	if flags.Changed("artifacts-archive-format") {
		cfg.ArchiveFormat = g.archiveFormat
	}
	if flags.Changed("db-dir") {
		cfg.DBDir = g.dbDir
	}
	if flags.Changed("db-name") {
		cfg.DBName = g.dbName
	}
	if flags.Changed("verbose") {
		cfg.Verbose = g.verbose
	}
	if flags.Changed("json-logs") {
		cfg.JSONLogs = g.jsonLogs
	}

	return cfg, cfg.Validate()
}

func newObserver(cmd *cobra.Command, cfg config.Config) *observe.Observer {
	if cfg.JSONLogs {
		return observe.NewJSON(cmd.ErrOrStderr(), cfg.Verbose)
	}
	return observe.New(cmd.ErrOrStderr(), cfg.Verbose)
}

// app is what a command needs once flags are resolved.
type app struct {
	cfg   config.Config
	obs   *observe.Observer
	bus   *events.Bus
	store *vault.Store
}

// open resolves the configuration and opens the session store.
func (g *globalOptions) open(cmd *cobra.Command) (*app, error) {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	format, err := cfg.Format()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg: cfg,
		obs: newObserver(cmd, cfg),
		bus: events.NewBus(),
	}
	if cfg.Verbose {
		ui.Attach(a.bus, ui.LogUI{Logger: a.obs.Log()})
	}

	a.store, err = vault.Open(cmd.Context(), vault.Config{
		Root:          cfg.DBDir,
		DBName:        cfg.DBName,
		ArtifactsPath: cfg.ArtifactsPath,
		ArchiveFormat: format,
	}, vault.WithLogger(a.obs.Log()), vault.WithEvents(a.bus))
	if err != nil {
		a.obs.Log().Error().Err(err).Str("db", cfg.DBPath()).Msg("failed to open store")
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	defer a.obs.Close()
	return a.store.Close()
}

// session returns the session named by id, or the current one when id is 0.
func (a *app) session(ctx context.Context, id int64) (*vault.Session, error) {
	if id > 0 {
		return a.store.Session(ctx, id)
	}
	sess, err := a.store.CurrentSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w (run 'testvault session begin' first)", err)
	}
	return sess, nil
}

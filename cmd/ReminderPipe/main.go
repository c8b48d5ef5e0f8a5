// Command ReminderPipe serves the reminder assistant and provides offline
// tools for checking, compiling and bundling triggers.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
	"github.com/BTreeMap/ReminderPipe/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds what every subcommand shares once flags are parsed.
type cli struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "ReminderPipe",
		Short:         "Conversational reminder assistant that compiles reminders into smart-home triggers",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("REMINDERPIPE_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("state-dir", "", "state directory")
	root.PersistentFlags().String("db", "", `store DSN: SQLite path, postgres:// or redis:// URL, or "memory"`)
	root.PersistentFlags().String("catalog", "", "detectability catalog YAML file")

	root.AddCommand(newServeCmd(c), newCheckCmd(c), newCompileCmd(c), newBundleCmd(c))
	return root
}

// load reads the configuration, applies flag overrides and installs the
// default logger.
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	overrides := map[string]*string{
		"state-dir":   &cfg.StateDir,
		"db":          &cfg.DatabaseDSN,
		"catalog":     &cfg.CatalogFile,
		"addr":        &cfg.APIAddr,
		"synthesizer": &cfg.Synthesizer,
	}
	for name, dst := range overrides {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	if f := flags.Lookup("auto-finalize"); f != nil && f.Changed {
		cfg.AutoFinalize, _ = flags.GetBool("auto-finalize")
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	slog.Debug("cli.load: configuration loaded", "config", c.configPath, "state_dir", cfg.StateDir, "dsn_set", cfg.DatabaseDSN != "", "api_addr", cfg.APIAddr)
	c.cfg = cfg
	return nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	slog.Info("cli.loadCatalog: using catalog file", "path", path)
	return cat, nil
}

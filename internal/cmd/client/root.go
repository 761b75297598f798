package client

import (
	"fmt"

	cfgpkg "github.com/rzbill/csvsync/internal/config"
	logpkg "github.com/rzbill/csvsync/pkg/log"
	"github.com/spf13/cobra"
)

// Settings carries the persistent flags and the configuration resolved from
// them. Load fills Config and Logger before any subcommand runs.
type Settings struct {
	ConfigPath string
	EnvFile    string
	DataDir    string
	LogLevel   string
	LogFormat  string

	Config cfgpkg.Config
	Logger logpkg.Logger
}

// Load resolves configuration in order: defaults, JSON file, .env and
// CSVSYNC_* environment, then flags.
func (s *Settings) Load() error {
	if err := cfgpkg.LoadDotEnv(s.EnvFile); err != nil {
		return fmt.Errorf("load %s: %w", s.EnvFile, err)
	}
	cfg, err := cfgpkg.Load(s.ConfigPath)
	if err != nil {
		return err
	}
	cfgpkg.FromEnv(&cfg)
	if s.DataDir != "" {
		cfg.DataDir = s.DataDir
	}
	if s.LogLevel != "" {
		cfg.Log.Level = s.LogLevel
	}
	if s.LogFormat != "" {
		cfg.Log.Format = s.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logpkg.ApplyConfig(&cfg.Log)
	if err != nil {
		return err
	}
	logpkg.RedirectStdLog(logger)
	s.Config, s.Logger = cfg, logger
	return nil
}

// NewRoot constructs the root Cobra command with the local log commands
// and the ingest read-back commands. The binary adds serve on top.
func NewRoot(s *Settings) *cobra.Command {
	root := &cobra.Command{
		Use:           "csvsync",
		Short:         "Append-only CSV logging with remote sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return s.Load()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&s.ConfigPath, "config", "", "JSON config file")
	pf.StringVar(&s.EnvFile, "env-file", ".env", "dotenv file loaded before CSVSYNC_* variables")
	pf.StringVar(&s.DataDir, "data-dir", "", "Data directory (default: OS-specific application data directory)")
	pf.StringVar(&s.LogLevel, "log-level", "", "Log level: debug|info|warn|error")
	pf.StringVar(&s.LogFormat, "log-format", "", "Log format: text|json")

	root.AddCommand(
		newInitCommand(s),
		newLogCommand(s),
		newSyncCommand(s),
		newStatusCommand(s),
		newReadCommand(s),
		NewRemoteCommand(s),
		newTokenCommand(),
	)
	return root
}

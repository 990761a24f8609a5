// Package cmd wires the cadence services into cobra commands.
package cmd

import (
	"context"

	"github.com/dandantas/cadence/internal/config"
	"github.com/spf13/cobra"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

var (
	cfgFile string
	v       = config.NewViper()
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Schedule coordination for data-source polling",
	Long: `cadence keeps file-polling schedules in step with data-source configuration.

The registry owns data-source configuration and lease state, the scheduler
turns change events into cron triggers, and workers process the polling
events those triggers emit. Each service scales horizontally.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a configuration file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("http-port", "8080", "HTTP port for the API, health and metrics endpoints")
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))

	rootCmd.Version = versionInfo.Version
}

// SetVersionInfo records build information reported by --version and /health
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = version
}

// Execute runs the root command until ctx is cancelled
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func initConfig(_ *cobra.Command, _ []string) error {
	if err := config.ReadFile(v, cfgFile); err != nil {
		return err
	}
	cfg = config.Load(v)
	return config.InitLogger(cfg)
}

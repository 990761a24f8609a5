package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() {
		versionInfo = orig
		rootCmd.Version = orig.Version
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "release", version: "1.2.0", commit: "abc123", buildDate: "2026-10-01"},
		{name: "dev build", version: "dev", commit: "HEAD", buildDate: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
			assert.Equal(t, tt.version, rootCmd.Version)
		})
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"registry", "scheduler", "worker"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestInitConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	content := "lease_max_duration: 90s\nkafka_brokers: a:9092,b:9092\nlog_format: console\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	origFile := cfgFile
	defer func() { cfgFile = origFile }()
	cfgFile = path

	require.NoError(t, initConfig(rootCmd, nil))
	require.NotNil(t, cfg)
	assert.Equal(t, 90*time.Second, cfg.LeaseMaxDuration)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "cadence.registry.datasource-changes", cfg.KafkaChangesTopic)
}

func TestInitConfigMissingFile(t *testing.T) {
	origFile := cfgFile
	defer func() { cfgFile = origFile }()
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")

	assert.Error(t, initConfig(rootCmd, nil))
}

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/aeolun/roomchat/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOverrides(t *testing.T) {
	cfg := server.DefaultTOMLConfig()
	applyOverrides(&cfg, &options{
		bind:        "127.0.0.1",
		port:        7000,
		httpPort:    7001,
		ledger:      "/tmp/l.db",
		maxSessions: 3,
		logLevel:    "debug",
	})

	assert.Equal(t, "127.0.0.1", cfg.Server.BindAddress)
	assert.Equal(t, 7000, cfg.Server.TCPPort)
	assert.Equal(t, 7001, cfg.Server.HTTPPort)
	assert.Equal(t, "/tmp/l.db", cfg.Server.LedgerPath)
	assert.Equal(t, 3, cfg.Limits.MaxSessions)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
}

func TestApplyOverridesKeepsFileValues(t *testing.T) {
	cfg := server.DefaultTOMLConfig()
	want := cfg
	applyOverrides(&cfg, &options{})
	assert.Equal(t, want, cfg)
}

func TestApplyOverridesNoLedger(t *testing.T) {
	cfg := server.DefaultTOMLConfig()
	applyOverrides(&cfg, &options{ledger: "/tmp/l.db", noLedger: true})
	assert.Empty(t, cfg.Server.LedgerPath)
}

func TestRootCmdRejectsInvalidConfig(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{
		"--config", filepath.Join(t.TempDir(), "server.toml"),
		"--no-ledger",
		"--max-sessions", "-1",
	})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestRootCmdVersion(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), Version)
}

// ABOUTME: Tests for edge-agent command helpers
// ABOUTME: Covers config path resolution, interactive init and the console log handler

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/2389/agent-edge/internal/config"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	t.Setenv("EDGE_AGENT_CONFIG", "/etc/edge/agent.toml")
	assert.Equal(t, "/etc/edge/agent.toml", getConfigPath())

	t.Setenv("EDGE_AGENT_CONFIG", "")
	assert.Empty(t, getConfigPath(), "missing default file means environment only")

	path := filepath.Join(dir, "edge-agent", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  role: sensor\n"), 0o644))
	assert.Equal(t, path, getConfigPath())
}

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "control.yaml")

	// One answer per prompt; blanks take the role default.
	answers := strings.Join([]string{
		out,
		"control",
		"",
		"",
		"",
		"9091",
		"",
		"",
		filepath.Join(dir, "events.jsonl"),
		"no",
		"",
		"debug",
		"",
	}, "\n") + "\n"

	var stdout bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(answers), &stdout))
	assert.Contains(t, stdout.String(), "Config written to "+out)

	cfg, err := config.Load(out)
	require.NoError(t, err)
	assert.Equal(t, config.RoleControl, cfg.Agent.Role)
	assert.Equal(t, "macmini-control", cfg.Agent.ID)
	assert.Equal(t, 9091, cfg.Server.Port)
	assert.Equal(t, "http://localhost:8080", cfg.Peer.URL)
	assert.Equal(t, config.SourceNone, cfg.Sensor.Source)
	assert.Equal(t, filepath.Join(dir, "events.jsonl"), cfg.Ledger.Path)
	assert.False(t, cfg.Reasoner.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestRunInit_KeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	var stdout bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(path+"\nno\n"), &stdout))
	assert.Contains(t, stdout.String(), "Aborted.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestRunInit_UnknownRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := runInit(strings.NewReader(path+"\nactuator\n"), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "node").WithGroup("peer").Info("discovered", "url", "http://sensor:8080")

	line := buf.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "INF discovered")
	assert.Contains(t, line, "component=node")
	assert.Contains(t, line, "peer.url=http://sensor:8080")
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	logger, closeLog, err := setupLogger(config.LoggingConfig{Level: "warn", Format: "json", File: path})
	require.NoError(t, err)

	logger.Info("skipped")
	logger.Warn("peer offline", "agent_id", "jetson-site-a")
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "skipped")
	assert.Contains(t, string(data), `"msg":"peer offline"`)
	assert.Contains(t, string(data), `"agent_id":"jetson-site-a"`)
}

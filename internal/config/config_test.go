package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Store.Backend)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "default", cfg.Agents[0].ID)
	assert.Equal(t, 4*time.Second, cfg.Tools.Heartbeat())
	assert.Equal(t, 5*time.Minute, cfg.Tools.SubtaskTimeout())
	assert.True(t, cfg.Tools.RestrictWorkspace())
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskclaw.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// workspace lives on scratch
		workspace: "/tmp/claw-ws",
		store: { backend: "sqlite" },
		tools: {
			policy_mode: "strict",
			heartbeat_seconds: 2,
		},
		agents: [
			{ id: "coder", provider: "anthropic", streaming: true },
		],
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/claw-ws", cfg.Workspace)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "strict", cfg.Tools.PolicyMode)
	assert.Equal(t, 2*time.Second, cfg.Tools.Heartbeat())
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "coder", cfg.Agents[0].ID)
	assert.True(t, cfg.Agents[0].Streaming)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TASKCLAW_WORKSPACE", "/tmp/env-ws")
	t.Setenv("TASKCLAW_ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env-ws", cfg.Workspace)
	assert.Equal(t, "sk-test", cfg.Providers.Anthropic.APIKey)
}

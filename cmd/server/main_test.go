package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  users:
    - token: secret-token
      pk: "1"
      username: alice
`), 0o600))

	var out bytes.Buffer
	cmd := rootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", path, "--log-level", "debug"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "level: debug")
	assert.Contains(t, out.String(), "username: alice")
	assert.NotContains(t, out.String(), "secret-token")
}

func TestServeRejectsBadConfig(t *testing.T) {
	cmd := rootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--storage", "mongo"})
	assert.Error(t, cmd.Execute())
}

package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempo/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tempo ")

	out, err = run(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"goVersion"`)
}

func TestInitWritesValidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "tempo.yaml")
	_, err := run(t, "init", "--config", path)
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	cfg, err := config.Decode(path, b)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "node-1", cfg.Node.ID)

	_, err = run(t, "init", "--config", path)
	require.Error(t, err, "existing file is kept without --force")

	_, err = run(t, "init", "--config", path, "--force")
	require.NoError(t, err)
}

func TestServeMissingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	out, err := run(t, "serve", "--config", path)
	require.Error(t, err)
	assert.Contains(t, out, "starting node")
	assert.Contains(t, out, "startup failed")
	assert.Contains(t, out, "missing.yaml")
}

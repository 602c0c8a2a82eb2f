package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInitTemplateContents(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "attach.json")
	c := ConfigInit{Command: "attach", Format: "json", Output: dest}
	require.NoError(t, c.Run())

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))

	// Positional arguments are not configuration and must not appear.
	assert.NotContains(t, got, "host")
	assert.NotContains(t, got, "busID")

	assert.Equal(t, float64(1), got["virtualBus"])
	assert.Equal(t, float64(0), got["maxConsecutiveFailures"])
	assert.Equal(t, "5s", got["detachGrace"])
	assert.Equal(t, "10s", got["dialTimeout"])
}

func TestConfigInitFormats(t *testing.T) {
	for _, format := range []string{"json", "yaml", "toml"} {
		t.Run(format, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "attach."+format)
			c := ConfigInit{Command: "attach", Format: format, Output: dest}
			require.NoError(t, c.Run())

			raw, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.NotEmpty(t, raw)
		})
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "attach.json")
	require.NoError(t, os.WriteFile(dest, []byte("{}"), 0o644))

	c := ConfigInit{Command: "attach", Format: "json", Output: dest}
	require.Error(t, c.Run())

	c.Force = true
	require.NoError(t, c.Run())
}

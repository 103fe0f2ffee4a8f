package personas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPersonas(t *testing.T) {
	set := Default()
	require.Len(t, set, 50)
	assert.Equal(t, "RoastMaster-47", set[0].Name)
	assert.Equal(t, "Savage", set[0].Style)
	assert.Equal(t, "LinkedIn therapy-speak", set[0].Focus)
	assert.Equal(t, "ClinicalCameron", set[49].Name)

	fallback := Fallback(set)
	require.Len(t, fallback, FallbackCount)
	assert.Equal(t, "CleanCopy", fallback[4].Name)
}

func TestLoadOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("personas:\n  - name: Solo\n    style: Witty\n"), 0o600))

	set, err := Load(path)
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, "Solo", set[0].Name)
	assert.Len(t, Fallback(set), 1)
}

func TestParseRejectsBadEntries(t *testing.T) {
	_, err := Parse([]byte("personas: []"))
	assert.Error(t, err)
	_, err = Parse([]byte("personas:\n  - name: X\n    style: Grumpy\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("personas:\n  - style: Fair\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

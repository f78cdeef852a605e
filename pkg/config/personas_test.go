package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePersonas(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPersonasMergesOverDefaults(t *testing.T) {
	path := writePersonas(t, `
personas:
  - display_name: quiet-archivist
    archetype: pattern archivist
  - traits: [skeptical, terse]
    summary: Distrusts round numbers.
`)

	profiles, err := LoadPersonas(path)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	assert.Equal(t, "quiet-archivist", profiles[0].DisplayName)
	assert.Equal(t, "pattern archivist", profiles[0].Archetype)
	assert.Equal(t, "Keeps a diary while making observations of context messages", profiles[0].Summary)
	assert.Equal(t, []string{"observant", "collaborative"}, profiles[0].Traits)

	assert.Empty(t, profiles[1].DisplayName, "identity left to the generated name scheme")
	assert.Equal(t, []string{"skeptical", "terse"}, profiles[1].Traits)
	assert.Equal(t, "Distrusts round numbers.", profiles[1].Summary)
	assert.Len(t, profiles[1].Goals, 2)
}

func TestLoadPersonasMissingFile(t *testing.T) {
	_, err := LoadPersonas(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersonasNotFound)

	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	assert.Contains(t, lerr.File, "nope.yaml")
}

func TestLoadPersonasInvalidYAML(t *testing.T) {
	path := writePersonas(t, "personas: [unclosed")
	_, err := LoadPersonas(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestFromEnvLoadsRoster(t *testing.T) {
	setMockCouncil(t)
	path := writePersonas(t, `
personas:
  - display_name: quiet-archivist
`)
	t.Setenv(EnvPersonasFile, path)

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Len(t, cfg.Experiment.Personas, 1)
	assert.Equal(t, "quiet-archivist", cfg.Experiment.Personas[0].DisplayName)
}

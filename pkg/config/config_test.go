package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortality-lab/mortality/pkg/llm"
)

// clearDriverEnv isolates the test from the ambient environment.
func clearDriverEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvProvider, EnvModels, EnvReplicas,
		EnvSpreadStart, EnvSpreadEnd,
		EnvTickSeconds, EnvTickMax,
		EnvLiveDashboard, EnvWSPort,
		EnvPersonasFile, EnvOpenRouterKey,
	} {
		t.Setenv(key, "")
	}
}

func setMockCouncil(t *testing.T) {
	t.Helper()
	clearDriverEnv(t)
	t.Setenv(EnvProvider, "mock")
	t.Setenv(EnvModels, "mock-a,mock-b")
}

func TestFromEnvDefaults(t *testing.T) {
	setMockCouncil(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, llm.ProviderMock, cfg.Experiment.Provider)
	assert.Equal(t, []string{"mock-a", "mock-b"}, cfg.Experiment.Models)
	assert.Equal(t, 1, cfg.Experiment.ReplicasPerModel)
	assert.Equal(t, 5.0, cfg.Experiment.SpreadStartMinutes)
	assert.Equal(t, 15.0, cfg.Experiment.SpreadEndMinutes)
	assert.False(t, cfg.LiveDashboard)
	assert.Equal(t, 8765, cfg.WSPort)
}

func TestFromEnvRequiresOpenRouterKey(t *testing.T) {
	clearDriverEnv(t)
	t.Setenv(EnvModels, "m-1,m-2,m-3,m-4")

	_, err := FromEnv()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, EnvOpenRouterKey, verr.ID)

	t.Setenv(EnvOpenRouterKey, "sk-test")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderOpenRouter, cfg.Experiment.Provider)
}

func TestFromEnvRequiresFourUniqueModels(t *testing.T) {
	clearDriverEnv(t)
	t.Setenv(EnvOpenRouterKey, "sk-test")
	t.Setenv(EnvModels, "m-1,m-2,m-1,m-2")

	_, err := FromEnv()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
	assert.Contains(t, err.Error(), "at least 4 unique models")
}

func TestFromEnvMockSkipsModelFloor(t *testing.T) {
	clearDriverEnv(t)
	t.Setenv(EnvProvider, "mock")
	t.Setenv(EnvModels, "solo")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, cfg.Experiment.Models)
}

func TestFromEnvRejectsUnknownProvider(t *testing.T) {
	clearDriverEnv(t)
	t.Setenv(EnvProvider, "teapot")

	_, err := FromEnv()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Contains(t, err.Error(), "teapot")
}

func TestFromEnvReplicasMustBeOne(t *testing.T) {
	setMockCouncil(t)
	t.Setenv(EnvReplicas, "2")

	_, err := FromEnv()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)

	t.Setenv(EnvReplicas, "1")
	_, err = FromEnv()
	assert.NoError(t, err)
}

func TestFromEnvSpreadWindow(t *testing.T) {
	setMockCouncil(t)
	t.Setenv(EnvSpreadStart, "2.5")
	t.Setenv(EnvSpreadEnd, "7.5")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.Experiment.SpreadStartMinutes)
	assert.Equal(t, 7.5, cfg.Experiment.SpreadEndMinutes)

	t.Setenv(EnvSpreadEnd, "1.0")
	_, err = FromEnv()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestFromEnvTickWindow(t *testing.T) {
	setMockCouncil(t)
	t.Setenv(EnvTickSeconds, "10")

	// Raising only the minimum widens the window to keep max >= min.
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.Experiment.TickSeconds)
	assert.Equal(t, 10.0, cfg.Experiment.TickSecondsMax)

	t.Setenv(EnvTickMax, "12")
	cfg, err = FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 12.0, cfg.Experiment.TickSecondsMax)

	t.Setenv(EnvTickMax, "3")
	_, err = FromEnv()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestFromEnvDashboardAndPort(t *testing.T) {
	setMockCouncil(t)
	t.Setenv(EnvLiveDashboard, "true")
	t.Setenv(EnvWSPort, "9100")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.LiveDashboard)
	assert.Equal(t, 9100, cfg.WSPort)

	t.Setenv(EnvWSPort, "70000")
	_, err = FromEnv()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestFromEnvBadFloat(t *testing.T) {
	setMockCouncil(t)
	t.Setenv(EnvSpreadStart, "soon")

	_, err := FromEnv()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, EnvSpreadStart, verr.ID)
	assert.True(t, errors.Is(err, ErrInvalidValue))
}

package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillstream/rill/metrics"
	"github.com/rillstream/rill/store"
	"github.com/rillstream/rill/stream"
)

func newTestEnv() *stream.Environment {
	return stream.New(stream.DefaultEnvironmentOptions, store.NewMemoryBackend(3), metrics.NewTestScope())
}

func TestRegistryTracksJobs(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	env := newTestEnv()
	registry.Register("wordcount", env, nil)

	assert.Equal(t, map[string]JobState{"wordcount": JobRunning}, registry.Jobs())
	got, ok := registry.Environment("wordcount")
	assert.True(t, ok)
	assert.Same(t, env, got)
	_, ok = registry.Environment("absent")
	assert.False(t, ok)
}

func TestRegistryStopValidation(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)
	registry.Register("wordcount", newTestEnv(), nil)

	_, err = registry.Stop("absent", "none")
	assert.Error(t, err)
	_, err = registry.Stop("wordcount", "sideways")
	assert.Error(t, err)
}

func TestRegistryStopModeNoneCompletesSynchronously(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)
	registry.Register("wordcount", newTestEnv(), nil)

	op, err := registry.Stop("wordcount", "none")
	require.NoError(t, err)
	assert.Equal(t, OperationCompleted, op.State)
	assert.Equal(t, "stop", op.Kind)
	assert.NotEmpty(t, op.ID)

	looked, ok := registry.Operation(op.ID)
	assert.True(t, ok)
	assert.Equal(t, op, looked)
	_, ok = registry.Operation("0")
	assert.False(t, ok)

	//a "none" stop must not change the job state
	assert.Equal(t, JobRunning, registry.Jobs()["wordcount"])
}

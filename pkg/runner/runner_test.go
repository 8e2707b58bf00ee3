package runner

import (
	"context"
	"testing"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	r := New()
	result, err := r.Run(context.Background(), Invocation{
		Argv: []string{"echo", "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, string(result.Stdout), "hello")
}

func TestRunNonZeroExit(t *testing.T) {
	r := New()
	result, err := r.Run(context.Background(), Invocation{
		Argv: []string{"sh", "-c", "exit 7"},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result.ExitCode)
}

func TestRunNotFound(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), Invocation{
		Argv: []string{"clonebox-nonexistent-binary-xyz"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrExternalToolMissing, types.KindOf(err))
}

func TestRunTimeout(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), Invocation{
		Argv:    []string{"sleep", "5"},
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrTimeout, types.KindOf(err))
}

func TestRunCapturesCapped(t *testing.T) {
	r := New()
	result, err := r.Run(context.Background(), Invocation{
		Argv:         []string{"sh", "-c", "for i in $(seq 1 1000); do echo line$i; done"},
		CaptureLimit: 64,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Stdout), 64)
}

func TestRunEmptyArgv(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), Invocation{})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidArgument, types.KindOf(err))
}

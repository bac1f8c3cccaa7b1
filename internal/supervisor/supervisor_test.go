package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesStdoutLines(t *testing.T) {
	var lines []string
	res, err := Run(context.Background(), "printf", []string{"a\\nb\\nc\\n"}, Options{
		OnStdoutLine: func(l string) { lines = append(lines, l) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, lines)
	assert.Equal(t, "a\nb\nc\n", res.Stdout)
}

func TestRun_NonzeroExitCarriesStderr(t *testing.T) {
	_, err := Run(context.Background(), "sh", []string{"-c", "echo oops 1>&2; exit 3"}, Options{})
	require.Error(t, err)
	exitErr, ok := err.(*ExitError)
	require.True(t, ok)
	assert.Contains(t, exitErr.Stderr, "oops")
}

func TestRun_SpawnFailure(t *testing.T) {
	_, err := Run(context.Background(), "this-binary-does-not-exist-xyz", nil, Options{})
	require.Error(t, err)
}

func TestRun_Cancellation(t *testing.T) {
	canceled := make(chan struct{})
	start := time.Now()
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(canceled)
	}()

	_, err := Run(context.Background(), "sleep", []string{"30"}, Options{
		PollInterval: 10 * time.Millisecond,
		ShouldCancel: func() bool {
			select {
			case <-canceled:
				return true
			default:
				return false
			}
		},
	})

	require.Error(t, err)
	_, ok := err.(*CanceledError)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
}

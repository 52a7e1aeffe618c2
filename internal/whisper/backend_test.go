package whisper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectBackendCPU(t *testing.T) {
	t.Parallel()

	backend := SelectBackend(ComputeCPU, DeviceCUDA, 1)
	require.Equal(t, DeviceCPU, backend.Device)
	require.Equal(t, PrecisionInt8, backend.Precision)
	require.False(t, backend.FellBack)
	require.False(t, backend.UsesGPU())
}

func TestSelectBackendGPUWithAccelerator(t *testing.T) {
	t.Parallel()

	backend := SelectBackend(ComputeGPU, DeviceCUDA, 2)
	require.Equal(t, DeviceCUDA, backend.Device)
	require.Equal(t, PrecisionFloat16, backend.Precision)
	require.True(t, backend.UsesGPU())
}

func TestSelectBackendGPUFallsBack(t *testing.T) {
	t.Parallel()

	backend := SelectBackend(ComputeGPU, "", 1)
	require.Equal(t, DeviceCPU, backend.Device)
	require.Equal(t, PrecisionInt8, backend.Precision)
	require.True(t, backend.FellBack)
}

func TestThreadsPerWorker(t *testing.T) {
	t.Parallel()

	require.Equal(t, 8, threadsPerWorker(8, 1))
	require.Equal(t, 2, threadsPerWorker(8, 4))
	require.Equal(t, 1, threadsPerWorker(2, 4))
	require.Equal(t, 4, threadsPerWorker(4, 0))
}

func TestParseTask(t *testing.T) {
	t.Parallel()

	task, err := ParseTask("translate")
	require.NoError(t, err)
	require.Equal(t, TaskTranslate, task)

	_, err = ParseTask("summarize")
	require.Error(t, err)
}

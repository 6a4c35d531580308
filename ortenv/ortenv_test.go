package ortenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailable(t *testing.T) {
	t.Setenv(LibraryEnv, "")
	assert.False(t, Available())

	t.Setenv(LibraryEnv, "/opt/onnxruntime/lib/libonnxruntime.so")
	assert.True(t, Available())
}

func TestAcquireIsReferenceCounted(t *testing.T) {
	if !Available() {
		t.Skipf("set %s to run ONNX Runtime tests", LibraryEnv)
	}

	releaseA, err := Acquire("")
	require.NoError(t, err)
	releaseB, err := Acquire("")
	require.NoError(t, err)
	assert.Equal(t, 2, refs)

	releaseA()
	releaseA()
	assert.Equal(t, 1, refs)

	releaseB()
	assert.Equal(t, 0, refs)
}

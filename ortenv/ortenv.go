// Package ortenv shares one ONNX Runtime environment between the
// classifier and detector sessions of a process.
package ortenv

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// LibraryEnv names the variable consulted when no library path is given.
const LibraryEnv = "ONNXRUNTIME_LIB"

var (
	mu   sync.Mutex
	refs int
)

// Acquire initializes the environment on first use and returns a release
// function. The environment is destroyed when the last holder releases it.
func Acquire(libPath string) (func(), error) {
	mu.Lock()
	defer mu.Unlock()

	if refs == 0 {
		if libPath == "" {
			libPath = os.Getenv(LibraryEnv)
		}
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	refs++

	var once sync.Once
	return func() {
		once.Do(release)
	}, nil
}

func release() {
	mu.Lock()
	defer mu.Unlock()

	refs--
	if refs == 0 {
		ort.DestroyEnvironment()
	}
}

// Available reports whether a runtime library has been configured through
// LibraryEnv. Tests use it to skip when the runtime is absent.
func Available() bool {
	return os.Getenv(LibraryEnv) != ""
}

// Package factory picks the hardware backend for the platform the binary
// was built for.
package factory

import (
	"fmt"
	"runtime"
)

// Platform describes the host the binary is running on.
func Platform() string {
	return fmt.Sprintf("%s/%s (%s)", runtime.GOOS, runtime.GOARCH, Name())
}

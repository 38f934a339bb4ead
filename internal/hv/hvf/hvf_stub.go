//go:build !darwin || !arm64

package hvf

import (
	"fmt"

	"github.com/tinyrange/aether/internal/hv"
)

// Probe always fails off darwin/arm64.
func Probe() error {
	return fmt.Errorf("hvf: %w", hv.ErrHypervisorUnsupported)
}

//go:build !windows || !amd64

package whp

import (
	"fmt"

	"github.com/tinyrange/aether/internal/hv"
)

// Probe always fails off windows/amd64.
func Probe() error {
	return fmt.Errorf("whp: %w", hv.ErrHypervisorUnsupported)
}

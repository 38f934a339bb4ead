//go:build !((linux && amd64) || (linux && arm64) || (darwin && arm64) || (windows && amd64))

package factory

import "github.com/tinyrange/aether/internal/hv"

func Name() string { return "unsupported" }

func Probe() error { return hv.ErrHypervisorUnsupported }

// Open validates cfg so that configuration errors are still reported on
// hosts without a backend.
func Open(cfg hv.Config) (hv.Backend, error) {
	if err := cfg.WithDefaults().Validate(); err != nil {
		return nil, err
	}
	return nil, hv.ErrHypervisorUnsupported
}

//go:build darwin && arm64

package factory

import (
	"github.com/tinyrange/aether/internal/hv"
	"github.com/tinyrange/aether/internal/hv/hvf"
)

func Name() string { return "hvf" }

func Probe() error { return hvf.Probe() }

func Open(cfg hv.Config) (hv.Backend, error) {
	b, err := hvf.New(cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

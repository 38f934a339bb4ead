//go:build linux && (amd64 || arm64)

package factory

import (
	"github.com/tinyrange/aether/internal/hv"
	"github.com/tinyrange/aether/internal/hv/kvm"
)

func Name() string { return "kvm" }

func Probe() error { return kvm.Probe() }

func Open(cfg hv.Config) (hv.Backend, error) {
	b, err := kvm.New(cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

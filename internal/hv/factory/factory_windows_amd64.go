//go:build windows && amd64

package factory

import (
	"github.com/tinyrange/aether/internal/hv"
	"github.com/tinyrange/aether/internal/hv/whp"
)

func Name() string { return "whp" }

func Probe() error { return whp.Probe() }

func Open(cfg hv.Config) (hv.Backend, error) {
	b, err := whp.New(cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

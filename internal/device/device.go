// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device resolves the compute device once at startup and creates the GoMLX backend for it.
package device

import (
	"strings"

	"github.com/gomlx/go-xla/pkg/installer"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/xla"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

// Auto selects the accelerator if one is available, and otherwise the GoMLX default backend,
// which honours the GOMLX_BACKEND environment variable.
const Auto = "auto"

// Backend configurations Resolve may return.
const (
	CUDA = "xla:cuda"
	CPU  = "xla:cpu"
	Go   = "go"
)

// hasGPU is replaced in tests.
var hasGPU = installer.HasNvidiaGPU

// Resolve maps a device name to a GoMLX backend configuration string.
//
// Accepted names are "auto", "cpu", "cuda" (or "gpu"), "go", or any backend configuration
// understood by backends.NewWithConfig, which is returned as is. An empty return value means the
// GoMLX default configuration.
func Resolve(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Auto:
		if hasGPU() {
			return CUDA
		}
		return ""
	case "cpu":
		return CPU
	case "cuda", "gpu":
		return CUDA
	case Go, "simplego":
		return Go
	default:
		return name
	}
}

// New resolves name and creates the backend. Call it once, and pass the backend to every
// component that computes.
func New(name string) (backends.Backend, error) {
	config := Resolve(name)
	if config == "" || strings.HasPrefix(config, "xla") {
		// Makes sure the PJRT plugins are installed, a no-op when they are already there.
		if err := xla.AutoInstall(); err != nil {
			klog.Warningf("failed to auto-install XLA PJRT plugins: %v", err)
		}
	}
	var backend backends.Backend
	var err error
	if config == "" {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(config)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend for device %q (config %q)", name, config)
	}
	klog.Infof("device %q: backend %q, %s", name, backend.Name(), backend.Description())
	return backend, nil
}

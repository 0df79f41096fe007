// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// Registry errors.
var (
	ErrAlreadyRegistered = errors.New("kernel already registered")
	ErrNilFactory        = errors.New("kernel factory must not be nil")
	ErrUnknownKernel     = &perferr.Error{Kind: perferr.KindLookup, Msg: "unknown kernel"}
)

// Factory builds a kernel sized for the target device.
type Factory func(info deviceinfo.Info) (Kernel, error)

// Registry maps kernel names to factories.
//
// Description:
//
//	Kernels are registered once at startup. Create resolves deprecated
//	names and warns about each of them once per registry.
//
// Thread Safety: Safe for concurrent use via read-write mutex.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	warned    map[string]bool
	console   *ux.Console
}

// NewRegistry creates an empty registry. Deprecation warnings go to
// console, or ux.Default() when nil.
func NewRegistry(console *ux.Console) *Registry {
	if console == nil {
		console = ux.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		warned:    make(map[string]bool),
		console:   console,
	}
}

// Register adds a factory under name.
//
// Outputs:
//   - error: nil on success, ErrNilFactory if factory is nil,
//     ErrAlreadyRegistered if name is already taken.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Register(name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("%w: %s", ErrNilFactory, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister registers a factory and panics on error.
//
// Should only be used during startup, not at runtime.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(fmt.Sprintf("kernel: failed to register %s: %v", name, err))
	}
}

// Names returns the registered kernel names, sorted.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a deprecated name onto its replacement, warning the first
// time each deprecated name is seen.
func (r *Registry) Resolve(name string) string {
	current, deprecated := stats.DeprecatedKernelNames[name]
	if !deprecated {
		return name
	}

	r.mu.Lock()
	first := !r.warned[name]
	r.warned[name] = true
	r.mu.Unlock()

	if first {
		r.console.Print(ux.CatWarn, fmt.Sprintf("Kernel name %s deprecated, use %s", name, current))
	}
	return current
}

// Create builds the kernel called name for info.
//
// Outputs:
//   - Kernel: The kernel. Never nil when err is nil.
//   - error: Wraps ErrUnknownKernel, listing the available names, when
//     name is not registered; otherwise the factory's error.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Create(name string, info deviceinfo.Info) (Kernel, error) {
	name = r.Resolve(name)

	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %q, available kernels: %s", ErrUnknownKernel, name, strings.Join(r.Names(), ", "))
	}
	k, err := factory(info)
	if err != nil {
		return nil, fmt.Errorf("creating kernel %s: %w", name, err)
	}
	return k, nil
}

// CreateAll builds every kernel in names, in order.
func (r *Registry) CreateAll(names []string, info deviceinfo.Info) ([]Kernel, error) {
	out := make([]Kernel, 0, len(names))
	for _, name := range names {
		k, err := r.Create(name, info)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

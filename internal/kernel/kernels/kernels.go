// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kernels holds the benchmark kernels shipped with micperf.
//
// Every kernel is sized from the deviceinfo.Info of the target when it
// is created, so category parameter lists match the core count and
// memory of the device under test.
package kernels

import (
	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// factory adapts a typed constructor to kernel.Factory.
func factory[K kernel.Kernel](build func(deviceinfo.Info) (K, error)) kernel.Factory {
	return func(info deviceinfo.Info) (kernel.Kernel, error) {
		k, err := build(info)
		if err != nil {
			return nil, err
		}
		return k, nil
	}
}

// Register adds every bundled kernel to r.
func Register(r *kernel.Registry) {
	r.MustRegister("stream", factory(NewStream))
	r.MustRegister("sgemm", factory(NewSGEMM))
	r.MustRegister("dgemm", factory(NewDGEMM))
	r.MustRegister("igemm", factory(NewIGEMM))
	r.MustRegister("linpack", factory(NewLinpack))
	r.MustRegister("hplinpack", factory(NewHPLinpack))
	r.MustRegister("hpcg", factory(NewHPCG))
	r.MustRegister("fio", factory(NewFIO))
	r.MustRegister("mkl_conv", factory(NewMKLConv))
	r.MustRegister("libxsmm_conv", factory(NewLIBXSMMConv))
}

// NewRegistry returns a registry holding every bundled kernel.
func NewRegistry(console *ux.Console) *kernel.Registry {
	r := kernel.NewRegistry(console)
	Register(r)
	return r
}

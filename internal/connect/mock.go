// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connect

import (
	"context"
	"slices"
	"sync"
)

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// Mock is a test double for Connection.
//
// Configure the mock by setting function fields before use. A nil
// ExecuteFunc returns a process that exits 0 with no output; nil copy
// functions succeed.
//
// # Examples
//
//	mock := &connect.Mock{
//	    ExecuteFunc: func(ctx context.Context, cmd connect.Command) (connect.Result, error) {
//	        return connect.Result{Stdout: "[ PERFORMANCE ] Task.Bandwidth 12.5 GB/s R"}, nil
//	    },
//	}
type Mock struct {
	// Name is returned by Host.
	Name string

	// ExecuteFunc produces the result of a launched command. An error is
	// returned from Execute, not from Wait.
	ExecuteFunc func(ctx context.Context, cmd Command) (Result, error)

	// CopyToFunc is called when CopyTo is invoked
	CopyToFunc func(ctx context.Context, sources []string, dest string) error

	// CopyFromFunc is called when CopyFrom is invoked
	CopyFromFunc func(ctx context.Context, sources []string, dest string) error

	// Calls records all method invocations for verification
	Calls []MockCall

	// mu protects Calls for concurrent access
	mu sync.Mutex
}

// MockCall records a single method invocation.
type MockCall struct {
	Method  string
	Command Command
	Sources []string
	Dest    string
}

func (m *Mock) record(c MockCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

// Host implements Connection.
func (m *Mock) Host() string {
	if m.Name == "" {
		return "mock"
	}
	return m.Name
}

// Execute records the call and runs ExecuteFunc.
func (m *Mock) Execute(ctx context.Context, cmd Command) (Process, error) {
	m.record(MockCall{Method: "Execute", Command: cmd})
	if m.ExecuteFunc == nil {
		return &mockProcess{}, nil
	}
	res, err := m.ExecuteFunc(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return &mockProcess{res: res}, nil
}

// CopyTo records the call and runs CopyToFunc.
func (m *Mock) CopyTo(ctx context.Context, sources []string, dest string) error {
	m.record(MockCall{Method: "CopyTo", Sources: slices.Clone(sources), Dest: dest})
	if m.CopyToFunc == nil {
		return nil
	}
	return m.CopyToFunc(ctx, sources, dest)
}

// CopyFrom records the call and runs CopyFromFunc.
func (m *Mock) CopyFrom(ctx context.Context, sources []string, dest string) error {
	m.record(MockCall{Method: "CopyFrom", Sources: slices.Clone(sources), Dest: dest})
	if m.CopyFromFunc == nil {
		return nil
	}
	return m.CopyFromFunc(ctx, sources, dest)
}

// CallsTo returns the recorded calls of one method.
func (m *Mock) CallsTo(method string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockCall
	for _, c := range m.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

type mockProcess struct {
	res    Result
	mu     sync.Mutex
	waited bool
}

func (p *mockProcess) Wait() (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waited = true
	return p.res, nil
}

func (p *mockProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waited {
		return ErrNotRunning
	}
	return nil
}

var _ Connection = (*Mock)(nil)

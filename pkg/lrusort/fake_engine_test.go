// Copyright 2021 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lrusort

import (
	"fmt"
	"sync"
)

// fakeEngine records calls made to it and its contexts.
type fakeEngine struct {
	mutex        sync.Mutex
	calls        []string
	systemRAM    AddrRange
	systemRAMErr error
	newCtxErr    error
	ctx          *fakeContext
	// errors returned by the next context operations
	selectOpsErr error
	addTargetErr error
	startErr     error
	regionsErr   error
}

type fakeContext struct {
	e         *fakeEngine
	attrs     MonitoringAttrs
	schemes   []*Scheme
	callbacks Callbacks
	running   bool
	destroyed bool
}

type fakeTarget struct {
	e       *fakeEngine
	regions []AddrRange
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		systemRAM: AddrRange{Start: 0x100000000, End: 0x200000000},
	}
}

func (e *fakeEngine) record(format string, a ...interface{}) {
	e.calls = append(e.calls, fmt.Sprintf(format, a...))
}

// Calls returns the names of recorded calls.
func (e *fakeEngine) Calls() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]string{}, e.calls...)
}

func (e *fakeEngine) resetCalls() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.calls = nil
}

func (e *fakeEngine) SetConfigJSON(string) error { return nil }
func (e *fakeEngine) GetConfigJSON() string      { return "" }

func (e *fakeEngine) NewContext() (Context, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.record("NewContext")
	if e.newCtxErr != nil {
		return nil, e.newCtxErr
	}
	e.ctx = &fakeContext{e: e}
	return e.ctx, nil
}

func (e *fakeEngine) FindBiggestSystemRAM() (AddrRange, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.record("FindBiggestSystemRAM")
	if e.systemRAMErr != nil {
		return AddrRange{}, e.systemRAMErr
	}
	return e.systemRAM, nil
}

func (c *fakeContext) SelectOps(ops OpsKind) error {
	c.e.mutex.Lock()
	defer c.e.mutex.Unlock()
	c.e.record("SelectOps")
	return c.e.selectOpsErr
}

func (c *fakeContext) SetAttrs(attrs MonitoringAttrs) error {
	c.e.mutex.Lock()
	defer c.e.mutex.Unlock()
	c.e.record("SetAttrs")
	if err := attrs.Validate(); err != nil {
		return err
	}
	c.attrs = attrs
	return nil
}

func (c *fakeContext) SetSchemes(schemes []*Scheme) error {
	c.e.mutex.Lock()
	defer c.e.mutex.Unlock()
	c.e.record("SetSchemes")
	c.schemes = append([]*Scheme{}, schemes...)
	return nil
}

func (c *fakeContext) AddScheme(s *Scheme) error {
	c.e.mutex.Lock()
	defer c.e.mutex.Unlock()
	c.e.record("AddScheme")
	c.schemes = append(c.schemes, s)
	return nil
}

// Schemes returns installed scheme objects as they are, so that tests
// can compare their identity.
func (c *fakeContext) Schemes() []*Scheme {
	c.e.mutex.Lock()
	defer c.e.mutex.Unlock()
	return append([]*Scheme{}, c.schemes...)
}

func (c *fakeContext) AddTarget() (Target, error) {
	c.e.mutex.Lock()
	defer c.e.mutex.Unlock()
	c.e.record("AddTarget")
	if c.e.addTargetErr != nil {
		return nil, c.e.addTargetErr
	}
	return &fakeTarget{e: c.e}, nil
}

func (t *fakeTarget) SetRegions(regions []AddrRange) error {
	t.e.mutex.Lock()
	defer t.e.mutex.Unlock()
	t.e.record("SetRegions")
	if t.e.regionsErr != nil {
		return t.e.regionsErr
	}
	t.regions = append([]AddrRange{}, regions...)
	return nil
}

func (c *fakeContext) SetCallbacks(cbs Callbacks) {
	c.e.mutex.Lock()
	defer c.e.mutex.Unlock()
	c.callbacks = cbs
}

func (c *fakeContext) Start(exclusive bool) error {
	c.e.mutex.Lock()
	defer c.e.mutex.Unlock()
	c.e.record("Start")
	if c.e.startErr != nil {
		return c.e.startErr
	}
	if c.running {
		return ErrAlreadyRunning
	}
	c.running = true
	return nil
}

func (c *fakeContext) Stop() error {
	c.e.mutex.Lock()
	defer c.e.mutex.Unlock()
	c.e.record("Stop")
	if !c.running {
		return ErrNotRunning
	}
	c.running = false
	return nil
}

func (c *fakeContext) IsRunning() bool {
	c.e.mutex.Lock()
	defer c.e.mutex.Unlock()
	return c.running
}

func (c *fakeContext) KdamondPid() int {
	c.e.mutex.Lock()
	defer c.e.mutex.Unlock()
	if !c.running {
		return -1
	}
	return 4242
}

func (c *fakeContext) Destroy() error {
	c.e.mutex.Lock()
	defer c.e.mutex.Unlock()
	c.e.record("Destroy")
	c.destroyed = true
	return nil
}

// aggregate emulates the monitoring worker finishing an aggregation
// pass. A callback error stops the context.
func (c *fakeContext) aggregate() error {
	return c.invoke(func(cbs Callbacks) func(Context) error { return cbs.AfterAggregation })
}

// wmarksCheck emulates a watermarks check that keeps schemes inactive.
func (c *fakeContext) wmarksCheck() error {
	return c.invoke(func(cbs Callbacks) func(Context) error { return cbs.AfterWmarksCheck })
}

func (c *fakeContext) invoke(pick func(Callbacks) func(Context) error) error {
	c.e.mutex.Lock()
	cb := pick(c.callbacks)
	c.e.mutex.Unlock()
	if cb == nil {
		return nil
	}
	err := cb(c)
	if err != nil {
		c.e.mutex.Lock()
		c.running = false
		c.e.mutex.Unlock()
	}
	return err
}

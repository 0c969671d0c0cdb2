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
	"sort"
)

// OpsKind selects the monitoring operations set of a context.
type OpsKind int

const (
	// OpsVaddr monitors virtual address spaces of processes.
	OpsVaddr OpsKind = iota
	// OpsPaddr monitors the physical address space.
	OpsPaddr
)

func (o OpsKind) String() string {
	switch o {
	case OpsVaddr:
		return "vaddr"
	case OpsPaddr:
		return "paddr"
	}
	return fmt.Sprintf("OpsKind(%d)", int(o))
}

// AddrRange is a half-open address range [Start, End).
type AddrRange struct {
	Start uint64
	End   uint64
}

// Len returns the length of the range in bytes.
func (ar AddrRange) Len() uint64 {
	if ar.End < ar.Start {
		return 0
	}
	return ar.End - ar.Start
}

func (ar AddrRange) String() string {
	return fmt.Sprintf("%#x-%#x", ar.Start, ar.End)
}

// MonitoringAttrs are the monitoring attributes of a context. All
// intervals are in microseconds.
type MonitoringAttrs struct {
	SampleUs     uint64
	AggrUs       uint64
	OpsUpdateUs  uint64
	MinNrRegions uint64
	MaxNrRegions uint64
}

// Validate returns an error if the attributes cannot be used for
// monitoring.
func (a MonitoringAttrs) Validate() error {
	switch {
	case a.SampleUs == 0:
		return fmt.Errorf("%w: sample interval must be > 0", ErrInvalidAttrs)
	case a.AggrUs < a.SampleUs:
		return fmt.Errorf("%w: aggregation interval %d us is shorter than sampling interval %d us", ErrInvalidAttrs, a.AggrUs, a.SampleUs)
	case a.MinNrRegions < 3:
		return fmt.Errorf("%w: min_nr_regions %d < 3", ErrInvalidAttrs, a.MinNrRegions)
	case a.MinNrRegions > a.MaxNrRegions:
		return fmt.Errorf("%w: min_nr_regions %d > max_nr_regions %d", ErrInvalidAttrs, a.MinNrRegions, a.MaxNrRegions)
	}
	return nil
}

// Callbacks are invoked by the monitoring worker. A non-nil error
// from either of them stops the monitoring run.
type Callbacks struct {
	// AfterAggregation is called after every aggregation pass.
	AfterAggregation func(Context) error
	// AfterWmarksCheck is called after every watermarks check made
	// while the watermarks keep all schemes deactivated.
	AfterWmarksCheck func(Context) error
}

// Engine is an access monitoring engine.
type Engine interface {
	SetConfigJSON(string) error // Set new configuration.
	GetConfigJSON() string      // Get current configuration.
	// NewContext creates a monitoring context.
	NewContext() (Context, error)
	// FindBiggestSystemRAM returns the largest contiguous range of
	// system RAM in the physical address space.
	FindBiggestSystemRAM() (AddrRange, error)
}

// Context is a monitoring context: attributes, schemes and targets
// monitored by one worker.
type Context interface {
	SelectOps(OpsKind) error
	SetAttrs(MonitoringAttrs) error
	// SetSchemes replaces all schemes of the context.
	SetSchemes([]*Scheme) error
	// AddScheme appends a scheme to the context.
	AddScheme(*Scheme) error
	// Schemes returns the installed schemes with their latest stats.
	Schemes() []*Scheme
	// AddTarget creates a new monitoring target in the context.
	AddTarget() (Target, error)
	SetCallbacks(Callbacks)
	// Start starts the monitoring worker and returns once it runs.
	Start(exclusive bool) error
	Stop() error
	IsRunning() bool
	// KdamondPid returns the pid of the worker, or -1.
	KdamondPid() int
	Destroy() error
}

// Target is a monitoring target.
type Target interface {
	// SetRegions replaces the monitoring regions of the target.
	SetRegions([]AddrRange) error
}

// EngineConfig names an engine and its configuration.
type EngineConfig struct {
	Name   string `json:"name" yaml:"name"`
	Config string `json:"config,omitempty" yaml:"config,omitempty"`
}

// EngineCreator is a function that creates an instance of an Engine.
type EngineCreator func() (Engine, error)

// engines is a map of engine name -> engine creator
var engines map[string]EngineCreator = make(map[string]EngineCreator, 0)

// EngineRegister registers a new engine with its creator function.
func EngineRegister(name string, creator EngineCreator) {
	engines[name] = creator
}

// EngineList returns a sorted list of available engine names.
func EngineList() []string {
	keys := make([]string, 0, len(engines))
	for key := range engines {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// NewEngine creates a new instance of an engine based on its name.
func NewEngine(name string) (Engine, error) {
	if creator, ok := engines[name]; ok {
		return creator()
	}
	return nil, fmt.Errorf("invalid engine name %q", name)
}

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

// Package lrusort keeps the LRU lists of the system sorted by memory
// access patterns. It monitors the physical address space with a
// monitoring engine and installs two schemes: one prioritizes hot
// regions and the other deprioritizes cold regions on the LRU lists.
package lrusort

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultEnableCheckInterval is the period of the enabled state check.
	DefaultEnableCheckInterval = time.Second

	paramKdamondPid = "kdamond_pid"
)

// LruSort owns one monitoring context and keeps it in sync with
// the tunable parameters.
type LruSort struct {
	// mutex serializes enable state transitions and Close.
	mutex               sync.Mutex
	engine              Engine
	ctx                 Context
	target              Target
	params              *ParamStore
	stats               Stats
	kdamondPid          atomic.Int64
	lastEnabled         atomic.Bool
	closed              bool
	enableCheckInterval time.Duration
	notifyCh            chan struct{}
	stopCh              chan struct{}
	doneCh              chan struct{}
}

// Option configures an LruSort.
type Option func(*LruSort)

// WithEnableCheckInterval sets the period of the enabled state check
// that runs even without notifications.
func WithEnableCheckInterval(d time.Duration) Option {
	return func(ls *LruSort) {
		if d > 0 {
			ls.enableCheckInterval = d
		}
	}
}

// New creates a monitoring context for physical memory in the engine
// and starts the enabled state task. If params.Enabled is true, LRU
// sorting is switched on asynchronously.
func New(engine Engine, params Params, opts ...Option) (*LruSort, error) {
	ctx, err := engine.NewContext()
	if err != nil {
		return nil, err
	}
	if err = ctx.SelectOps(OpsPaddr); err != nil {
		if derr := ctx.Destroy(); derr != nil {
			log.Debugf("destroying context after failed ops selection: %v", derr)
		}
		return nil, err
	}
	ls := &LruSort{
		engine:              engine,
		ctx:                 ctx,
		params:              NewParamStore(params),
		enableCheckInterval: DefaultEnableCheckInterval,
		notifyCh:            make(chan struct{}, 1),
		stopCh:              make(chan struct{}),
		doneCh:              make(chan struct{}),
	}
	for _, o := range opts {
		o(ls)
	}
	ls.kdamondPid.Store(-1)
	ctx.SetCallbacks(Callbacks{
		AfterAggregation: ls.afterAggregation,
		AfterWmarksCheck: ls.afterWmarksCheck,
	})
	if ls.target, err = ctx.AddTarget(); err != nil {
		if derr := ctx.Destroy(); derr != nil {
			log.Debugf("destroying context after failed target creation: %v", derr)
		}
		return nil, err
	}
	ls.params.setOnEnabled(ls.notifyEnabled)
	go ls.enableLoop(ls.stopCh, ls.doneCh)
	ls.notifyEnabled()
	return ls, nil
}

// ApplyParameters commits the current parameters to the monitoring
// context: attributes, hot and cold schemes, and the monitored region.
// Both schemes are built and the region is resolved before anything
// is installed.
func (ls *LruSort) ApplyParameters() error {
	p := ls.params.Snapshot()
	attrs := p.Attrs()
	if err := ls.ctx.SetAttrs(attrs); err != nil {
		return err
	}
	hot, err := NewHotScheme(p, HotThreshold(attrs, p.HotThresAccessFreq))
	if err != nil {
		return err
	}
	cold, err := NewColdScheme(p, ColdThreshold(p.ColdMinAge, attrs))
	if err != nil {
		return err
	}
	region := AddrRange{Start: p.MonitorRegionStart, End: p.MonitorRegionEnd}
	if region.Start > region.End {
		return fmt.Errorf("%w: start %#x > end %#x", ErrInvalidRegion, region.Start, region.End)
	}
	discovered := false
	if region.Start == 0 && region.End == 0 {
		if region, err = ls.engine.FindBiggestSystemRAM(); err != nil {
			if errors.Is(err, ErrNoSystemRAM) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrNoSystemRAM, err)
		}
		log.Debugf("monitoring biggest system RAM range %s", region)
		discovered = true
	}
	if err = ls.ctx.SetSchemes([]*Scheme{hot}); err != nil {
		return err
	}
	if err = ls.ctx.AddScheme(cold); err != nil {
		return err
	}
	if err = ls.target.SetRegions([]AddrRange{region}); err != nil {
		return err
	}
	// Publish the discovered range only once it is monitored.
	if discovered {
		ls.params.SetMonitorRegion(region)
	}
	return nil
}

// turn switches the monitoring context on or off.
func (ls *LruSort) turn(on bool) error {
	if !on {
		// The engine stops the context by itself if a callback fails.
		if ls.ctx.IsRunning() {
			if err := ls.ctx.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
				return err
			}
		}
		ls.kdamondPid.Store(-1)
		return nil
	}
	if err := ls.ApplyParameters(); err != nil {
		return err
	}
	if err := ls.ctx.Start(true); err != nil {
		return err
	}
	ls.kdamondPid.Store(int64(ls.ctx.KdamondPid()))
	return nil
}

func (ls *LruSort) notifyEnabled() {
	select {
	case ls.notifyCh <- struct{}{}:
	default:
	}
}

func (ls *LruSort) enableLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(ls.enableCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ls.notifyCh:
		case <-ticker.C:
		}
		ls.checkEnabled()
	}
}

// checkEnabled turns LRU sorting on or off if the enabled parameter
// differs from the last successfully applied state. On failure the
// enabled parameter is restored.
func (ls *LruSort) checkEnabled() {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()
	if ls.closed {
		return
	}
	enabled := ls.params.Enabled()
	last := ls.lastEnabled.Load()
	if enabled == last {
		return
	}
	if err := ls.turn(enabled); err != nil {
		log.Errorf("failed to turn LRU sorting %s: %v", onOff(enabled), err)
		ls.params.setEnabledQuiet(last)
		return
	}
	ls.lastEnabled.Store(enabled)
	log.Infof("LRU sorting turned %s (kdamond pid %d)", onOff(enabled), ls.KdamondPid())
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (ls *LruSort) afterAggregation(c Context) error {
	ls.stats.mirror(c.Schemes())
	return ls.handleCommitInputs()
}

func (ls *LruSort) afterWmarksCheck(c Context) error {
	return ls.handleCommitInputs()
}

// handleCommitInputs applies parameters if a commit has been
// requested. The request is cleared even if applying fails.
func (ls *LruSort) handleCommitInputs() error {
	if !ls.params.TakeCommitInputs() {
		return nil
	}
	err := ls.ApplyParameters()
	if err != nil {
		log.Errorf("failed to commit parameters: %v", err)
	}
	return err
}

// Params returns the live parameters.
func (ls *LruSort) Params() *ParamStore {
	return ls.params
}

// Stats returns the mirrored scheme counters.
func (ls *LruSort) Stats() *Stats {
	return &ls.stats
}

// KdamondPid returns the pid of the monitoring worker or -1 if LRU
// sorting is off.
func (ls *LruSort) KdamondPid() int {
	return int(ls.kdamondPid.Load())
}

// IsEnabled returns the last successfully applied enabled state.
func (ls *LruSort) IsEnabled() bool {
	return ls.lastEnabled.Load()
}

// IsRunning returns true if the monitoring worker is running.
func (ls *LruSort) IsRunning() bool {
	return ls.ctx.IsRunning()
}

// Schemes returns the schemes installed in the monitoring context.
func (ls *LruSort) Schemes() []*Scheme {
	return ls.ctx.Schemes()
}

// Settled returns true if the requested enabled state has been
// applied or reverted.
func (ls *LruSort) Settled() bool {
	return ls.params.Enabled() == ls.lastEnabled.Load()
}

// WaitSettled waits until the requested enabled state has been
// applied or reverted.
func (ls *LruSort) WaitSettled(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !ls.Settled() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// ReadOnlyParamNames returns the names of read-only parameters.
func ReadOnlyParamNames() []string {
	names := []string{paramKdamondPid}
	for _, sp := range statParams {
		names = append(names, sp.name)
	}
	return names
}

// Get returns the value of a settable or a read-only parameter.
func (ls *LruSort) Get(name string) (string, error) {
	if name == paramKdamondPid {
		return strconv.Itoa(ls.KdamondPid()), nil
	}
	for _, sp := range statParams {
		if sp.name == name {
			return strconv.FormatUint(sp.load(&ls.stats), 10), nil
		}
	}
	return ls.params.Get(name)
}

// Set sets a parameter. Read-only parameters cannot be set.
func (ls *LruSort) Set(name, value string) error {
	for _, roName := range ReadOnlyParamNames() {
		if roName == name {
			return fmt.Errorf("%w %q", ErrReadOnlyParam, name)
		}
	}
	return ls.params.Set(name, value)
}

// Close switches LRU sorting off and destroys the monitoring context.
func (ls *LruSort) Close() error {
	ls.mutex.Lock()
	if ls.closed {
		ls.mutex.Unlock()
		return ErrClosed
	}
	ls.closed = true
	ls.mutex.Unlock()

	close(ls.stopCh)
	<-ls.doneCh

	var result *multierror.Error
	if ls.ctx.IsRunning() {
		if err := ls.ctx.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
			result = multierror.Append(result, fmt.Errorf("stopping monitoring context: %w", err))
		}
	}
	ls.kdamondPid.Store(-1)
	ls.lastEnabled.Store(false)
	if err := ls.ctx.Destroy(); err != nil {
		result = multierror.Append(result, fmt.Errorf("destroying monitoring context: %w", err))
	}
	return result.ErrorOrNil()
}

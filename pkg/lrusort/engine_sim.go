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
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"
)

const (
	simDefaultRAMStart = 0x100000000
	simDefaultRAMSize  = 1 << 30
	// simRegionsPerMs is the number of regions a scheme can handle
	// per millisecond of its time quota.
	simRegionsPerMs = 1
)

// EngineSimConfig holds configuration parameters of the simulated
// monitoring engine.
type EngineSimConfig struct {
	// RegionSize is the size of the simulated system RAM when
	// SystemRAM is not given.
	RegionSize uint64
	// SystemRAM lists simulated system RAM ranges. An empty list
	// means that the system has no RAM that could be found.
	SystemRAM []AddrRange
	// Seed initializes the pseudo random access generator.
	Seed int64
	// FreeMemPermil fixes the free_mem_rate watermarks metric. If
	// nil, the real free memory rate is read from MeminfoPath.
	FreeMemPermil *int
	// MeminfoPath defaults to /proc/meminfo.
	MeminfoPath string
	// TimeScale divides all intervals. The default is 1.
	TimeScale uint64
}

// EngineSim simulates DAMON on synthetic memory regions.
type EngineSim struct {
	mutex  sync.Mutex
	config *EngineSimConfig
}

type simRegion struct {
	ar         AddrRange
	heat       float64
	nrAccesses uint32
	age        uint32
}

type simQuotaState struct {
	windowStart   time.Time
	chargedNr     uint64
	chargedSz     uint64
	windowExceeds bool
}

type simContext struct {
	mutex     sync.Mutex
	config    EngineSimConfig
	rng       *rand.Rand
	ops       OpsKind
	attrs     MonitoringAttrs
	schemes   []*Scheme
	quotas    []*simQuotaState
	wmarks    []*wmarkState
	targets   []*simTarget
	regions   []*simRegion
	regionGen int
	splitGen  int
	callbacks Callbacks
	running   bool
	destroyed bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type simTarget struct {
	ctx     *simContext
	regions []AddrRange
}

func init() {
	EngineRegister("sim", NewEngineSim)
}

// NewEngineSim creates a new simulated engine.
func NewEngineSim() (Engine, error) {
	return &EngineSim{}, nil
}

// SetConfigJSON sets the engine configuration from a JSON or YAML string.
func (e *EngineSim) SetConfigJSON(configJSON string) error {
	config := &EngineSimConfig{}
	if configJSON != "" {
		if err := UnmarshalConfig(configJSON, config); err != nil {
			return err
		}
	}
	if config.RegionSize == 0 {
		config.RegionSize = simDefaultRAMSize
	}
	if config.SystemRAM == nil {
		config.SystemRAM = []AddrRange{{Start: simDefaultRAMStart, End: simDefaultRAMStart + config.RegionSize}}
	}
	for _, ar := range config.SystemRAM {
		if ar.End < ar.Start {
			return fmt.Errorf("invalid SystemRAM range %s", ar)
		}
	}
	if config.TimeScale == 0 {
		config.TimeScale = 1
	}
	if config.MeminfoPath == "" {
		config.MeminfoPath = defaultMeminfoPath
	}
	if fm := config.FreeMemPermil; fm != nil && (*fm < 0 || *fm > 1000) {
		return fmt.Errorf("invalid FreeMemPermil %d, expected 0..1000", *fm)
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.config = config
	return nil
}

// GetConfigJSON returns the engine configuration as a JSON string.
func (e *EngineSim) GetConfigJSON() string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.config == nil {
		return ""
	}
	if configStr, err := json.Marshal(e.config); err == nil {
		return string(configStr)
	}
	return ""
}

func (e *EngineSim) getConfig() (EngineSimConfig, error) {
	e.mutex.Lock()
	configured := e.config != nil
	e.mutex.Unlock()
	if !configured {
		if err := e.SetConfigJSON(""); err != nil {
			return EngineSimConfig{}, err
		}
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return *e.config, nil
}

// FindBiggestSystemRAM returns the biggest simulated system RAM range.
func (e *EngineSim) FindBiggestSystemRAM() (AddrRange, error) {
	config, err := e.getConfig()
	if err != nil {
		return AddrRange{}, err
	}
	biggest := AddrRange{}
	for _, ar := range config.SystemRAM {
		if ar.Len() > biggest.Len() {
			biggest = ar
		}
	}
	if biggest.Len() == 0 {
		return AddrRange{}, ErrNoSystemRAM
	}
	return biggest, nil
}

// NewContext creates a simulated monitoring context.
func (e *EngineSim) NewContext() (Context, error) {
	config, err := e.getConfig()
	if err != nil {
		return nil, err
	}
	return &simContext{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}, nil
}

func (c *simContext) SelectOps(ops OpsKind) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.destroyed {
		return ErrClosed
	}
	c.ops = ops
	return nil
}

func (c *simContext) SetAttrs(attrs MonitoringAttrs) error {
	if err := attrs.Validate(); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.destroyed {
		return ErrClosed
	}
	if attrs.MinNrRegions != c.attrs.MinNrRegions {
		c.regionGen++
	}
	c.attrs = attrs
	return nil
}

func (c *simContext) SetSchemes(schemes []*Scheme) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.destroyed {
		return ErrClosed
	}
	c.schemes = nil
	c.quotas = nil
	c.wmarks = nil
	for _, s := range schemes {
		c.addSchemeLocked(s)
	}
	return nil
}

func (c *simContext) AddScheme(s *Scheme) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.destroyed {
		return ErrClosed
	}
	c.addSchemeLocked(s)
	return nil
}

func (c *simContext) addSchemeLocked(s *Scheme) {
	c.schemes = append(c.schemes, s.Clone())
	c.quotas = append(c.quotas, &simQuotaState{windowStart: time.Now()})
	c.wmarks = append(c.wmarks, newWmarkState())
}

func (c *simContext) Schemes() []*Scheme {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	schemes := make([]*Scheme, 0, len(c.schemes))
	for _, s := range c.schemes {
		schemes = append(schemes, s.Clone())
	}
	return schemes
}

func (c *simContext) AddTarget() (Target, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.destroyed {
		return nil, ErrClosed
	}
	t := &simTarget{ctx: c}
	c.targets = append(c.targets, t)
	return t, nil
}

func (t *simTarget) SetRegions(regions []AddrRange) error {
	for _, ar := range regions {
		if ar.End < ar.Start {
			return fmt.Errorf("%w: %s", ErrInvalidRegion, ar)
		}
	}
	c := t.ctx
	c.mutex.Lock()
	defer c.mutex.Unlock()
	t.regions = append([]AddrRange{}, regions...)
	c.regionGen++
	return nil
}

func (c *simContext) SetCallbacks(cbs Callbacks) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.callbacks = cbs
}

func (c *simContext) Start(exclusive bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.destroyed {
		return ErrClosed
	}
	if c.running {
		return ErrAlreadyRunning
	}
	if err := c.attrs.Validate(); err != nil {
		return err
	}
	if c.ops != OpsPaddr {
		return fmt.Errorf("sim: unsupported operations %s", c.ops)
	}
	c.running = true
	for _, ws := range c.wmarks {
		ws.activated = true
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(c.stopCh, c.doneCh)
	return nil
}

func (c *simContext) Stop() error {
	c.mutex.Lock()
	if !c.running || c.stopCh == nil {
		c.mutex.Unlock()
		return ErrNotRunning
	}
	close(c.stopCh)
	c.stopCh = nil
	doneCh := c.doneCh
	c.mutex.Unlock()
	<-doneCh
	return nil
}

func (c *simContext) IsRunning() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.running
}

func (c *simContext) KdamondPid() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.running {
		return -1
	}
	return os.Getpid()
}

func (c *simContext) Destroy() error {
	if c.IsRunning() {
		if err := c.Stop(); err != nil && err != ErrNotRunning {
			return err
		}
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.destroyed = true
	c.targets = nil
	c.regions = nil
	return nil
}

func (c *simContext) scaled(us uint64) time.Duration {
	d := time.Duration(us) * time.Microsecond / time.Duration(c.config.TimeScale)
	if d <= 0 {
		d = time.Microsecond
	}
	return d
}

// splitRegions divides target ranges into at least MinNrRegions
// page aligned regions with random heat. The caller holds the mutex.
func (c *simContext) splitRegions() {
	c.regions = nil
	nr := c.attrs.MinNrRegions
	if nr == 0 {
		nr = 1
	}
	page := pageSize()
	for _, t := range c.targets {
		for _, ar := range t.regions {
			size := ar.Len() / nr / page * page
			if size < page {
				size = page
			}
			for start := ar.Start; start < ar.End; start += size {
				end := start + size
				if end > ar.End || ar.End-end < size {
					end = ar.End
				}
				c.regions = append(c.regions, &simRegion{
					ar:   AddrRange{Start: start, End: end},
					heat: c.rng.Float64(),
				})
				if end == ar.End {
					break
				}
			}
		}
	}
}

// sample generates one aggregation interval worth of accesses. The
// caller holds the mutex.
func (c *simContext) sample() {
	maxAccesses := int(c.attrs.AggrUs / c.attrs.SampleUs)
	for _, r := range c.regions {
		prev := r.nrAccesses
		r.nrAccesses = 0
		if c.rng.Float64() < r.heat {
			r.nrAccesses = uint32(c.rng.Intn(maxAccesses + 1))
		}
		if (prev == 0) == (r.nrAccesses == 0) {
			r.age++
		} else {
			r.age = 0
		}
	}
}

// simPriority scores a region for quota prioritization using the
// quota weights, all scores scaled to 0..1000.
func simPriority(q Quota, r *simRegion, maxAccesses uint32, maxSz uint64) uint64 {
	var szScore, nrScore, ageScore uint64
	if maxSz > 0 {
		szScore = r.ar.Len() * 1000 / maxSz
	}
	if maxAccesses > 0 {
		nrScore = uint64(r.nrAccesses) * 1000 / uint64(maxAccesses)
	}
	ageScore = uint64(r.age)
	if ageScore > 1000 {
		ageScore = 1000
	}
	return uint64(q.WeightSz)*szScore + uint64(q.WeightNrAccesses)*nrScore + uint64(q.WeightAge)*ageScore
}

// applySchemes applies every active scheme to matching regions
// within the quotas. The caller holds the mutex.
func (c *simContext) applySchemes(active []bool, now time.Time) {
	maxAccesses := uint32(c.attrs.AggrUs / c.attrs.SampleUs)
	var maxSz uint64
	for _, r := range c.regions {
		if r.ar.Len() > maxSz {
			maxSz = r.ar.Len()
		}
	}
	for i, s := range c.schemes {
		if !active[i] {
			continue
		}
		qs := c.quotas[i]
		if now.Sub(qs.windowStart) >= c.scaled(s.Quota.ResetIntervalMs*1000) {
			if qs.windowExceeds {
				s.Stat.QtExceeds++
			}
			qs.windowStart = now
			qs.chargedNr = 0
			qs.chargedSz = 0
			qs.windowExceeds = false
		}
		candidates := []*simRegion{}
		for _, r := range c.regions {
			if s.Pattern.Matches(r.ar.Len(), r.nrAccesses, r.age) {
				candidates = append(candidates, r)
			}
		}
		sort.SliceStable(candidates, func(a, b int) bool {
			return simPriority(s.Quota, candidates[a], maxAccesses, maxSz) > simPriority(s.Quota, candidates[b], maxAccesses, maxSz)
		})
		for _, r := range candidates {
			if (s.Quota.Ms > 0 && qs.chargedNr >= s.Quota.Ms*simRegionsPerMs) ||
				(s.Quota.Sz > 0 && qs.chargedSz >= s.Quota.Sz) {
				qs.windowExceeds = true
				break
			}
			qs.chargedNr++
			qs.chargedSz += r.ar.Len()
			s.Stat.NrTried++
			s.Stat.SzTried += r.ar.Len()
			s.Stat.NrApplied++
			s.Stat.SzApplied += r.ar.Len()
		}
	}
}

// step runs one iteration of the worker and returns the callback to
// call and the time to wait before the next iteration.
func (c *simContext) step() (func(Context) error, time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	anyActive := len(c.schemes) == 0
	active := make([]bool, len(c.schemes))
	var wmarkInterval time.Duration
	for i, s := range c.schemes {
		value, err := c.wmarkMetric(s.Wmarks.Metric)
		if err != nil {
			log.Debugf("sim: cannot read watermarks metric: %v", err)
			value = s.Wmarks.Mid
		}
		active[i] = c.wmarks[i].update(s.Wmarks, value)
		anyActive = anyActive || active[i]
		if d := c.scaled(s.Wmarks.IntervalUs); d > wmarkInterval {
			wmarkInterval = d
		}
	}
	if !anyActive {
		return c.callbacks.AfterWmarksCheck, wmarkInterval
	}
	if c.regions == nil || c.splitGen != c.regionGen {
		c.splitRegions()
		c.splitGen = c.regionGen
	}
	c.sample()
	c.applySchemes(active, time.Now())
	return c.callbacks.AfterAggregation, c.scaled(c.attrs.AggrUs)
}

func (c *simContext) wmarkMetric(metric WmarkMetric) (uint64, error) {
	if metric == WmarkFreeMemRate && c.config.FreeMemPermil != nil {
		return uint64(*c.config.FreeMemPermil), nil
	}
	return wmarkMetricValue(metric, c.config.MeminfoPath)
}

func (c *simContext) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer func() {
		c.mutex.Lock()
		c.running = false
		c.mutex.Unlock()
		close(doneCh)
	}()
	c.mutex.Lock()
	wait := c.scaled(c.attrs.AggrUs)
	c.mutex.Unlock()
	for {
		timer := time.NewTimer(wait)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		var cb func(Context) error
		cb, wait = c.step()
		if cb == nil {
			continue
		}
		if err := cb(c); err != nil {
			log.Errorf("sim: callback failed, stopping: %v", err)
			return
		}
	}
}

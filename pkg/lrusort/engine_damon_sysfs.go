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

// The DAMON sysfs engine.
// https://docs.kernel.org/admin-guide/mm/damon/usage.html#sysfs-interface

package lrusort

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	engineDamonSysfsRoot = "/sys/kernel/mm/damon/admin/kdamonds"
	// poll interval of kdamond pid after switching it on
	damonSysfsStartPollInterval = 10 * time.Millisecond
	// minimum interval between identical poller error messages
	damonSysfsErrorInterval = 30 * time.Second
	// poll interval used if attributes have not been set
	damonSysfsMinPollInterval = 100 * time.Millisecond
)

// EngineDamonSysfsConfig holds configuration parameters for driving
// DAMON through its sysfs interface.
type EngineDamonSysfsConfig struct {
	// Root is the kdamonds directory of the DAMON sysfs interface.
	// The default is /sys/kernel/mm/damon/admin/kdamonds.
	Root string
	// KdamondID is the kdamond this engine takes control over.
	KdamondID int
	// NrKdamonds is written to nr_kdamonds if the system has
	// none. Existing kdamonds are never reallocated.
	NrKdamonds int
	// IomemPath is the physical memory map to search system RAM
	// from. The default is /proc/iomem.
	IomemPath string
	// StartTimeoutMs is the time to wait for the kdamond to start.
	// The default is 5000.
	StartTimeoutMs int
	// MeminfoPath is the source of the free_mem_rate watermarks
	// metric. The default is /proc/meminfo.
	MeminfoPath string
}

// EngineDamonSysfs is the DAMON sysfs monitoring engine.
type EngineDamonSysfs struct {
	mutex  sync.Mutex
	config *EngineDamonSysfsConfig
}

type damonSysfsContext struct {
	mutex       sync.Mutex
	config      EngineDamonSysfsConfig
	kdamondPath string
	contextPath string
	statePath   string
	pidPath     string
	attrs       MonitoringAttrs
	schemes     []*Scheme
	wmarks      []*wmarkState
	nrTargets   int
	callbacks   Callbacks
	running     bool
	dirty       bool
	destroyed   bool
	pid         int
	stopCh      chan struct{}
	doneCh      chan struct{}
	plog        Logger
}

type damonSysfsTarget struct {
	ctx  *damonSysfsContext
	path string
}

func init() {
	EngineRegister("damon-sysfs", NewEngineDamonSysfs)
}

// NewEngineDamonSysfs creates a new DAMON sysfs engine.
func NewEngineDamonSysfs() (Engine, error) {
	return &EngineDamonSysfs{}, nil
}

// SetConfigJSON sets the engine configuration from a JSON or YAML string.
func (e *EngineDamonSysfs) SetConfigJSON(configJSON string) error {
	config := &EngineDamonSysfsConfig{}
	if configJSON != "" {
		if err := UnmarshalConfig(configJSON, config); err != nil {
			return err
		}
	}
	if config.Root == "" {
		config.Root = engineDamonSysfsRoot
	}
	if config.IomemPath == "" {
		config.IomemPath = defaultIomemPath
	}
	if config.MeminfoPath == "" {
		config.MeminfoPath = defaultMeminfoPath
	}
	if config.StartTimeoutMs == 0 {
		config.StartTimeoutMs = 5000
	}
	if config.KdamondID < 0 {
		return fmt.Errorf("invalid KdamondID %d", config.KdamondID)
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.config = config
	return nil
}

// GetConfigJSON returns the engine configuration as a JSON string.
func (e *EngineDamonSysfs) GetConfigJSON() string {
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

func (e *EngineDamonSysfs) getConfig() (EngineDamonSysfsConfig, error) {
	e.mutex.Lock()
	configured := e.config != nil
	e.mutex.Unlock()
	if !configured {
		if err := e.SetConfigJSON(""); err != nil {
			return EngineDamonSysfsConfig{}, err
		}
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return *e.config, nil
}

// FindBiggestSystemRAM returns the biggest System RAM range in iomem.
func (e *EngineDamonSysfs) FindBiggestSystemRAM() (AddrRange, error) {
	config, err := e.getConfig()
	if err != nil {
		return AddrRange{}, err
	}
	return findBiggestSystemRAM(config.IomemPath)
}

// NewContext takes control over the configured kdamond and creates
// a single monitoring context in it.
func (e *EngineDamonSysfs) NewContext() (Context, error) {
	config, err := e.getConfig()
	if err != nil {
		return nil, err
	}
	if !procFileExists(config.Root) {
		return nil, fmt.Errorf("no platform support: %q missing", config.Root)
	}
	// Modifying nr_kdamonds destroys all contexts of all
	// kdamonds. Initialize it only if nobody else has done it.
	nrKdamondsPath := filepath.Join(config.Root, "nr_kdamonds")
	nrKdamonds, err := procReadInt(nrKdamondsPath)
	if err != nil {
		return nil, fmt.Errorf("damon sysfs: failed to read number of kdamonds: %w", err)
	}
	if nrKdamonds == 0 {
		if config.NrKdamonds == 0 {
			return nil, fmt.Errorf("no kdamonds available in the system (%q) and damon-sysfs configuration NrKdamonds equals 0, either one must be > 0", nrKdamondsPath)
		}
		if err = procWriteInt(nrKdamondsPath, config.NrKdamonds); err != nil {
			return nil, fmt.Errorf("writing damon-sysfs configuration NrKdamonds (%d) failed: %w", config.NrKdamonds, err)
		}
		nrKdamonds = config.NrKdamonds
	}
	if config.KdamondID >= nrKdamonds {
		return nil, fmt.Errorf("illegal kdamond %d in damon-sysfs configuration KdamondID: last available kdamond in system is %d", config.KdamondID, nrKdamonds-1)
	}
	kdamondPath := filepath.Join(config.Root, strconv.Itoa(config.KdamondID))
	ctx := &damonSysfsContext{
		config:      config,
		kdamondPath: kdamondPath,
		contextPath: filepath.Join(kdamondPath, "contexts", "0"),
		statePath:   filepath.Join(kdamondPath, "state"),
		pidPath:     filepath.Join(kdamondPath, "pid"),
		pid:         -1,
		plog:        RateLimit(log, damonSysfsErrorInterval),
	}
	if currState, err := procReadTrimmed(ctx.statePath); currState != "off" && err == nil {
		log.Warnf("taking control over kdamond %d despite %q was %q", config.KdamondID, ctx.statePath, currState)
		if err = procWrite(ctx.statePath, []byte("off")); err != nil {
			return nil, fmt.Errorf("failed to switch off %q: %w", ctx.statePath, err)
		}
	}
	nrContextsPath := filepath.Join(kdamondPath, "contexts", "nr_contexts")
	if err = procWriteInt(nrContextsPath, 1); err != nil {
		return nil, fmt.Errorf("kdamond context creation failed: %w", err)
	}
	return ctx, nil
}

// write writes input files of the context and marks the context
// dirty if the kdamond is running. The caller holds the mutex.
func (c *damonSysfsContext) write(pathValues [][2]string) error {
	if c.destroyed {
		return ErrClosed
	}
	for _, pv := range pathValues {
		if err := procWrite(pv[0], []byte(pv[1])); err != nil {
			return err
		}
	}
	if c.running {
		c.dirty = true
	}
	return nil
}

func (c *damonSysfsContext) SelectOps(ops OpsKind) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.write([][2]string{
		{filepath.Join(c.contextPath, "operations"), ops.String()},
	})
}

func (c *damonSysfsContext) SetAttrs(attrs MonitoringAttrs) error {
	if err := attrs.Validate(); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	attrsPath := filepath.Join(c.contextPath, "monitoring_attrs")
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	// Write max before min so that growing both never passes
	// through min > max.
	if err := c.write([][2]string{
		{filepath.Join(attrsPath, "intervals", "sample_us"), u(attrs.SampleUs)},
		{filepath.Join(attrsPath, "intervals", "aggr_us"), u(attrs.AggrUs)},
		{filepath.Join(attrsPath, "intervals", "update_us"), u(attrs.OpsUpdateUs)},
		{filepath.Join(attrsPath, "nr_regions", "max"), u(attrs.MaxNrRegions)},
		{filepath.Join(attrsPath, "nr_regions", "min"), u(attrs.MinNrRegions)},
	}); err != nil {
		return err
	}
	c.attrs = attrs
	return nil
}

func schemeFiles(schemePath string, s *Scheme) [][2]string {
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	u32 := func(v uint32) string { return strconv.FormatUint(uint64(v), 10) }
	p := func(elem ...string) string { return filepath.Join(append([]string{schemePath}, elem...)...) }
	return [][2]string{
		{p("action"), s.Action.String()},
		{p("access_pattern", "sz", "min"), u(s.Pattern.MinSzRegion)},
		{p("access_pattern", "sz", "max"), u(s.Pattern.MaxSzRegion)},
		{p("access_pattern", "nr_accesses", "min"), u32(s.Pattern.MinNrAccesses)},
		{p("access_pattern", "nr_accesses", "max"), u32(s.Pattern.MaxNrAccesses)},
		{p("access_pattern", "age", "min"), u32(s.Pattern.MinAgeRegion)},
		{p("access_pattern", "age", "max"), u32(s.Pattern.MaxAgeRegion)},
		{p("quotas", "ms"), u(s.Quota.Ms)},
		{p("quotas", "bytes"), u(s.Quota.Sz)},
		{p("quotas", "reset_interval_ms"), u(s.Quota.ResetIntervalMs)},
		{p("quotas", "weights", "sz_permil"), u32(s.Quota.WeightSz)},
		{p("quotas", "weights", "nr_accesses_permil"), u32(s.Quota.WeightNrAccesses)},
		{p("quotas", "weights", "age_permil"), u32(s.Quota.WeightAge)},
		{p("watermarks", "metric"), s.Wmarks.Metric.String()},
		{p("watermarks", "interval_us"), u(s.Wmarks.IntervalUs)},
		{p("watermarks", "high"), u(s.Wmarks.High)},
		{p("watermarks", "mid"), u(s.Wmarks.Mid)},
		{p("watermarks", "low"), u(s.Wmarks.Low)},
	}
}

func (c *damonSysfsContext) schemesPath() string {
	return filepath.Join(c.contextPath, "schemes")
}

// SetSchemes replaces all schemes of the context.
func (c *damonSysfsContext) SetSchemes(schemes []*Scheme) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	files := [][2]string{
		{filepath.Join(c.schemesPath(), "nr_schemes"), strconv.Itoa(len(schemes))},
	}
	for i, s := range schemes {
		files = append(files, schemeFiles(filepath.Join(c.schemesPath(), strconv.Itoa(i)), s)...)
	}
	if err := c.write(files); err != nil {
		return err
	}
	c.schemes = make([]*Scheme, 0, len(schemes))
	c.wmarks = make([]*wmarkState, 0, len(schemes))
	for _, s := range schemes {
		c.schemes = append(c.schemes, s.Clone())
		c.wmarks = append(c.wmarks, newWmarkState())
	}
	return nil
}

// AddScheme appends a scheme to the schemes of the context.
func (c *damonSysfsContext) AddScheme(s *Scheme) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	schemes := append(append([]*Scheme{}, c.schemes...), s)
	// Writing nr_schemes recreates all scheme directories with
	// default values, so every scheme is written again.
	files := [][2]string{
		{filepath.Join(c.schemesPath(), "nr_schemes"), strconv.Itoa(len(schemes))},
	}
	for i, scheme := range schemes {
		files = append(files, schemeFiles(filepath.Join(c.schemesPath(), strconv.Itoa(i)), scheme)...)
	}
	if err := c.write(files); err != nil {
		return err
	}
	c.schemes = append(c.schemes, s.Clone())
	c.wmarks = append(c.wmarks, newWmarkState())
	return nil
}

func (c *damonSysfsContext) Schemes() []*Scheme {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	schemes := make([]*Scheme, 0, len(c.schemes))
	for _, s := range c.schemes {
		schemes = append(schemes, s.Clone())
	}
	return schemes
}

func (c *damonSysfsContext) AddTarget() (Target, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	targetsPath := filepath.Join(c.contextPath, "targets")
	if err := c.write([][2]string{
		{filepath.Join(targetsPath, "nr_targets"), strconv.Itoa(c.nrTargets + 1)},
	}); err != nil {
		return nil, err
	}
	t := &damonSysfsTarget{
		ctx:  c,
		path: filepath.Join(targetsPath, strconv.Itoa(c.nrTargets)),
	}
	c.nrTargets++
	return t, nil
}

func (t *damonSysfsTarget) SetRegions(regions []AddrRange) error {
	c := t.ctx
	c.mutex.Lock()
	defer c.mutex.Unlock()
	regionsPath := filepath.Join(t.path, "regions")
	files := [][2]string{
		{filepath.Join(regionsPath, "nr_regions"), strconv.Itoa(len(regions))},
	}
	for i, ar := range regions {
		if ar.End < ar.Start {
			return fmt.Errorf("%w: %s", ErrInvalidRegion, ar)
		}
		files = append(files,
			[2]string{filepath.Join(regionsPath, strconv.Itoa(i), "start"), strconv.FormatUint(ar.Start, 10)},
			[2]string{filepath.Join(regionsPath, strconv.Itoa(i), "end"), strconv.FormatUint(ar.End, 10)})
	}
	return c.write(files)
}

func (c *damonSysfsContext) SetCallbacks(cbs Callbacks) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.callbacks = cbs
}

// Start switches the kdamond on and waits until its pid is visible.
func (c *damonSysfsContext) Start(exclusive bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.destroyed {
		return ErrClosed
	}
	if c.running {
		return ErrAlreadyRunning
	}
	if err := procWrite(c.statePath, []byte("on")); err != nil {
		return fmt.Errorf("failed to start kdamond: %w", err)
	}
	deadline := time.Now().Add(time.Duration(c.config.StartTimeoutMs) * time.Millisecond)
	pid := 0
	for {
		var err error
		if pid, err = procReadInt(c.pidPath); err == nil && pid > 0 {
			break
		}
		if time.Now().After(deadline) {
			// Writing "off" fails if the kdamond is already off.
			_ = procWrite(c.statePath, []byte("off"))
			return fmt.Errorf("kdamond did not start within %d ms (pid %d, err %v)", c.config.StartTimeoutMs, pid, err)
		}
		time.Sleep(damonSysfsStartPollInterval)
	}
	log.Debugf("damon-sysfs: kdamond %q started with pid %d", c.kdamondPath, pid)
	c.pid = pid
	c.running = true
	c.dirty = false
	for _, ws := range c.wmarks {
		ws.activated = true
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.poll(c.stopCh, c.doneCh)
	return nil
}

// Stop stops the poller and switches the kdamond off.
func (c *damonSysfsContext) Stop() error {
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

func (c *damonSysfsContext) IsRunning() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.running
}

func (c *damonSysfsContext) KdamondPid() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.running {
		return -1
	}
	return c.pid
}

// Destroy stops the kdamond and removes the context.
func (c *damonSysfsContext) Destroy() error {
	if c.IsRunning() {
		if err := c.Stop(); err != nil && err != ErrNotRunning {
			return err
		}
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.destroyed {
		return nil
	}
	c.destroyed = true
	nrContextsPath := filepath.Join(c.kdamondPath, "contexts", "nr_contexts")
	return procWriteInt(nrContextsPath, 0)
}

// activeNow evaluates the watermarks of all schemes and returns
// true if any of them is active, and the interval to wait before
// the next check.
func (c *damonSysfsContext) activeNow() (bool, time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	aggr := time.Duration(c.attrs.AggrUs) * time.Microsecond
	if len(c.schemes) == 0 {
		return true, aggr
	}
	active := false
	var wmarkInterval time.Duration
	for i, s := range c.schemes {
		value, err := wmarkMetricValue(s.Wmarks.Metric, c.config.MeminfoPath)
		if err != nil {
			c.plog.Warnf("damon-sysfs: cannot read watermarks metric: %v", err)
			return true, aggr
		}
		if c.wmarks[i].update(s.Wmarks, value) {
			active = true
		}
		if d := time.Duration(s.Wmarks.IntervalUs) * time.Microsecond; d > wmarkInterval {
			wmarkInterval = d
		}
	}
	if active {
		return true, aggr
	}
	return false, wmarkInterval
}

// updateStats asks the kernel to refresh scheme stats files and
// copies them to the live schemes.
func (c *damonSysfsContext) updateStats() error {
	if err := procWrite(c.statePath, []byte("update_schemes_stats")); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for i, s := range c.schemes {
		statsPath := filepath.Join(c.schemesPath(), strconv.Itoa(i), "stats")
		stat := SchemeStat{}
		for _, f := range []struct {
			name  string
			value *uint64
		}{
			{"nr_tried", &stat.NrTried},
			{"sz_tried", &stat.SzTried},
			{"nr_applied", &stat.NrApplied},
			{"sz_applied", &stat.SzApplied},
			{"qt_exceeds", &stat.QtExceeds},
		} {
			v, err := procReadUint64(filepath.Join(statsPath, f.name))
			if err != nil {
				return err
			}
			*f.value = v
		}
		s.Stat = stat
	}
	return nil
}

// commitIfDirty makes a running kdamond re-read its input files.
func (c *damonSysfsContext) commitIfDirty() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.dirty || !c.running {
		return nil
	}
	if err := procWrite(c.statePath, []byte("commit")); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

func (c *damonSysfsContext) poll(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer func() {
		// Writing "off" fails if the kdamond has already quit.
		if err := procWrite(c.statePath, []byte("off")); err != nil {
			log.Debugf("damon-sysfs: switching kdamond off: %v", err)
		}
		c.mutex.Lock()
		c.running = false
		c.dirty = false
		c.pid = -1
		c.mutex.Unlock()
		close(doneCh)
	}()
	for {
		active, interval := c.activeNow()
		if interval <= 0 {
			interval = damonSysfsMinPollInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		c.mutex.Lock()
		cbs := c.callbacks
		c.mutex.Unlock()
		cb := cbs.AfterWmarksCheck
		if active {
			if err := c.updateStats(); err != nil {
				c.plog.Warnf("damon-sysfs: failed to update scheme stats: %v", err)
			}
			cb = cbs.AfterAggregation
		}
		if cb != nil {
			if err := cb(c); err != nil {
				log.Errorf("damon-sysfs: callback failed, stopping kdamond: %v", err)
				return
			}
		}
		if err := c.commitIfDirty(); err != nil {
			c.plog.Errorf("damon-sysfs: commit failed: %v", err)
		}
	}
}

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
	"strconv"
	"sync"
)

// Params holds the tunables of LRU sorting. Field tags are the
// operator-visible parameter names.
type Params struct {
	// Enabled switches LRU sorting on and off.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// CommitInputs makes a running LruSort re-read all parameters
	// except Enabled at the next aggregation or watermarks check.
	// It is cleared once the parameters have been read.
	CommitInputs bool `json:"commit_inputs" yaml:"commit_inputs"`
	// HotThresAccessFreq is the access frequency threshold, in
	// permil, of hot regions.
	HotThresAccessFreq uint64 `json:"hot_thres_access_freq" yaml:"hot_thres_access_freq"`
	// ColdMinAge is the time in microseconds a region has to stay
	// unaccessed to be cold.
	ColdMinAge uint64 `json:"cold_min_age" yaml:"cold_min_age"`
	// QuotaMs is the time limit of LRU sorting within
	// QuotaResetIntervalMs, split evenly between hot and cold.
	QuotaMs              uint64 `json:"quota_ms" yaml:"quota_ms"`
	QuotaResetIntervalMs uint64 `json:"quota_reset_interval_ms" yaml:"quota_reset_interval_ms"`
	// MonitorRegionStart and MonitorRegionEnd are the physical
	// address range to work on. 0 and 0 select the biggest system
	// RAM range.
	MonitorRegionStart uint64 `json:"monitor_region_start" yaml:"monitor_region_start"`
	MonitorRegionEnd   uint64 `json:"monitor_region_end" yaml:"monitor_region_end"`
	// Monitoring attributes, intervals in microseconds.
	SampleInterval    uint64 `json:"sample_interval" yaml:"sample_interval"`
	AggrInterval      uint64 `json:"aggr_interval" yaml:"aggr_interval"`
	OpsUpdateInterval uint64 `json:"ops_update_interval" yaml:"ops_update_interval"`
	MinNrRegions      uint64 `json:"min_nr_regions" yaml:"min_nr_regions"`
	MaxNrRegions      uint64 `json:"max_nr_regions" yaml:"max_nr_regions"`
	// Watermarks, interval in microseconds, levels in permil.
	WmarksMetric   WmarkMetric `json:"wmarks_metric" yaml:"wmarks_metric"`
	WmarksInterval uint64      `json:"wmarks_interval" yaml:"wmarks_interval"`
	WmarksHigh     uint64      `json:"wmarks_high" yaml:"wmarks_high"`
	WmarksMid      uint64      `json:"wmarks_mid" yaml:"wmarks_mid"`
	WmarksLow      uint64      `json:"wmarks_low" yaml:"wmarks_low"`
}

// DefaultParams returns the default tunables.
func DefaultParams() Params {
	return Params{
		HotThresAccessFreq:   500,
		ColdMinAge:           120000000,
		QuotaMs:              10,
		QuotaResetIntervalMs: 1000,
		SampleInterval:       5000,
		AggrInterval:         100000,
		OpsUpdateInterval:    0,
		MinNrRegions:         10,
		MaxNrRegions:         1000,
		WmarksMetric:         WmarkFreeMemRate,
		WmarksInterval:       5000000,
		WmarksHigh:           200,
		WmarksMid:            150,
		WmarksLow:            50,
	}
}

// Attrs returns the monitoring attributes.
func (p Params) Attrs() MonitoringAttrs {
	return MonitoringAttrs{
		SampleUs:     p.SampleInterval,
		AggrUs:       p.AggrInterval,
		OpsUpdateUs:  p.OpsUpdateInterval,
		MinNrRegions: p.MinNrRegions,
		MaxNrRegions: p.MaxNrRegions,
	}
}

// Watermarks returns the watermarks shared by both schemes.
func (p Params) Watermarks() Watermarks {
	return Watermarks{
		Metric:     p.WmarksMetric,
		IntervalUs: p.WmarksInterval,
		High:       p.WmarksHigh,
		Mid:        p.WmarksMid,
		Low:        p.WmarksLow,
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m WmarkMetric) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *WmarkMetric) UnmarshalText(text []byte) error {
	metric, err := ParseWmarkMetric(string(text))
	if err != nil {
		return err
	}
	*m = metric
	return nil
}

type paramDesc struct {
	get func(p *Params) string
	set func(p *Params, value string) error
}

func uintParam(field func(p *Params) *uint64) paramDesc {
	return paramDesc{
		get: func(p *Params) string { return strconv.FormatUint(*field(p), 10) },
		set: func(p *Params, value string) error {
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid unsigned integer %q", value)
			}
			*field(p) = v
			return nil
		},
	}
}

func addrParam(field func(p *Params) *uint64) paramDesc {
	return paramDesc{
		get: func(p *Params) string { return strconv.FormatUint(*field(p), 10) },
		set: func(p *Params, value string) error {
			v, err := parseAddr(value)
			if err != nil {
				return err
			}
			*field(p) = v
			return nil
		},
	}
}

func permilParam(field func(p *Params) *uint64) paramDesc {
	return paramDesc{
		get: func(p *Params) string { return strconv.FormatUint(*field(p), 10) },
		set: func(p *Params, value string) error {
			v, err := parsePermil(value)
			if err != nil {
				return err
			}
			*field(p) = v
			return nil
		},
	}
}

func boolParam(field func(p *Params) *bool) paramDesc {
	return paramDesc{
		get: func(p *Params) string { return formatBool(*field(p)) },
		set: func(p *Params, value string) error {
			v, err := parseBool(value)
			if err != nil {
				return err
			}
			*field(p) = v
			return nil
		},
	}
}

const paramEnabled = "enabled"

var paramDescs = map[string]paramDesc{
	paramEnabled:              boolParam(func(p *Params) *bool { return &p.Enabled }),
	"commit_inputs":           boolParam(func(p *Params) *bool { return &p.CommitInputs }),
	"hot_thres_access_freq":   uintParam(func(p *Params) *uint64 { return &p.HotThresAccessFreq }),
	"cold_min_age":            uintParam(func(p *Params) *uint64 { return &p.ColdMinAge }),
	"quota_ms":                uintParam(func(p *Params) *uint64 { return &p.QuotaMs }),
	"quota_reset_interval_ms": uintParam(func(p *Params) *uint64 { return &p.QuotaResetIntervalMs }),
	"monitor_region_start":    addrParam(func(p *Params) *uint64 { return &p.MonitorRegionStart }),
	"monitor_region_end":      addrParam(func(p *Params) *uint64 { return &p.MonitorRegionEnd }),
	"sample_interval":         uintParam(func(p *Params) *uint64 { return &p.SampleInterval }),
	"aggr_interval":           uintParam(func(p *Params) *uint64 { return &p.AggrInterval }),
	"ops_update_interval":     uintParam(func(p *Params) *uint64 { return &p.OpsUpdateInterval }),
	"min_nr_regions":          uintParam(func(p *Params) *uint64 { return &p.MinNrRegions }),
	"max_nr_regions":          uintParam(func(p *Params) *uint64 { return &p.MaxNrRegions }),
	"wmarks_interval":         uintParam(func(p *Params) *uint64 { return &p.WmarksInterval }),
	"wmarks_high":             permilParam(func(p *Params) *uint64 { return &p.WmarksHigh }),
	"wmarks_mid":              permilParam(func(p *Params) *uint64 { return &p.WmarksMid }),
	"wmarks_low":              permilParam(func(p *Params) *uint64 { return &p.WmarksLow }),
	"wmarks_metric": {
		get: func(p *Params) string { return p.WmarksMetric.String() },
		set: func(p *Params, value string) error { return p.WmarksMetric.UnmarshalText([]byte(value)) },
	},
}

// ParamStore holds the live tunables. Every method is safe for
// concurrent use.
type ParamStore struct {
	mutex     sync.Mutex
	p         Params
	onEnabled func()
}

// NewParamStore creates a store holding the given parameters.
func NewParamStore(p Params) *ParamStore {
	return &ParamStore{p: p}
}

// Snapshot returns a copy of all parameters taken at once.
func (ps *ParamStore) Snapshot() Params {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	return ps.p
}

// Names returns the sorted names of all settable parameters.
func (ps *ParamStore) Names() []string {
	return ParamNames()
}

// ParamNames returns the sorted names of all settable parameters.
func ParamNames() []string {
	names := make([]string, 0, len(paramDescs))
	for name := range paramDescs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the value of a parameter formatted as a string.
func (ps *ParamStore) Get(name string) (string, error) {
	desc, ok := paramDescs[name]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownParam, name)
	}
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	return desc.get(&ps.p), nil
}

// Set parses value and stores it to a parameter. On error the
// parameter keeps its previous value. Setting "enabled" notifies the
// enabled state listener even if the value did not change.
func (ps *ParamStore) Set(name, value string) error {
	desc, ok := paramDescs[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownParam, name)
	}
	ps.mutex.Lock()
	err := desc.set(&ps.p, value)
	notify := ps.onEnabled
	ps.mutex.Unlock()
	if err != nil {
		return fmt.Errorf("parameter %s: %w", name, err)
	}
	if name == paramEnabled && notify != nil {
		notify()
	}
	return nil
}

// SetEnabled sets the enabled parameter and notifies the listener.
func (ps *ParamStore) SetEnabled(enabled bool) {
	ps.mutex.Lock()
	ps.p.Enabled = enabled
	notify := ps.onEnabled
	ps.mutex.Unlock()
	if notify != nil {
		notify()
	}
}

// Enabled returns the enabled parameter.
func (ps *ParamStore) Enabled() bool {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	return ps.p.Enabled
}

// setEnabledQuiet sets the enabled parameter without notifying.
func (ps *ParamStore) setEnabledQuiet(enabled bool) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.p.Enabled = enabled
}

// SetCommitInputs requests the parameters to be committed.
func (ps *ParamStore) SetCommitInputs() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.p.CommitInputs = true
}

// CommitInputs returns true if a commit has been requested but not
// yet taken.
func (ps *ParamStore) CommitInputs() bool {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	return ps.p.CommitInputs
}

// TakeCommitInputs clears the commit request and returns its value.
func (ps *ParamStore) TakeCommitInputs() bool {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	commit := ps.p.CommitInputs
	ps.p.CommitInputs = false
	return commit
}

// SetMonitorRegion stores the monitoring region.
func (ps *ParamStore) SetMonitorRegion(ar AddrRange) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.p.MonitorRegionStart = ar.Start
	ps.p.MonitorRegionEnd = ar.End
}

// Update replaces all parameters except enabled and commit_inputs.
func (ps *ParamStore) Update(p Params) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	p.Enabled = ps.p.Enabled
	p.CommitInputs = ps.p.CommitInputs
	ps.p = p
}

func (ps *ParamStore) setOnEnabled(f func()) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.onEnabled = f
}

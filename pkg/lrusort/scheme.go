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
	"math"

	"golang.org/x/sys/unix"
)

// Action is the operation a scheme applies to matching regions.
type Action int

const (
	// ActionLruPrio prioritizes matching regions on the LRU lists.
	ActionLruPrio Action = iota
	// ActionLruDeprio deprioritizes matching regions on the LRU lists.
	ActionLruDeprio
)

// String returns the action name used by the DAMON sysfs interface.
func (a Action) String() string {
	switch a {
	case ActionLruPrio:
		return "lru_prio"
	case ActionLruDeprio:
		return "lru_deprio"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// WmarkMetric is the system metric the watermarks are compared against.
type WmarkMetric int

const (
	// WmarkNone keeps schemes always active.
	WmarkNone WmarkMetric = iota
	// WmarkFreeMemRate is the free memory rate of the system in permil.
	WmarkFreeMemRate
)

// String returns the metric name used by the DAMON sysfs interface.
func (m WmarkMetric) String() string {
	switch m {
	case WmarkNone:
		return "none"
	case WmarkFreeMemRate:
		return "free_mem_rate"
	}
	return fmt.Sprintf("WmarkMetric(%d)", int(m))
}

// ParseWmarkMetric parses a metric name.
func ParseWmarkMetric(s string) (WmarkMetric, error) {
	switch s {
	case "none":
		return WmarkNone, nil
	case "free_mem_rate":
		return WmarkFreeMemRate, nil
	}
	return WmarkNone, fmt.Errorf("invalid watermarks metric %q, supported: \"none\", \"free_mem_rate\"", s)
}

// AccessPattern matches regions by size, access count and age.
type AccessPattern struct {
	MinSzRegion   uint64
	MaxSzRegion   uint64
	MinNrAccesses uint32
	MaxNrAccesses uint32
	// Ages are counted in aggregation intervals.
	MinAgeRegion uint32
	MaxAgeRegion uint32
}

// Quota limits the time and size a scheme may spend in a reset
// interval. Weights prioritize regions when the quota is contended.
type Quota struct {
	Ms               uint64
	Sz               uint64
	ResetIntervalMs  uint64
	WeightSz         uint32
	WeightNrAccesses uint32
	WeightAge        uint32
}

// Watermarks activate and deactivate a scheme based on a system metric.
type Watermarks struct {
	Metric     WmarkMetric
	IntervalUs uint64
	High       uint64
	Mid        uint64
	Low        uint64
}

// SchemeStat holds the counters of a scheme.
type SchemeStat struct {
	NrTried   uint64
	SzTried   uint64
	NrApplied uint64
	SzApplied uint64
	QtExceeds uint64
}

// Scheme is an access pattern based operation scheme.
type Scheme struct {
	Pattern AccessPattern
	Action  Action
	Quota   Quota
	Wmarks  Watermarks
	Stat    SchemeStat
}

// Clone returns a copy of the scheme.
func (s *Scheme) Clone() *Scheme {
	c := *s
	return &c
}

// Matches returns true if a region with the given size, access count
// and age matches the access pattern of the scheme.
func (p AccessPattern) Matches(sz uint64, nrAccesses, age uint32) bool {
	return sz >= p.MinSzRegion && sz <= p.MaxSzRegion &&
		nrAccesses >= p.MinNrAccesses && nrAccesses <= p.MaxNrAccesses &&
		age >= p.MinAgeRegion && age <= p.MaxAgeRegion
}

// Validate returns an error if the watermarks are not ordered.
func (w Watermarks) Validate() error {
	if w.Metric == WmarkNone {
		return nil
	}
	if w.High < w.Mid || w.Mid < w.Low {
		return fmt.Errorf("%w: watermarks must satisfy high >= mid >= low, got %d/%d/%d", ErrInvalidScheme, w.High, w.Mid, w.Low)
	}
	if w.IntervalUs == 0 {
		return fmt.Errorf("%w: watermarks check interval must be > 0", ErrInvalidScheme)
	}
	return nil
}

// HotThreshold returns the minimum access count of hot regions.
// aggr/sample is the maximum access count a region can get in one
// aggregation interval.
func HotThreshold(attrs MonitoringAttrs, freqPermil uint64) uint32 {
	if attrs.SampleUs == 0 {
		return 0
	}
	return clampUint32(attrs.AggrUs / attrs.SampleUs * freqPermil / 1000)
}

// ColdThreshold returns the minimum age, in aggregation intervals, of
// cold regions.
func ColdThreshold(minAgeUs uint64, attrs MonitoringAttrs) uint32 {
	if attrs.AggrUs == 0 {
		return 0
	}
	return clampUint32(minAgeUs / attrs.AggrUs)
}

func clampUint32(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

func pageSize() uint64 {
	return uint64(unix.Getpagesize())
}

func lruSortQuota(p Params, weightNrAccesses, weightAge uint32) Quota {
	return Quota{
		Ms:               p.QuotaMs / 2,
		Sz:               0,
		ResetIntervalMs:  p.QuotaResetIntervalMs,
		WeightSz:         0,
		WeightNrAccesses: weightNrAccesses,
		WeightAge:        weightAge,
	}
}

// NewHotScheme builds the scheme that prioritizes regions accessed
// at least hotThres times per aggregation interval. Within the quota
// the most accessed regions go first.
func NewHotScheme(p Params, hotThres uint32) (*Scheme, error) {
	s := &Scheme{
		Pattern: AccessPattern{
			MinSzRegion:   pageSize(),
			MaxSzRegion:   math.MaxUint64,
			MinNrAccesses: hotThres,
			MaxNrAccesses: math.MaxUint32,
			MinAgeRegion:  0,
			MaxAgeRegion:  math.MaxUint32,
		},
		Action: ActionLruPrio,
		Quota:  lruSortQuota(p, 1000, 0),
		Wmarks: p.Watermarks(),
	}
	if err := s.Wmarks.Validate(); err != nil {
		return nil, fmt.Errorf("hot scheme: %w", err)
	}
	return s, nil
}

// NewColdScheme builds the scheme that deprioritizes regions not
// accessed for at least coldThres aggregation intervals. Within the
// quota the oldest regions go first.
func NewColdScheme(p Params, coldThres uint32) (*Scheme, error) {
	s := &Scheme{
		Pattern: AccessPattern{
			MinSzRegion:   pageSize(),
			MaxSzRegion:   math.MaxUint64,
			MinNrAccesses: 0,
			MaxNrAccesses: 0,
			MinAgeRegion:  coldThres,
			MaxAgeRegion:  math.MaxUint32,
		},
		Action: ActionLruDeprio,
		Quota:  lruSortQuota(p, 0, 1000),
		Wmarks: p.Watermarks(),
	}
	if err := s.Wmarks.Validate(); err != nil {
		return nil, fmt.Errorf("cold scheme: %w", err)
	}
	return s, nil
}

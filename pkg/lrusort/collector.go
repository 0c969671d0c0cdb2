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
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus Metric descriptor indices and descriptor table
const (
	triedRegionsDesc = iota
	triedBytesDesc
	appliedRegionsDesc
	appliedBytesDesc
	quotaExceedsDesc
	enabledDesc
	kdamondPidDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	triedRegionsDesc: prometheus.NewDesc(
		"lrusort_scheme_tried_regions_total",
		"Number of regions the scheme has tried to sort",
		[]string{"scheme"}, nil,
	),
	triedBytesDesc: prometheus.NewDesc(
		"lrusort_scheme_tried_bytes_total",
		"Total size of regions the scheme has tried to sort",
		[]string{"scheme"}, nil,
	),
	appliedRegionsDesc: prometheus.NewDesc(
		"lrusort_scheme_applied_regions_total",
		"Number of regions the scheme has sorted",
		[]string{"scheme"}, nil,
	),
	appliedBytesDesc: prometheus.NewDesc(
		"lrusort_scheme_applied_bytes_total",
		"Total size of regions the scheme has sorted",
		[]string{"scheme"}, nil,
	),
	quotaExceedsDesc: prometheus.NewDesc(
		"lrusort_scheme_quota_exceeds_total",
		"Number of times the scheme has exceeded its time quota",
		[]string{"scheme"}, nil,
	),
	enabledDesc: prometheus.NewDesc(
		"lrusort_enabled",
		"1 if LRU sorting is on, 0 otherwise",
		nil, nil,
	),
	kdamondPidDesc: prometheus.NewDesc(
		"lrusort_kdamond_pid",
		"Pid of the monitoring worker, -1 if LRU sorting is off",
		nil, nil,
	),
}

type collector struct {
	ls *LruSort
}

// NewCollector creates a Prometheus collector of LRU sorting statistics.
func NewCollector(ls *LruSort) prometheus.Collector {
	return &collector{ls: ls}
}

// Describe implements prometheus.Collector interface
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector interface
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, scheme := range []struct {
		name  string
		stats *SchemeStats
	}{
		{"hot", &c.ls.stats.Hot},
		{"cold", &c.ls.stats.Cold},
	} {
		stat := scheme.stats.Load()
		for desc, value := range map[int]uint64{
			triedRegionsDesc:   stat.NrTried,
			triedBytesDesc:     stat.SzTried,
			appliedRegionsDesc: stat.NrApplied,
			appliedBytesDesc:   stat.SzApplied,
			quotaExceedsDesc:   stat.QtExceeds,
		} {
			ch <- prometheus.MustNewConstMetric(
				descriptors[desc],
				prometheus.CounterValue,
				float64(value),
				scheme.name,
			)
		}
	}
	enabled := 0.0
	if c.ls.IsEnabled() {
		enabled = 1.0
	}
	ch <- prometheus.MustNewConstMetric(descriptors[enabledDesc], prometheus.GaugeValue, enabled)
	ch <- prometheus.MustNewConstMetric(descriptors[kdamondPidDesc], prometheus.GaugeValue, float64(c.ls.KdamondPid()))
}

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
	"strconv"
	"strings"
	"sync/atomic"
)

// SchemeStats is a lock-free mirror of the counters of one scheme.
type SchemeStats struct {
	NrTried   atomic.Uint64
	SzTried   atomic.Uint64
	NrApplied atomic.Uint64
	SzApplied atomic.Uint64
	QtExceeds atomic.Uint64
}

// Store copies the counters of a scheme to the mirror.
func (ss *SchemeStats) Store(stat SchemeStat) {
	ss.NrTried.Store(stat.NrTried)
	ss.SzTried.Store(stat.SzTried)
	ss.NrApplied.Store(stat.NrApplied)
	ss.SzApplied.Store(stat.SzApplied)
	ss.QtExceeds.Store(stat.QtExceeds)
}

// Load returns the mirrored counters. Counters are loaded one by one,
// so they may come from different aggregation passes.
func (ss *SchemeStats) Load() SchemeStat {
	return SchemeStat{
		NrTried:   ss.NrTried.Load(),
		SzTried:   ss.SzTried.Load(),
		NrApplied: ss.NrApplied.Load(),
		SzApplied: ss.SzApplied.Load(),
		QtExceeds: ss.QtExceeds.Load(),
	}
}

// Stats mirrors the counters of the hot and cold schemes.
type Stats struct {
	Hot  SchemeStats
	Cold SchemeStats
}

// mirror copies the counters of live schemes into the hot (lru_prio)
// and cold (lru_deprio) mirrors.
func (s *Stats) mirror(schemes []*Scheme) {
	for _, scheme := range schemes {
		switch scheme.Action {
		case ActionLruPrio:
			s.Hot.Store(scheme.Stat)
		case ActionLruDeprio:
			s.Cold.Store(scheme.Stat)
		}
	}
}

// statParam describes a read-only statistics parameter.
type statParam struct {
	name string
	load func(s *Stats) uint64
}

var statParams = []statParam{
	{"nr_lru_sort_tried_hot_regions", func(s *Stats) uint64 { return s.Hot.NrTried.Load() }},
	{"bytes_lru_sort_tried_hot_regions", func(s *Stats) uint64 { return s.Hot.SzTried.Load() }},
	{"nr_lru_sorted_hot_regions", func(s *Stats) uint64 { return s.Hot.NrApplied.Load() }},
	{"bytes_lru_sorted_hot_regions", func(s *Stats) uint64 { return s.Hot.SzApplied.Load() }},
	{"nr_hot_quota_exceeds", func(s *Stats) uint64 { return s.Hot.QtExceeds.Load() }},
	{"nr_lru_sort_tried_cold_regions", func(s *Stats) uint64 { return s.Cold.NrTried.Load() }},
	{"bytes_lru_sort_tried_cold_regions", func(s *Stats) uint64 { return s.Cold.SzTried.Load() }},
	{"nr_lru_sorted_cold_regions", func(s *Stats) uint64 { return s.Cold.NrApplied.Load() }},
	{"bytes_lru_sorted_cold_regions", func(s *Stats) uint64 { return s.Cold.SzApplied.Load() }},
	{"nr_cold_quota_exceeds", func(s *Stats) uint64 { return s.Cold.QtExceeds.Load() }},
}

// Summarize formats the counters of both schemes as a table in "txt"
// or "csv" format.
func (s *Stats) Summarize(format string) (string, error) {
	headers := []string{"scheme", "tried", "tried_bytes", "applied", "applied_bytes", "quota_exceeds"}
	rows := [][]string{headers}
	for _, scheme := range []struct {
		name  string
		stats *SchemeStats
	}{
		{"hot", &s.Hot},
		{"cold", &s.Cold},
	} {
		stat := scheme.stats.Load()
		rows = append(rows, []string{
			scheme.name,
			strconv.FormatUint(stat.NrTried, 10),
			strconv.FormatUint(stat.SzTried, 10),
			strconv.FormatUint(stat.NrApplied, 10),
			strconv.FormatUint(stat.SzApplied, 10),
			strconv.FormatUint(stat.QtExceeds, 10),
		})
	}
	var sb strings.Builder
	switch format {
	case "csv":
		for _, row := range rows {
			sb.WriteString(strings.Join(row, ","))
			sb.WriteString("\n")
		}
	case "txt":
		widths := make([]int, len(headers))
		for _, row := range rows {
			for i, cell := range row {
				if len(cell) > widths[i] {
					widths[i] = len(cell)
				}
			}
		}
		for _, row := range rows {
			for i, cell := range row {
				if i > 0 {
					sb.WriteString(" ")
				}
				if i == 0 {
					sb.WriteString(fmt.Sprintf("%-*s", widths[i], cell))
				} else {
					sb.WriteString(fmt.Sprintf("%*s", widths[i], cell))
				}
			}
			sb.WriteString("\n")
		}
	default:
		return "", fmt.Errorf("invalid table format %q, supported: txt, csv", format)
	}
	return sb.String(), nil
}

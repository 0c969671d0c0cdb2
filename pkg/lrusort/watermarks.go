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
)

const defaultMeminfoPath = "/proc/meminfo"

// parseValueAfter returns the first integer following key in data,
// or -1 if key is not found.
func parseValueAfter(data, key string) int64 {
	for _, line := range strings.Split(data, "\n") {
		halves := strings.SplitN(line, key, 2)
		if len(halves) < 2 {
			continue
		}
		nextFields := strings.Fields(halves[1])
		if len(nextFields) == 0 {
			return -1
		}
		v, err := strconv.ParseInt(nextFields[0], 10, 64)
		if err != nil {
			return -1
		}
		return v
	}
	return -1
}

// freeMemRate returns free memory per total memory in permil.
func freeMemRate(meminfoPath string) (uint64, error) {
	if meminfoPath == "" {
		meminfoPath = defaultMeminfoPath
	}
	meminfo, err := procRead(meminfoPath)
	if err != nil {
		return 0, err
	}
	total := parseValueAfter(meminfo, "MemTotal:")
	free := parseValueAfter(meminfo, "MemFree:")
	if total <= 0 || free < 0 {
		return 0, fmt.Errorf("MemTotal or MemFree missing in %q", meminfoPath)
	}
	return uint64(free) * 1000 / uint64(total), nil
}

// wmarkMetricValue reads the current value of a watermarks metric.
func wmarkMetricValue(metric WmarkMetric, meminfoPath string) (uint64, error) {
	switch metric {
	case WmarkFreeMemRate:
		return freeMemRate(meminfoPath)
	case WmarkNone:
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported watermarks metric %s", metric)
}

// wmarkState tracks watermark based activation of a scheme. A scheme
// is deactivated when the metric is above high or below low. Once
// deactivated it stays so until the metric drops below mid.
type wmarkState struct {
	activated bool
}

func newWmarkState() *wmarkState {
	return &wmarkState{activated: true}
}

// update evaluates the metric value against the watermarks and
// returns true if the scheme is active.
func (ws *wmarkState) update(wm Watermarks, value uint64) bool {
	if wm.Metric == WmarkNone {
		ws.activated = true
		return true
	}
	if value > wm.High || value < wm.Low {
		if ws.activated {
			log.Debugf("deactivate scheme by watermarks: %s=%d (high=%d low=%d)", wm.Metric, value, wm.High, wm.Low)
		}
		ws.activated = false
		return false
	}
	if value <= wm.High && value >= wm.Mid && !ws.activated {
		return false
	}
	if !ws.activated {
		log.Debugf("activate scheme by watermarks: %s=%d (mid=%d)", wm.Metric, value, wm.Mid)
	}
	ws.activated = true
	return true
}

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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeMeminfo(t *testing.T, totalKb, freeKb int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meminfo")
	data := fmt.Sprintf("MemTotal:       %d kB\nMemFree:        %d kB\nMemAvailable:   %d kB\n", totalKb, freeKb, freeKb*2)
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestParseValueAfter(t *testing.T) {
	data := "MemTotal:       16000000 kB\nMemFree:  123 kB\nBroken:\n"
	require.Equal(t, int64(16000000), parseValueAfter(data, "MemTotal:"))
	require.Equal(t, int64(123), parseValueAfter(data, "MemFree:"))
	require.Equal(t, int64(-1), parseValueAfter(data, "Broken:"))
	require.Equal(t, int64(-1), parseValueAfter(data, "SwapTotal:"))
}

func TestFreeMemRate(t *testing.T) {
	rate, err := freeMemRate(writeMeminfo(t, 1000000, 150000))
	require.NoError(t, err)
	require.Equal(t, uint64(150), rate)

	_, err = freeMemRate(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "meminfo")
	require.NoError(t, os.WriteFile(path, []byte("MemFree: 1 kB\n"), 0644))
	_, err = freeMemRate(path)
	require.Error(t, err)
}

func TestWmarkState(t *testing.T) {
	wm := Watermarks{Metric: WmarkFreeMemRate, IntervalUs: 1000, High: 200, Mid: 150, Low: 50}
	ws := newWmarkState()
	steps := []struct {
		value  uint64
		active bool
	}{
		{100, true},
		{180, true},  // between mid and high while active
		{250, false}, // above high
		{180, false}, // between mid and high while inactive
		{150, false},
		{149, true}, // below mid
		{40, false}, // below low
		{60, true},
		{200, true},
	}
	for i, step := range steps {
		require.Equal(t, step.active, ws.update(wm, step.value), "step %d: %+v", i, step)
	}

	none := Watermarks{Metric: WmarkNone}
	ws = newWmarkState()
	require.True(t, ws.update(none, 0))
	require.True(t, ws.update(none, 1000))
}

func TestWmarkMetricValue(t *testing.T) {
	v, err := wmarkMetricValue(WmarkNone, "")
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)
	v, err = wmarkMetricValue(WmarkFreeMemRate, writeMeminfo(t, 2000, 500))
	require.NoError(t, err)
	require.Equal(t, uint64(250), v)
	_, err = wmarkMetricValue(WmarkMetric(42), "")
	require.Error(t, err)
}

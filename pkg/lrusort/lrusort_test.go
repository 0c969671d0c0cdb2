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
	"context"
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestLruSort(t *testing.T, e Engine, p Params) *LruSort {
	t.Helper()
	ls, err := New(e, p, WithEnableCheckInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })
	return ls
}

func waitSettled(t *testing.T, ls *LruSort) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ls.WaitSettled(ctx))
}

func targetRegions(e *fakeEngine, ls *LruSort) []AddrRange {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]AddrRange{}, ls.target.(*fakeTarget).regions...)
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

func TestNewSelectsPhysicalAddressSpace(t *testing.T) {
	e := newFakeEngine()
	ls := newTestLruSort(t, e, DefaultParams())
	require.Equal(t, []string{"NewContext", "SelectOps", "AddTarget"}, e.Calls())
	require.Equal(t, -1, ls.KdamondPid())
	require.False(t, ls.IsEnabled())
}

func TestNewDestroysContextOnFailure(t *testing.T) {
	e := newFakeEngine()
	e.selectOpsErr = errors.New("no paddr")
	_, err := New(e, DefaultParams())
	require.EqualError(t, err, "no paddr")
	require.Equal(t, []string{"NewContext", "SelectOps", "Destroy"}, e.Calls())

	e = newFakeEngine()
	e.addTargetErr = errors.New("no target")
	_, err = New(e, DefaultParams())
	require.EqualError(t, err, "no target")
	require.Equal(t, []string{"NewContext", "SelectOps", "AddTarget", "Destroy"}, e.Calls())
}

func TestApplyParametersInstallsSchemes(t *testing.T) {
	e := newFakeEngine()
	p := DefaultParams()
	p.MonitorRegionStart = 0x1000
	p.MonitorRegionEnd = 0x100000
	ls := newTestLruSort(t, e, p)
	e.resetCalls()

	require.NoError(t, ls.ApplyParameters())
	require.Equal(t, []string{"SetAttrs", "SetSchemes", "AddScheme", "SetRegions"}, e.Calls())
	require.Equal(t, p.Attrs(), e.ctx.attrs)

	schemes := e.ctx.Schemes()
	require.Len(t, schemes, 2)
	hot, cold := schemes[0], schemes[1]
	require.Equal(t, ActionLruPrio, hot.Action)
	require.Equal(t, uint32(10), hot.Pattern.MinNrAccesses)
	require.Equal(t, uint32(math.MaxUint32), hot.Pattern.MaxNrAccesses)
	require.Equal(t, uint32(0), hot.Pattern.MinAgeRegion)
	require.Equal(t, ActionLruDeprio, cold.Action)
	require.Equal(t, uint32(0), cold.Pattern.MaxNrAccesses)
	require.Equal(t, uint32(1200), cold.Pattern.MinAgeRegion)
	for _, s := range schemes {
		require.Equal(t, pageSize(), s.Pattern.MinSzRegion)
		require.Equal(t, uint64(math.MaxUint64), s.Pattern.MaxSzRegion)
		require.Equal(t, p.Watermarks(), s.Wmarks)
	}
	require.Equal(t, []AddrRange{{Start: 0x1000, End: 0x100000}}, targetRegions(e, ls))
}

func TestApplyParametersRejectsInvalidRegion(t *testing.T) {
	e := newFakeEngine()
	p := DefaultParams()
	p.MonitorRegionStart = 200
	p.MonitorRegionEnd = 100
	ls := newTestLruSort(t, e, p)
	e.resetCalls()

	err := ls.ApplyParameters()
	require.ErrorIs(t, err, ErrInvalidRegion)
	calls := e.Calls()
	require.Equal(t, -1, indexOf(calls, "SetRegions"))
	require.Equal(t, -1, indexOf(calls, "SetSchemes"))
	require.Equal(t, -1, indexOf(calls, "AddScheme"))
}

func TestApplyParametersDiscoversSystemRAM(t *testing.T) {
	e := newFakeEngine()
	e.systemRAM = AddrRange{Start: 0x100000, End: 0x7fff0000}
	ls := newTestLruSort(t, e, DefaultParams())

	require.NoError(t, ls.ApplyParameters())
	require.Equal(t, []AddrRange{e.systemRAM}, targetRegions(e, ls))

	start, err := ls.Get("monitor_region_start")
	require.NoError(t, err)
	end, err := ls.Get("monitor_region_end")
	require.NoError(t, err)
	require.Equal(t, strconv.FormatUint(e.systemRAM.Start, 10), start)
	require.Equal(t, strconv.FormatUint(e.systemRAM.End, 10), end)

	// The discovered range is kept for later commits.
	e.resetCalls()
	require.NoError(t, ls.ApplyParameters())
	require.Equal(t, -1, indexOf(e.Calls(), "FindBiggestSystemRAM"))
}

func TestApplyParametersKeepsRegionOnInstallFailure(t *testing.T) {
	e := newFakeEngine()
	e.regionsErr = errors.New("regions rejected")
	ls := newTestLruSort(t, e, DefaultParams())

	require.Error(t, ls.ApplyParameters())
	for _, name := range []string{"monitor_region_start", "monitor_region_end"} {
		value, err := ls.Get(name)
		require.NoError(t, err)
		require.Equal(t, "0", value, name)
	}

	e.mutex.Lock()
	e.regionsErr = nil
	e.mutex.Unlock()
	require.NoError(t, ls.ApplyParameters())
	start, err := ls.Get("monitor_region_start")
	require.NoError(t, err)
	require.Equal(t, strconv.FormatUint(e.systemRAM.Start, 10), start)
}

func TestApplyParametersWithoutSystemRAM(t *testing.T) {
	for _, findErr := range []error{ErrNoSystemRAM, errors.New("iomem unreadable")} {
		e := newFakeEngine()
		e.systemRAMErr = findErr
		ls := newTestLruSort(t, e, DefaultParams())
		e.resetCalls()

		err := ls.ApplyParameters()
		require.ErrorIs(t, err, ErrNoSystemRAM)
		require.Equal(t, -1, indexOf(e.Calls(), "SetRegions"))
		require.Equal(t, -1, indexOf(e.Calls(), "SetSchemes"))
	}
}

func TestApplyParametersPropagatesAttrsError(t *testing.T) {
	e := newFakeEngine()
	p := DefaultParams()
	p.MinNrRegions = 2000
	ls := newTestLruSort(t, e, p)
	e.resetCalls()

	err := ls.ApplyParameters()
	require.ErrorIs(t, err, ErrInvalidAttrs)
	require.Equal(t, []string{"SetAttrs"}, e.Calls())
}

func TestApplyParametersBuildsSchemesBeforeInstalling(t *testing.T) {
	e := newFakeEngine()
	p := DefaultParams()
	p.WmarksMid = p.WmarksHigh + 1
	ls := newTestLruSort(t, e, p)
	e.resetCalls()

	err := ls.ApplyParameters()
	require.ErrorIs(t, err, ErrInvalidScheme)
	require.Equal(t, []string{"SetAttrs"}, e.Calls())
}

func TestApplyParametersIsIdempotent(t *testing.T) {
	e := newFakeEngine()
	ls := newTestLruSort(t, e, DefaultParams())

	require.NoError(t, ls.ApplyParameters())
	first := e.ctx.Schemes()
	require.NoError(t, ls.ApplyParameters())
	second := e.ctx.Schemes()

	require.Len(t, second, 2)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("scheme sets differ (-first +second):\n%s", diff)
	}
	for i := range first {
		require.NotSame(t, first[i], second[i])
	}
}

func TestCommitInputsIsSelfClearing(t *testing.T) {
	for _, tc := range []struct {
		name     string
		callback func(c *fakeContext) error
		valid    bool
	}{
		{"aggregation ok", (*fakeContext).aggregate, true},
		{"aggregation failure", (*fakeContext).aggregate, false},
		{"watermarks check ok", (*fakeContext).wmarksCheck, true},
		{"watermarks check failure", (*fakeContext).wmarksCheck, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newFakeEngine()
			ls := newTestLruSort(t, e, DefaultParams())
			if !tc.valid {
				require.NoError(t, ls.Set("min_nr_regions", "2"))
			}
			require.NoError(t, ls.Set("commit_inputs", "Y"))
			e.resetCalls()

			err := tc.callback(e.ctx)
			if tc.valid {
				require.NoError(t, err)
				require.Equal(t, "SetAttrs", e.Calls()[0])
			} else {
				require.ErrorIs(t, err, ErrInvalidAttrs)
			}
			require.False(t, ls.Params().CommitInputs())
			value, err := ls.Get("commit_inputs")
			require.NoError(t, err)
			require.Equal(t, "N", value)

			// Without a commit request callbacks do nothing.
			e.resetCalls()
			require.NoError(t, tc.callback(e.ctx))
			require.Empty(t, e.Calls())
		})
	}
}

func TestAggregationMirrorsStats(t *testing.T) {
	e := newFakeEngine()
	ls := newTestLruSort(t, e, DefaultParams())
	require.NoError(t, ls.ApplyParameters())
	schemes := e.ctx.Schemes()
	schemes[0].Stat = SchemeStat{NrTried: 1, SzTried: 4096, NrApplied: 2, SzApplied: 8192, QtExceeds: 3}
	schemes[1].Stat = SchemeStat{NrTried: 10, SzTried: 40960, NrApplied: 20, SzApplied: 81920, QtExceeds: 30}

	require.NoError(t, e.ctx.aggregate())
	require.Equal(t, schemes[0].Stat, ls.Stats().Hot.Load())
	require.Equal(t, schemes[1].Stat, ls.Stats().Cold.Load())

	for name, expected := range map[string]string{
		"nr_lru_sort_tried_hot_regions":     "1",
		"bytes_lru_sort_tried_hot_regions":  "4096",
		"nr_lru_sorted_hot_regions":         "2",
		"bytes_lru_sorted_hot_regions":      "8192",
		"nr_hot_quota_exceeds":              "3",
		"nr_lru_sort_tried_cold_regions":    "10",
		"bytes_lru_sort_tried_cold_regions": "40960",
		"nr_lru_sorted_cold_regions":        "20",
		"bytes_lru_sorted_cold_regions":     "81920",
		"nr_cold_quota_exceeds":             "30",
	} {
		value, err := ls.Get(name)
		require.NoError(t, err)
		require.Equal(t, expected, value, name)
	}

	// Watermarks checks do not touch the mirror.
	schemes[0].Stat.NrTried = 100
	require.NoError(t, e.ctx.wmarksCheck())
	require.Equal(t, uint64(1), ls.Stats().Hot.NrTried.Load())
}

func TestEnable(t *testing.T) {
	e := newFakeEngine()
	ls := newTestLruSort(t, e, DefaultParams())

	require.NoError(t, ls.Set("enabled", "Y"))
	waitSettled(t, ls)

	require.True(t, ls.IsEnabled())
	require.True(t, ls.IsRunning())
	require.Equal(t, 4242, ls.KdamondPid())
	value, err := ls.Get("enabled")
	require.NoError(t, err)
	require.Equal(t, "Y", value)
	value, err = ls.Get("kdamond_pid")
	require.NoError(t, err)
	require.Equal(t, "4242", value)
	calls := e.Calls()
	require.Less(t, indexOf(calls, "SetRegions"), indexOf(calls, "Start"))

	require.NoError(t, ls.Set("enabled", "N"))
	waitSettled(t, ls)
	require.False(t, ls.IsEnabled())
	require.False(t, ls.IsRunning())
	require.Equal(t, -1, ls.KdamondPid())
}

func TestEnableFromInitialParams(t *testing.T) {
	e := newFakeEngine()
	p := DefaultParams()
	p.Enabled = true
	ls := newTestLruSort(t, e, p)
	require.Eventually(t, ls.IsEnabled, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 4242, ls.KdamondPid())
}

func TestEnableFailureReverts(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(e *fakeEngine, ls *LruSort)
	}{
		{"start fails", func(e *fakeEngine, ls *LruSort) { e.startErr = errors.New("kdamond refused") }},
		{"commit fails", func(e *fakeEngine, ls *LruSort) { e.systemRAMErr = ErrNoSystemRAM }},
		{"invalid region", func(e *fakeEngine, ls *LruSort) {
			require.NoError(t, ls.Set("monitor_region_start", "0x2000"))
			require.NoError(t, ls.Set("monitor_region_end", "0x1000"))
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newFakeEngine()
			ls := newTestLruSort(t, e, DefaultParams())
			tc.setup(e, ls)

			ls.Params().SetEnabled(true)
			waitSettled(t, ls)

			require.False(t, ls.Params().Enabled())
			require.False(t, ls.IsEnabled())
			require.Equal(t, -1, ls.KdamondPid())
		})
	}
}

func TestDisableAfterEngineStopped(t *testing.T) {
	e := newFakeEngine()
	ls := newTestLruSort(t, e, DefaultParams())
	ls.Params().SetEnabled(true)
	waitSettled(t, ls)
	require.True(t, ls.IsRunning())

	// A failing commit in a callback stops the monitoring run.
	require.NoError(t, ls.Set("max_nr_regions", "1"))
	ls.Params().SetCommitInputs()
	require.Error(t, e.ctx.aggregate())
	require.False(t, ls.IsRunning())

	ls.Params().SetEnabled(false)
	waitSettled(t, ls)
	require.False(t, ls.Params().Enabled())
	require.Equal(t, -1, ls.KdamondPid())
}

func TestReadOnlyParams(t *testing.T) {
	ls := newTestLruSort(t, newFakeEngine(), DefaultParams())
	for _, name := range ReadOnlyParamNames() {
		_, err := ls.Get(name)
		require.NoError(t, err)
		require.ErrorIs(t, ls.Set(name, "1"), ErrReadOnlyParam)
	}
	_, err := ls.Get("no_such_param")
	require.ErrorIs(t, err, ErrUnknownParam)
}

func TestClose(t *testing.T) {
	e := newFakeEngine()
	ls, err := New(e, DefaultParams(), WithEnableCheckInterval(10*time.Millisecond))
	require.NoError(t, err)
	ls.Params().SetEnabled(true)
	waitSettled(t, ls)

	require.NoError(t, ls.Close())
	calls := e.Calls()
	require.Equal(t, []string{"Stop", "Destroy"}, calls[len(calls)-2:])
	require.Equal(t, -1, ls.KdamondPid())
	require.ErrorIs(t, ls.Close(), ErrClosed)
}

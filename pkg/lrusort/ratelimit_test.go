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
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestRateLimit(t *testing.T) {
	backend, hook := test.NewNullLogger()
	plog := RateLimit(NewLoggerWrapper(backend), time.Hour)

	plog.Warnf("poll failed: %v", "EBUSY")
	plog.Warnf("poll failed: %v", "EBUSY")
	plog.Errorf("commit failed")
	plog.Warnf("poll failed: %v", "ENOENT")
	plog.Errorf("commit failed")

	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	require.Equal(t, logrus.WarnLevel, entries[0].Level)
	require.Equal(t, logPrefix+"<rate-limited> poll failed: EBUSY", entries[0].Message)
	require.Equal(t, logrus.ErrorLevel, entries[1].Level)
	require.Equal(t, logPrefix+"<rate-limited> commit failed", entries[1].Message)
	require.Equal(t, logPrefix+"<rate-limited> poll failed: ENOENT", entries[2].Message)
}

func TestRateLimitInterval(t *testing.T) {
	backend, hook := test.NewNullLogger()
	plog := RateLimit(NewLoggerWrapper(backend), 20*time.Millisecond)

	plog.Infof("tick")
	plog.Infof("tick")
	require.Len(t, hook.AllEntries(), 1)
	require.Eventually(t, func() bool {
		plog.Infof("tick")
		return len(hook.AllEntries()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRateLimitWindow(t *testing.T) {
	backend, hook := test.NewNullLogger()
	plog := RateLimit(NewLoggerWrapper(backend), time.Hour)

	plog.Infof("msg %d", 0)
	for i := 1; i <= rateLimitWindow; i++ {
		plog.Infof("msg %d", i)
	}
	require.Len(t, hook.AllEntries(), rateLimitWindow+1)
	// The first message has been forgotten.
	plog.Infof("msg %d", 0)
	require.Len(t, hook.AllEntries(), rateLimitWindow+2)
	plog.Infof("msg %d", rateLimitWindow)
	require.Len(t, hook.AllEntries(), rateLimitWindow+2)
}

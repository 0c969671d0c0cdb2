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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// rateLimitWindow is the number of distinct messages remembered.
	rateLimitWindow = 64
)

// rateLimited drops repeats of the same message that arrive faster
// than the configured interval.
type rateLimited struct {
	Logger
	sync.Mutex
	interval time.Duration
	window   []string
	limits   map[string]*rate.Limiter
}

// RateLimit returns a Logger that lets each distinct message through at
// most once per interval. Panicf and Fatalf are never limited.
func RateLimit(l Logger, interval time.Duration) Logger {
	return &rateLimited{
		Logger:   l,
		interval: interval,
		window:   make([]string, 0, rateLimitWindow),
		limits:   make(map[string]*rate.Limiter),
	}
}

func (rl *rateLimited) Debugf(format string, v ...interface{}) {
	if msg := rl.filter(format, v...); msg != "" {
		rl.Logger.Debugf("<rate-limited> %s", msg)
	}
}

func (rl *rateLimited) Infof(format string, v ...interface{}) {
	if msg := rl.filter(format, v...); msg != "" {
		rl.Logger.Infof("<rate-limited> %s", msg)
	}
}

func (rl *rateLimited) Warnf(format string, v ...interface{}) {
	if msg := rl.filter(format, v...); msg != "" {
		rl.Logger.Warnf("<rate-limited> %s", msg)
	}
}

func (rl *rateLimited) Errorf(format string, v ...interface{}) {
	if msg := rl.filter(format, v...); msg != "" {
		rl.Logger.Errorf("<rate-limited> %s", msg)
	}
}

func (rl *rateLimited) filter(format string, v ...interface{}) string {
	rl.Lock()
	defer rl.Unlock()

	msg := fmt.Sprintf(format, v...)
	lim, ok := rl.limits[msg]
	if !ok {
		if len(rl.window) == rateLimitWindow {
			delete(rl.limits, rl.window[0])
			rl.window = rl.window[1:]
		}
		rl.window = append(rl.window, msg)
		lim = rate.NewLimiter(rate.Every(rl.interval), 1)
		rl.limits[msg] = lim
	}
	if !lim.Allow() {
		return ""
	}
	return msg
}

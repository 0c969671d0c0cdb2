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

import "errors"

var (
	// ErrInvalidAttrs is returned for unusable monitoring attributes.
	ErrInvalidAttrs = errors.New("invalid monitoring attributes")
	// ErrInvalidRegion is returned when the monitoring region start
	// is after its end.
	ErrInvalidRegion = errors.New("invalid monitoring region")
	// ErrNoSystemRAM is returned when the monitoring region is not
	// set and no system RAM range can be found.
	ErrNoSystemRAM = errors.New("no system RAM range found")
	// ErrInvalidScheme is returned when a scheme cannot be built.
	ErrInvalidScheme = errors.New("invalid scheme")
	// ErrAlreadyRunning is returned when starting a running context.
	ErrAlreadyRunning = errors.New("monitoring context already running")
	// ErrNotRunning is returned when stopping a stopped context.
	ErrNotRunning = errors.New("monitoring context not running")
	// ErrUnknownParam is returned for unknown parameter names.
	ErrUnknownParam = errors.New("unknown parameter")
	// ErrReadOnlyParam is returned when writing a read-only parameter.
	ErrReadOnlyParam = errors.New("read-only parameter")
	// ErrClosed is returned by operations on a closed LruSort.
	ErrClosed = errors.New("lru sort closed")
)

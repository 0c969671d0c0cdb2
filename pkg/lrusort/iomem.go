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
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

const defaultIomemPath = "/proc/iomem"

// parseIomem returns the top-level "System RAM" ranges of
// /proc/iomem formatted data as half-open ranges.
func parseIomem(data string) []AddrRange {
	ranges := []AddrRange{}
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		// Nested resources are indented.
		if len(line) == 0 || line[0] == ' ' {
			continue
		}
		fields := strings.SplitN(line, " : ", 2)
		if len(fields) != 2 || strings.TrimSpace(fields[1]) != "System RAM" {
			continue
		}
		bounds := strings.SplitN(strings.TrimSpace(fields[0]), "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		// Addresses are zeroed for unprivileged readers.
		if err != nil || end < start || end == 0 {
			continue
		}
		ranges = append(ranges, AddrRange{Start: start, End: end + 1})
	}
	return ranges
}

// findBiggestSystemRAM returns the biggest System RAM range listed in
// an iomem file.
func findBiggestSystemRAM(iomemPath string) (AddrRange, error) {
	if iomemPath == "" {
		iomemPath = defaultIomemPath
	}
	data, err := procRead(iomemPath)
	if err != nil {
		return AddrRange{}, err
	}
	biggest := AddrRange{}
	for _, ar := range parseIomem(data) {
		if ar.Len() > biggest.Len() {
			biggest = ar
		}
	}
	if biggest.Len() == 0 {
		return AddrRange{}, fmt.Errorf("%w in %q", ErrNoSystemRAM, iomemPath)
	}
	return biggest, nil
}

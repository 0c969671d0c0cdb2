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

// ParseBytes parses a string representation of bytes and returns the
// equivalent number of bytes. It supports units k, M, G and T, with or
// without a trailing B ("10M", "4GB").
func ParseBytes(s string) (uint64, error) {
	origS := s
	factor := uint64(1)
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return 0, fmt.Errorf("syntax error in bytes: string is empty")
	}
	if s[len(s)-1] == 'B' {
		s = s[:len(s)-1]
	}
	if len(s) == 0 {
		return 0, fmt.Errorf("syntax error in bytes %q: missing numeric part", origS)
	}
	numpart := s[:len(s)-1]
	switch c := s[len(s)-1]; {
	case c == 'k':
		factor = 1024
	case c == 'M':
		factor = 1024 * 1024
	case c == 'G':
		factor = 1024 * 1024 * 1024
	case c == 'T':
		factor = 1024 * 1024 * 1024 * 1024
	case '0' <= c && c <= '9':
		numpart = s
	default:
		return 0, fmt.Errorf("syntax error in bytes %q: unexpected unit %q", origS, c)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(numpart), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("syntax error in bytes %q: bad numeric part %q", origS, numpart)
	}
	return n * factor, nil
}

// parseAddr accepts decimal, 0x-prefixed hexadecimal, or a byte
// amount with a unit suffix.
func parseAddr(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return v, nil
	}
	v, err := ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

// parsePermil accepts either a permil value ("200") or a percentage
// ("20%", "12.5%").
func parsePermil(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil || pct < 0 || pct > 100 {
			return 0, fmt.Errorf("invalid percentage %q", s)
		}
		return uint64(pct*10 + 0.5), nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid permil value %q", s)
	}
	return v, nil
}

// parseBool accepts the same spellings as kernel module boolean
// parameters, plus "true"/"false" and "on"/"off".
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "1", "true", "on":
		return true, nil
	case "n", "no", "0", "false", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// formatBool formats booleans like kernel module parameters do.
func formatBool(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

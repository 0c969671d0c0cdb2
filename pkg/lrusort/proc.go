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
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Helpers for reading and writing single-value sysfs and procfs files.

func procFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func procRead(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %q", path)
	}
	return string(data), nil
}

func procReadTrimmed(path string) (string, error) {
	s, err := procRead(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

func procReadInt(path string) (int, error) {
	s, err := procReadTrimmed(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "bad integer in %q", path)
	}
	return n, nil
}

func procReadUint64(path string) (uint64, error) {
	s, err := procReadTrimmed(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad unsigned integer in %q", path)
	}
	return n, nil
}

// procWriteFile writes sysfs and procfs files. Tests replace it to
// emulate kernel side effects of writes.
var procWriteFile = os.WriteFile

func procWrite(path string, data []byte) error {
	log.Debugf("write %q to %q", data, path)
	if err := procWriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q to %q", data, path)
	}
	return nil
}

func procWriteInt(path string, n int) error {
	return procWrite(path, []byte(strconv.Itoa(n)))
}

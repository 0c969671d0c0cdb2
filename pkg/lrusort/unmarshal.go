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
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// UnmarshalConfig decodes a JSON or YAML string into obj. Unknown
// fields are errors in both formats.
func UnmarshalConfig(jsonOrYaml string, obj interface{}) error {
	decoder := json.NewDecoder(strings.NewReader(jsonOrYaml))
	decoder.DisallowUnknownFields()
	jsonErr := decoder.Decode(obj)
	if jsonErr == nil {
		return nil
	}
	yamlDecoder := yaml.NewDecoder(strings.NewReader(jsonOrYaml))
	yamlDecoder.KnownFields(true)
	if err := yamlDecoder.Decode(obj); err != nil {
		return fmt.Errorf("config is neither JSON (%s) nor YAML (%w)", jsonErr, err)
	}
	return nil
}

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
	"strings"
)

// Config is the configuration file of the LRU sorting daemon.
type Config struct {
	Engine EngineConfig `json:"engine" yaml:"engine"`
	Params Params       `json:"params" yaml:"params"`
}

// DefaultConfig returns the DAMON sysfs engine with default parameters.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{Name: "damon-sysfs"},
		Params: DefaultParams(),
	}
}

// ParseConfig parses a JSON or YAML configuration. Missing fields
// keep their default values.
func ParseConfig(jsonOrYaml string) (Config, error) {
	config := DefaultConfig()
	if strings.TrimSpace(jsonOrYaml) == "" {
		return config, nil
	}
	if err := UnmarshalConfig(jsonOrYaml, &config); err != nil {
		return Config{}, err
	}
	if config.Engine.Name == "" {
		return Config{}, fmt.Errorf("missing engine name, available: %s", strings.Join(EngineList(), ", "))
	}
	return config, nil
}

// LoadConfig reads and parses a configuration file.
func LoadConfig(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %q failed: %w", filename, err)
	}
	config, err := ParseConfig(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", filename, err)
	}
	return config, nil
}

// NewEngineFromConfig creates and configures the engine named in config.
func NewEngineFromConfig(config EngineConfig) (Engine, error) {
	engine, err := NewEngine(config.Name)
	if err != nil {
		return nil, err
	}
	if err = engine.SetConfigJSON(config.Config); err != nil {
		return nil, fmt.Errorf("engine %q configuration failed: %w", config.Name, err)
	}
	return engine, nil
}

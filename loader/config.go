// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loader

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the supervisor's own configuration (spec.md §6),
// loadable from a single YAML file and overridable by CLI flags.
type EngineConfig struct {
	ServicesPath        []string      `yaml:"services-path"`
	TimeoutBeforeSigkill time.Duration `yaml:"timeout-before-sigkill"`
	UdsFolderPath       string        `yaml:"uds-folder-path"`
}

// DefaultEngineConfig returns spec.md §6's documented defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ServicesPath:         []string{"/etc/horust/services"},
		TimeoutBeforeSigkill: 10 * time.Second,
		UdsFolderPath:        "/var/run/horust",
	}
}

// yamlEngineConfig mirrors EngineConfig but with TimeoutBeforeSigkill as
// a plain string, since yaml.v3 has no built-in time.Duration support.
type yamlEngineConfig struct {
	ServicesPath         []string `yaml:"services-path"`
	TimeoutBeforeSigkill string   `yaml:"timeout-before-sigkill"`
	UdsFolderPath        string   `yaml:"uds-folder-path"`
}

// LoadEngineConfig reads and template-expands a YAML engine
// configuration file, overlaying it on DefaultEngineConfig.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded, err := expandTemplate(string(raw))
	if err != nil {
		return cfg, err
	}

	var y yamlEngineConfig
	if err := yaml.Unmarshal([]byte(expanded), &y); err != nil {
		return cfg, err
	}
	if len(y.ServicesPath) > 0 {
		cfg.ServicesPath = y.ServicesPath
	}
	if y.TimeoutBeforeSigkill != "" {
		d, err := time.ParseDuration(y.TimeoutBeforeSigkill)
		if err != nil {
			return cfg, err
		}
		cfg.TimeoutBeforeSigkill = d
	}
	if y.UdsFolderPath != "" {
		cfg.UdsFolderPath = y.UdsFolderPath
	}
	return cfg, nil
}

/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package device

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/mprmesh/mapper/discovery"
)

// Config configures one Device.
type Config struct {
	Name  string `yaml:"name"`
	Iface string `yaml:"iface"` // falls back to MPR_IFACE, then auto-detect

	BusGroup string `yaml:"bus_group"`
	BusPort  int    `yaml:"bus_port"`
	MeshPort int    `yaml:"mesh_port"` // 0 means an OS-chosen ephemeral port

	SyncInterval time.Duration `yaml:"sync_interval"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// ClockConfidenceFormula is a govaluate expression over the recent
	// offset-correction history (the variable "offsets") that adjusts
	// the clock confidence decay.
	// Empty uses DefaultClockConfidenceFormula.
	ClockConfidenceFormula string `yaml:"clock_confidence_formula"`

	IDMapCapacity int `yaml:"id_map_capacity"`
}

// DefaultClockConfidenceFormula is a mean plus a stddev-scaled penalty
// over the clock's recent offset-correction history: noisy corrections
// drive confidence down.
const DefaultClockConfidenceFormula = "1.0 / (1.0 + mean(offsets, 10) + 2.0*stddev(offsets, 10))"

// DefaultConfig returns a Config with every field set to its documented
// default.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                   name,
		BusGroup:               discovery.DefaultBusGroup,
		BusPort:                discovery.DefaultBusPort,
		SyncInterval:           10 * time.Second,
		PollInterval:           100 * time.Millisecond,
		ClockConfidenceFormula: DefaultClockConfidenceFormula,
		IDMapCapacity:          0, // 0 -> idmap.DefaultCapacity
	}
}

// Validate fails fast on a malformed Config: build once, validate
// eagerly, never deep inside a poll loop.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("device: Config.Name must not be empty")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("device: Config.SyncInterval must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("device: Config.PollInterval must be positive")
	}
	return nil
}

// ReadConfig loads a Config from a YAML file, filling documented
// defaults for anything the file omits.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig("")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("device: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("device: parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

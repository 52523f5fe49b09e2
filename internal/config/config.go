// Package config loads the optional YAML configuration file. Every field has
// a flag equivalent; flags take precedence, list-valued flags append.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type File struct {
	// Subnets to intercept, "[!]cidr[:firstport-lastport]"; a leading "!"
	// excludes the subnet.
	Subnets []string `yaml:"subnets"`

	// NameServers that must be force-redirected to the local DNS listener.
	NameServers []string `yaml:"nameservers"`

	// Interface carrying the host's externally reachable address.
	Interface string `yaml:"interface"`

	// Bootstrap is the always-routed address exempted from the local-source
	// bypass rule.
	Bootstrap string `yaml:"bootstrap"`
}

func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

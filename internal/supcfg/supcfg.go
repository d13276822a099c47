// Package supcfg loads the supervisor's plugin enable/disable configuration
// document, a YAML file of the form:
//
//	plugins:
//	  - name: <string>
//	    enabled: <bool>
//
// Grounded on component.Load (os.ReadFile + yaml.Unmarshal),
// narrowed to this one document shape.
package supcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the parsed shape of the config file.
type Document struct {
	Plugins []PluginEntry `yaml:"plugins"`
}

// PluginEntry is one record of the plugins sequence.
type PluginEntry struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
}

// Load reads and parses path. Read failures are wrapped with a message
// beginning "Failed to read config: "; parse failures with "Failed to
// parse config: ", an exact prefix contract callers may rely on.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to read config: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("Failed to parse config: %w", err)
	}

	return &doc, nil
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/screencapture/internal/capture"
)

// Profile is a named, preconfigured capture-and-upload target.
type Profile struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	FormField string            `yaml:"form_field"`
	Encoding  string            `yaml:"encoding"`
	Quality   float64           `yaml:"quality"`
	DataType  string            `yaml:"data_type"`
	Headers   map[string]string `yaml:"headers"`
}

// ProfilesConfig is the top-level YAML configuration for capture profiles.
type ProfilesConfig struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads and validates a capture-profile YAML config file.
func LoadProfiles(path string) (*ProfilesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profiles config: %w", err)
	}
	var cfg ProfilesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("profiles config: %w", err)
	}
	for i, p := range cfg.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profiles config: profiles[%d] missing name", i)
		}
		if p.URL == "" {
			return nil, fmt.Errorf("profiles config: profiles[%d] (%s) missing url", i, p.Name)
		}
		switch capture.Encoding(p.Encoding) {
		case "", capture.EncodingPNG, capture.EncodingJPG, capture.EncodingWEBP:
		default:
			return nil, fmt.Errorf("profiles config: profiles[%d] (%s) unknown encoding %q", i, p.Name, p.Encoding)
		}
		if p.Quality < 0 || p.Quality > 1 {
			return nil, fmt.Errorf("profiles config: profiles[%d] (%s) quality %v outside [0, 1]", i, p.Name, p.Quality)
		}
		switch capture.DataType(p.DataType) {
		case "", capture.DataTypeBlob, capture.DataTypeBase64:
		default:
			return nil, fmt.Errorf("profiles config: profiles[%d] (%s) unknown data_type %q", i, p.Name, p.DataType)
		}
	}
	return &cfg, nil
}

// Find returns the profile with the given name, or nil.
func (c *ProfilesConfig) Find(name string) *Profile {
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			return &c.Profiles[i]
		}
	}
	return nil
}

package bridge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig describes one MCP server entry in the manifest. The
// transport decides which of the remaining fields apply: stdio servers
// run Command, http servers POST to URL.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       []string          `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
}

// Manifest is the MCP_SERVERS_FILE document: the list of MCP servers
// the bridge connects to at startup.
type Manifest struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadManifest reads and validates the YAML server manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Servers))
	for i, s := range m.Servers {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("server %d (%s): %w", i, s.Name, err)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}

	return &m, nil
}

func (s ServerConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch s.Transport {
	case "stdio":
		if s.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
	case "http":
		if s.URL == "" {
			return fmt.Errorf("http transport requires url")
		}
	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", s.Transport)
	}
	return nil
}

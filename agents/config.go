package agents

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/voxstream/duplex/shared"
)

// Config describes one agent persona: the system prompt and inference
// parameters a session is opened with. Tool bindings are attached at runtime,
// not in the file.
type Config struct {
	Name         string  `yaml:"name"`
	SystemPrompt string  `yaml:"systemPrompt"`
	Voice        string  `yaml:"voice,omitempty"`
	MaxTokens    int     `yaml:"maxTokens"`
	TopP         float64 `yaml:"topP"`
	Temperature  float64 `yaml:"temperature"`
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("agent config: missing name")
	}
	if c.SystemPrompt == "" {
		return fmt.Errorf("agent %q: missing systemPrompt", c.Name)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("agent %q: maxTokens must be positive", c.Name)
	}
	if c.TopP <= 0 || c.TopP > 1 {
		return fmt.Errorf("agent %q: topP must be in (0,1]", c.Name)
	}
	if c.Temperature < 0 {
		return fmt.Errorf("agent %q: temperature must not be negative", c.Name)
	}
	return nil
}

type configFile struct {
	Agents []*Config `yaml:"agents"`
}

// LoadConfigs reads a YAML agent roster. Every entry is validated and names
// must be unique.
func LoadConfigs(path string) ([]*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent configs: %w", err)
	}
	return ParseConfigs(raw)
}

func ParseConfigs(raw []byte) ([]*Config, error) {
	var file configFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing agent configs: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, shared.ErrNoConfig
	}
	seen := map[string]struct{}{}
	for _, cfg := range file.Agents {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[cfg.Name]; dup {
			return nil, fmt.Errorf("agent %q defined twice", cfg.Name)
		}
		seen[cfg.Name] = struct{}{}
	}
	return file.Agents, nil
}

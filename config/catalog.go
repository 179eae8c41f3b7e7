package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/upb/llm-orchestrator/services/providers"
	"github.com/upb/llm-orchestrator/utils"
	"gopkg.in/yaml.v3"
)

// Catalog declares additional OpenAI-compatible providers, such as local
// runtimes, together with the models they serve
type Catalog struct {
	Providers []CatalogProvider `yaml:"providers" toml:"providers" validate:"dive"`
}

// CatalogProvider is one provider entry of a catalog file
type CatalogProvider struct {
	Name    string `yaml:"name" toml:"name" validate:"required"`
	BaseURL string `yaml:"base_url" toml:"base_url" validate:"required,url"`

	// APIKeyEnv names the environment variable holding the key; local
	// runtimes usually need none
	APIKeyEnv      string `yaml:"api_key_env" toml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds" validate:"gte=0"`

	Models []providers.ModelDescriptor `yaml:"models" toml:"models" validate:"min=1"`
}

// ProviderConfig builds the adapter configuration for this entry
func (p CatalogProvider) ProviderConfig() providers.ProviderConfig {
	cfg := providers.DefaultProviderConfig()
	cfg.BaseURL = p.BaseURL
	if p.APIKeyEnv != "" {
		cfg.APIKey = os.Getenv(p.APIKeyEnv)
	}
	if p.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	return cfg
}

// LoadCatalog reads a catalog file. The format follows the extension:
// .yaml/.yml or .toml.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog: %w", err)
	}
	return ParseCatalog(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// ParseCatalog decodes and validates catalog data in the given format
func ParseCatalog(data []byte, format string) (*Catalog, error) {
	var catalog Catalog

	switch strings.ToLower(format) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&catalog); err != nil {
			return nil, fmt.Errorf("failed to parse YAML catalog: %w", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &catalog)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML catalog: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown catalog keys: %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", format)
	}

	if err := catalog.validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

func (c *Catalog) validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid model catalog: %w", err)
	}

	names := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if names[p.Name] {
			return fmt.Errorf("invalid model catalog: duplicate provider %q", p.Name)
		}
		names[p.Name] = true

		for j := range p.Models {
			m := &p.Models[j]
			if m.ID == "" {
				return fmt.Errorf("invalid model catalog: provider %q has a model without id", p.Name)
			}
			if m.Provider != "" && m.Provider != p.Name {
				return fmt.Errorf("invalid model catalog: model %q declares provider %q inside %q", m.ID, m.Provider, p.Name)
			}
			m.Provider = p.Name
			if len(m.Capabilities) == 0 {
				m.Capabilities = []providers.Capability{providers.CapabilityText, providers.CapabilityStreaming}
			}
		}
	}
	return nil
}

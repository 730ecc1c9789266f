package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models stagegate.yml. A copy is persisted per project in the DB;
// the file is only an import source.
type Config struct {
	Project struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"project" json:"project"`
	Uploads struct {
		MaxFileBytes       int64    `yaml:"max_file_bytes" json:"max_file_bytes"`
		MaxFilesPerRequest int      `yaml:"max_files_per_request" json:"max_files_per_request"`
		AllowedTypes       []string `yaml:"allowed_types" json:"allowed_types"`
	} `yaml:"uploads" json:"uploads"`
	Review struct {
		// RequireAllApproved gates a COMPLETED decision on every checkpoint
		// of the pass coming out APPROVED. Off by default: the reviewer's
		// target status is authoritative.
		RequireAllApproved bool `yaml:"require_all_approved" json:"require_all_approved"`
	} `yaml:"review" json:"review"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Default returns the config used when a project has none imported yet.
// Upload caps mirror the inspection app's historical limits: 2 MiB per
// image, at most 5 per request.
func Default(projectID string) *Config {
	cfg := &Config{}
	cfg.Project.ID = projectID
	cfg.Uploads.MaxFileBytes = 2 << 20
	cfg.Uploads.MaxFilesPerRequest = 5
	cfg.Uploads.AllowedTypes = []string{"image/"}
	cfg.Review.RequireAllApproved = false
	return cfg
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sg project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Uploads.MaxFileBytes <= 0 {
		return fmt.Errorf("config.uploads.max_file_bytes must be positive")
	}
	if c.Uploads.MaxFilesPerRequest <= 0 {
		return fmt.Errorf("config.uploads.max_files_per_request must be positive")
	}
	for _, t := range c.Uploads.AllowedTypes {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("config.uploads.allowed_types contains empty entry")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// AllowsContentType reports whether an upload content type passes the
// allow list. Entries ending in "/" match as prefixes (e.g. "image/").
func (c *Config) AllowsContentType(ct string) bool {
	if len(c.Uploads.AllowedTypes) == 0 {
		return true
	}
	for _, allowed := range c.Uploads.AllowedTypes {
		if strings.HasSuffix(allowed, "/") {
			if strings.HasPrefix(ct, allowed) {
				return true
			}
		} else if ct == allowed {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagegate.yml")
}

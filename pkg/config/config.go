package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ssargent/reactivedb/pkg/datastore"
)

// Config is the process configuration: where the server listens, where
// its data lives, and the declarative table document that seeds its
// datastore on startup.
type Config struct {
	DataDir   string              `yaml:"data_dir"`
	Port      int                 `yaml:"port"`
	Bind      string              `yaml:"bind"`
	AdminPort int                 `yaml:"admin_port"`
	Logging   Logging             `yaml:"logging"`
	Tables    map[string]TableDef `yaml:"tables,omitempty"`
}

// Logging contains logging configuration
type Logging struct {
	Level string `yaml:"level"`
}

// TableDef is one entry of the declarative table document: a source
// table or a derived table built by one of the three transform kinds.
// Only the fields relevant to Type/Operation are populated; the rest
// are left zero.
type TableDef struct {
	Type string `yaml:"type"` // "source" or "derived"

	Operation   string   `yaml:"operation"`    // "union", "filter", "function"
	InputTables []string `yaml:"input-tables"` // union
	Expression  string   `yaml:"expression"`   // filter
	SourceTable string   `yaml:"source-table"` // filter, function
	Expressions []string `yaml:"expressions"`  // function
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir:   "./data",
		Port:      8080,
		Bind:      "127.0.0.1",
		AdminPort: 9090,
		Logging: Logging{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from the specified path
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	// Validate path to prevent directory traversal
	if !filepath.IsAbs(configPath) {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		configPath = absPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// SaveConfig saves the configuration to the specified path with secure permissions
func SaveConfig(config *Config, configPath string) error {
	// Ensure config directory exists
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write with secure permissions (0600)
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// BootstrapConfig writes a fresh default configuration to configPath,
// overwriting any file already there, with DataDir overridden when
// dataDir is non-empty; callers that must not overwrite check
// ConfigExists first. Unlike the teacher's BootstrapConfig, there is no key
// material to generate: spec.md's network protocol (§6) is
// unauthenticated line JSON, so a freshly bootstrapped reactivedb
// config carries no security section.
func BootstrapConfig(configPath string, dataDir string) (*Config, error) {
	config := DefaultConfig()
	if dataDir != "" {
		config.DataDir = dataDir
	}

	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save bootstrap config: %w", err)
	}

	return config, nil
}

// GetDefaultConfigPath returns the default configuration path for the current platform
func GetDefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./reactivedb.yaml"
	}

	configDir := filepath.Join(homeDir, ".config", "reactivedb")
	return filepath.Join(configDir, "config.yaml")
}

// ConfigExists checks if a configuration file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return !os.IsNotExist(err)
}

// BuildDatastore wires a fresh datastore under dir (B+ tree order) from
// the Tables document, registering source tables and resolving derived
// tables in dependency order. A derived table whose source-table(s)
// aren't registered yet is retried on the next pass; a document that
// never converges (an undefined reference, or a cycle among derived
// entries) fails the whole build rather than returning a partial
// datastore.
func BuildDatastore(cfg *Config, dir string, order int) (*datastore.Datastore, error) {
	ds := datastore.New(dir, order)

	pending := make(map[string]TableDef, len(cfg.Tables))
	for name, def := range cfg.Tables {
		if def.Type == "source" {
			if err := ds.AddSourceTable(name); err != nil {
				ds.Close()
				return nil, fmt.Errorf("config: adding source table %q: %w", name, err)
			}
			continue
		}
		pending[name] = def
	}

	for len(pending) > 0 {
		progressed := false
		for name, def := range pending {
			tr, err := buildTransform(name, def)
			if err != nil {
				ds.Close()
				return nil, fmt.Errorf("config: table %q: %w", name, err)
			}
			if err := ds.AddDerivedTable(name, tr); err != nil {
				if len(pending) == 1 {
					ds.Close()
					return nil, fmt.Errorf("config: adding derived table %q: %w", name, err)
				}
				continue
			}
			delete(pending, name)
			progressed = true
		}
		if !progressed {
			names := make([]string, 0, len(pending))
			for name := range pending {
				names = append(names, name)
			}
			ds.Close()
			return nil, fmt.Errorf("config: derived tables %v reference undefined or cyclic inputs", names)
		}
	}

	return ds, nil
}

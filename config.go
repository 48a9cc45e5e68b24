package fieldsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the top-level configuration.
type EngineConfig struct {
	Cache        CacheConfig        `yaml:"cache"`
	Queue        QueueConfig        `yaml:"queue"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync"`
	Prepare      PrepareConfig      `yaml:"prepare"`
	Store        SQLiteStoreConfig  `yaml:"store"`

	// EventBuffer is the per-subscriber status event channel buffer.
	EventBuffer int `yaml:"event_buffer"`

	// FetchTimeout bounds each network request made by the engine's own
	// fetcher when the caller does not supply one.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// DefaultEngineConfig returns a configuration with sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Cache:        DefaultCacheConfig(),
		Queue:        DefaultQueueConfig(),
		Connectivity: DefaultConnectivityConfig(),
		Sync:         DefaultSyncConfig(),
		Prepare:      DefaultPrepareConfig(),
		Store:        DefaultSQLiteStoreConfig("fieldsync.db"),
		EventBuffer:  32,
		FetchTimeout: 30 * time.Second,
	}
}

// LoadConfigFile reads a YAML configuration file, layering it over the
// defaults so omitted keys keep their default values.
func LoadConfigFile(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

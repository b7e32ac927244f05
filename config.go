package groundedsync

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration for one process.
// Topology is static: a non-empty ServerURL selects server mode, an
// empty one selects the local fallback bus with leader election. There
// is no mid-session fallback between the two.
type Config struct {
	// Workspace is the shared collaboration unit id. Required.
	Workspace string `yaml:"workspace"`

	// ServerURL is the websocket address of the sync server, or empty
	// for local-bus mode.
	ServerURL string `yaml:"server_url"`

	// DisplayName shown to other collaborators.
	DisplayName string `yaml:"display_name"`

	// CoordStorePath is the SQLite file for ephemeral coordination state
	// (leases, heartbeats, identity). Required in local-bus mode.
	CoordStorePath string `yaml:"coord_store_path"`

	// SnapshotPath is the SQLite file for the local snapshot store.
	// Ignored when S3 is configured.
	SnapshotPath string `yaml:"snapshot_path"`

	// S3, when set, selects the S3 snapshot store.
	S3 *S3StoreConfig `yaml:"s3,omitempty"`

	// Encryption of persisted snapshots.
	Encryption EncryptionConfig `yaml:"encryption"`

	Transport TransportConfig `yaml:"transport"`
	LocalBus  LocalBusConfig  `yaml:"local_bus"`
	Leader    LeaderConfig    `yaml:"leader"`
	Presence  PresenceConfig  `yaml:"presence"`
	History   HistoryConfig   `yaml:"history"`
	Persist   PersistConfig   `yaml:"persist"`
}

// DefaultConfig returns a local-bus configuration for a workspace.
func DefaultConfig(workspace string) Config {
	return Config{
		Workspace: workspace,
		Transport: DefaultTransportConfig(),
		LocalBus:  DefaultLocalBusConfig(),
		Leader:    DefaultLeaderConfig(),
		Presence:  DefaultPresenceConfig(),
		History:   DefaultHistoryConfig(),
		Persist:   DefaultPersistConfig(),
	}
}

// LoadConfig reads a YAML config file, filling unset sections with
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields for the selected topology.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("%w: workspace is required", ErrInvalidWorkspaceID)
	}
	if c.ServerURL == "" && c.CoordStorePath == "" {
		return errors.New("local-bus mode requires coord_store_path")
	}
	if c.S3 == nil && c.SnapshotPath == "" {
		return errors.New("either snapshot_path or s3 must be configured")
	}
	if c.Encryption.Enabled && c.Encryption.Passphrase == "" {
		return ErrNoPassphrase
	}
	return nil
}

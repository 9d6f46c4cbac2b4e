package ouroboros

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config configures a ledger instance. Only Paths[0] is used at the
// moment; future versions may use multiple paths for sharding or tiering.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string `yaml:"paths"`
	// MinimumFreeGB is a free-space threshold for on-disk operation.
	MinimumFreeGB int `yaml:"minimum_free_gb"`
	// GarbageCollectionInterval is how often unreachable pieces are
	// swept. Zero disables the background sweep; SweepNow still works.
	GarbageCollectionInterval time.Duration `yaml:"garbage_collection_interval"`
	// EncryptionKeyFile holds the 32-byte storage key. Created on first
	// use when missing. Empty selects a key file inside Paths[0].
	EncryptionKeyFile string `yaml:"encryption_key_file"`
	// InMemory replaces the on-disk store with a volatile one. Intended
	// for tests and ephemeral pages.
	InMemory bool `yaml:"in_memory"`
	// Logger is an optional structured logger. If nil, a stderr logger
	// at info level is used.
	Logger *logrus.Logger `yaml:"-"`
}

// LoadConfig reads a yaml config file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	var conf Config
	if err := yaml.Unmarshal(raw, &conf); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return conf, nil
}

func (c *Config) applyDefaults() error {
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.InMemory {
		return nil
	}
	if len(c.Paths) == 0 {
		return fmt.Errorf("config needs at least one data path")
	}
	if c.MinimumFreeGB == 0 {
		c.MinimumFreeGB = 1
	}
	if c.EncryptionKeyFile == "" {
		c.EncryptionKeyFile = filepath.Join(c.Paths[0], "storage.key")
	}
	return nil
}

func defaultLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	return log
}

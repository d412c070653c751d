//go:build linux

package keep

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMailboxCount = 64
	DefaultMailboxSize  = 4096

	// MaxMailboxCount is the number of indices a 16-bit trigger can name.
	MaxMailboxCount = 1 << 16
)

var ErrInvalidConfig = errors.New("keep: invalid config")

// Config describes the host side of a keep.
type Config struct {
	Version int `yaml:"version"`

	// MailboxCount is the number of sallyport blocks shared with the guest.
	MailboxCount int `yaml:"mailboxCount,omitempty"`
	// MailboxSize is the byte size of each block.
	MailboxSize int `yaml:"mailboxSize,omitempty"`

	// DebugListen is handed to the debug bridge when a guest opens a
	// debug session.
	DebugListen string `yaml:"debugListen,omitempty"`

	// Diagnostics enables syscall tracing and register dumps on
	// unimplemented exits.
	Diagnostics bool `yaml:"diagnostics,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.MailboxCount == 0 {
		c.MailboxCount = DefaultMailboxCount
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = DefaultMailboxSize
	}
}

// Validate reports the first field that cannot describe a working keep.
func (c Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidConfig, c.Version)
	}
	if c.MailboxCount < 1 || c.MailboxCount > MaxMailboxCount {
		return fmt.Errorf("%w: mailboxCount %d not in [1, %d]", ErrInvalidConfig, c.MailboxCount, MaxMailboxCount)
	}
	if c.MailboxSize <= 0 || c.MailboxSize%8 != 0 {
		return fmt.Errorf("%w: mailboxSize %d is not a positive multiple of 8", ErrInvalidConfig, c.MailboxSize)
	}
	return nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	var cfg Config
	cfg.normalize()
	return cfg
}

// ParseConfig decodes YAML, fills in defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse keep config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML with defaults filled in.
func WriteConfig(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

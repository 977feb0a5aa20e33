package snapshot

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// Enabled turns on snapshot persistence.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path is the bolt database file to persist to.
	Path string `json:"path" yaml:"path"`

	// Interval is the rate snapshots are written.
	Interval time.Duration `json:"interval" yaml:"interval"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Path == "" {
		return fmt.Errorf("missing path")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("missing interval")
	}
	return nil
}

func (c *Config) Default() {
	c.Interval = time.Minute
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.BoolVar(
		&c.Enabled,
		"snapshot.enabled",
		c.Enabled,
		`
Whether to persist the replica to disk.

A restarting node warm-starts from its last snapshot rather than pulling
the full state from peers. Stale snapshot entries are always overridden by
fresher state learned from peers.`,
	)
	fs.StringVar(
		&c.Path,
		"snapshot.path",
		c.Path,
		`
The path of the snapshot database file.`,
	)
	fs.DurationVar(
		&c.Interval,
		"snapshot.interval",
		c.Interval,
		`
The interval snapshots are written at. A final snapshot is always written
on shutdown.`,
	)
}

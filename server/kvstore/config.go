package kvstore

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// DefaultTTL is the lifetime given to locally originated entries.
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`
}

func (c *Config) Validate() error {
	if c.DefaultTTL == 0 {
		return fmt.Errorf("missing default ttl")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.DurationVar(
		&c.DefaultTTL,
		"kvstore.default-ttl",
		c.DefaultTTL,
		`
The lifetime of locally originated entries.

Entries are refreshed by their originator before the lifetime lapses, so only
entries whose originator has vanished ever expire.`,
	)
}

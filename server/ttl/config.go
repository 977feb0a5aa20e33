package ttl

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// Interval is the rate the TTL bookkeeping runs.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// RefreshThreshold is the remaining lifetime below which a locally
	// originated entry is refreshed.
	RefreshThreshold time.Duration `json:"refresh_threshold" yaml:"refresh_threshold"`

	// GracePeriod is how long an expired entry is retained before it is
	// purged, giving the expiry time to propagate.
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`
}

func (c *Config) Validate() error {
	if c.Interval == 0 {
		return fmt.Errorf("missing interval")
	}
	if c.RefreshThreshold == 0 {
		return fmt.Errorf("missing refresh threshold")
	}
	if c.GracePeriod == 0 {
		return fmt.Errorf("missing grace period")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.DurationVar(
		&c.Interval,
		"ttl.interval",
		c.Interval,
		`
The interval the TTL bookkeeping runs.`,
	)

	fs.DurationVar(
		&c.RefreshThreshold,
		"ttl.refresh-threshold",
		c.RefreshThreshold,
		`
The remaining lifetime below which locally originated entries are refreshed.

Must comfortably exceed the bookkeeping interval or local entries may lapse
between ticks.`,
	)

	fs.DurationVar(
		&c.GracePeriod,
		"ttl.grace-period",
		c.GracePeriod,
		`
How long an expired entry is retained before being purged from the replica.`,
	)
}

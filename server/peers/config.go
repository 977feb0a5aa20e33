package peers

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// Addrs contains the addresses of the peers to connect to.
	Addrs []string `json:"addrs" yaml:"addrs"`

	// BackoffMin is the initial delay before redialling a failed peer.
	BackoffMin time.Duration `json:"backoff_min" yaml:"backoff_min"`

	// BackoffMax caps the redial delay.
	BackoffMax time.Duration `json:"backoff_max" yaml:"backoff_max"`
}

func (c *Config) Validate() error {
	if c.BackoffMin <= 0 {
		return fmt.Errorf("missing backoff min")
	}
	if c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("backoff max below min")
	}
	return nil
}

func (c *Config) Default() {
	c.BackoffMin = time.Second
	c.BackoffMax = time.Minute
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(
		&c.Addrs,
		"peers.addrs",
		c.Addrs,
		`
A list of peer addresses to connect to.

Each peer is dialled and kept connected, redialling with exponential
backoff when the connection fails. Peers that connect to this node don't
need to be listed.`,
	)
	fs.DurationVar(
		&c.BackoffMin,
		"peers.backoff-min",
		c.BackoffMin,
		`
The initial delay before redialling a failed peer.`,
	)
	fs.DurationVar(
		&c.BackoffMax,
		"peers.backoff-max",
		c.BackoffMax,
		`
The maximum delay between redial attempts.`,
	)
}

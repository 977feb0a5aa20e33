package flood

import (
	"fmt"

	"github.com/spf13/pflag"
)

type Config struct {
	// RateMsgsPerSec limits the steady-state rate of flooded updates.
	RateMsgsPerSec float64 `json:"rate_msgs_per_sec" yaml:"rate_msgs_per_sec"`

	// RateBurstSize is the token bucket burst size.
	RateBurstSize int `json:"rate_burst_size" yaml:"rate_burst_size"`

	// MaxQueueSize caps the number of distinct keys queued while rate
	// limited. Zero means unbounded.
	MaxQueueSize int `json:"max_queue_size" yaml:"max_queue_size"`

	// EnableTreeReduction restricts flooding to spanning tree links when
	// the peer topology is known.
	EnableTreeReduction bool `json:"enable_tree_reduction" yaml:"enable_tree_reduction"`
}

func (c *Config) Validate() error {
	if c.RateMsgsPerSec <= 0 {
		return fmt.Errorf("missing rate limit")
	}
	if c.RateBurstSize <= 0 {
		return fmt.Errorf("missing rate burst size")
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("invalid max queue size")
	}
	return nil
}

func (c *Config) Default() {
	c.RateMsgsPerSec = 500
	c.RateBurstSize = 1000
	c.MaxQueueSize = 65536
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.Float64Var(
		&c.RateMsgsPerSec,
		"flood.rate",
		c.RateMsgsPerSec,
		`
The maximum sustained rate of flooded updates per second.

While the limit is exceeded updates queue, with updates to the same key
coalesced so only the latest is transmitted once the bucket refills.`,
	)
	fs.IntVar(
		&c.RateBurstSize,
		"flood.rate-burst",
		c.RateBurstSize,
		`
The maximum burst of flooded updates above the sustained rate.`,
	)
	fs.IntVar(
		&c.MaxQueueSize,
		"flood.max-queue-size",
		c.MaxQueueSize,
		`
The maximum number of distinct keys queued while rate limited. When the
queue is full the oldest pending update is dropped; the periodic digest
exchange repairs any divergence this causes.`,
	)
	fs.BoolVar(
		&c.EnableTreeReduction,
		"flood.enable-tree-reduction",
		c.EnableTreeReduction,
		`
Whether to restrict flooding to the links of a spanning tree computed over
the peer topology instead of flooding on every link. Falls back to full
flooding whenever the topology doesn't cover this node.`,
	)
}

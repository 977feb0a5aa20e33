package sync

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// BindAddr is the address to bind to listen for peer sync traffic.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address to advertise to peers.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`

	// DigestInterval is the rate each synced session probes the peer's
	// per-area digests for silent divergence.
	DigestInterval time.Duration `json:"digest_interval" yaml:"digest_interval"`

	// RetryBackoffMin and RetryBackoffMax bound the exponential backoff
	// before a desynced session attempts a full re-sync.
	RetryBackoffMin time.Duration `json:"retry_backoff_min" yaml:"retry_backoff_min"`
	RetryBackoffMax time.Duration `json:"retry_backoff_max" yaml:"retry_backoff_max"`

	// StreamTimeout is the timeout applied to each protocol stream.
	StreamTimeout time.Duration `json:"stream_timeout" yaml:"stream_timeout"`

	// TTLDecrement is subtracted from the transmitted TTL of every relayed
	// entry as a hop safety margin.
	TTLDecrement time.Duration `json:"ttl_decrement" yaml:"ttl_decrement"`
}

func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	if c.DigestInterval == 0 {
		return fmt.Errorf("missing digest interval")
	}
	if c.RetryBackoffMin == 0 || c.RetryBackoffMax == 0 {
		return fmt.Errorf("missing retry backoff bounds")
	}
	if c.RetryBackoffMax < c.RetryBackoffMin {
		return fmt.Errorf("retry backoff max below min")
	}
	if c.StreamTimeout == 0 {
		return fmt.Errorf("missing stream timeout")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"sync.bind-addr",
		c.BindAddr,
		`
The host/port to listen for peer sync connections.

If the host is unspecified it defaults to all listeners, such as
'--sync.bind-addr :7501' will listen on '0.0.0.0:7501'.`,
	)

	fs.StringVar(
		&c.AdvertiseAddr,
		"sync.advertise-addr",
		c.AdvertiseAddr,
		`
Sync listen address to advertise to peers. This is the address peers will
use to connect to the node.

Such as if the listen address is ':7501', the advertised address may be
'10.26.104.45:7501' or 'node1.fabric:7501'.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':7501') the nodes
private IP will be used.`,
	)

	fs.DurationVar(
		&c.DigestInterval,
		"sync.digest-interval",
		c.DigestInterval,
		`
The interval each synced session exchanges per-area digests with the peer to
detect silent divergence.`,
	)

	fs.DurationVar(
		&c.RetryBackoffMin,
		"sync.retry-backoff-min",
		c.RetryBackoffMin,
		`
The minimum backoff before a desynced session attempts a full re-sync.`,
	)

	fs.DurationVar(
		&c.RetryBackoffMax,
		"sync.retry-backoff-max",
		c.RetryBackoffMax,
		`
The maximum backoff before a desynced session attempts a full re-sync.`,
	)

	fs.DurationVar(
		&c.StreamTimeout,
		"sync.stream-timeout",
		c.StreamTimeout,
		`
The timeout applied to each peer protocol stream.`,
	)

	fs.DurationVar(
		&c.TTLDecrement,
		"sync.ttl-decrement",
		c.TTLDecrement,
		`
The hop safety margin subtracted from the transmitted TTL of every relayed
entry.`,
	)
}

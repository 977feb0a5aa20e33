package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/meridianrt/meridian/pkg/log"
	"github.com/meridianrt/meridian/server/flood"
	"github.com/meridianrt/meridian/server/kvstore"
	"github.com/meridianrt/meridian/server/peers"
	"github.com/meridianrt/meridian/server/snapshot"
	syncconf "github.com/meridianrt/meridian/server/sync"
	"github.com/meridianrt/meridian/server/ttl"
)

type NodeConfig struct {
	// ID is a unique identifier for this node.
	ID string `json:"id" yaml:"id"`

	// IDPrefix is a node ID prefix, where Meridian will generate the rest of
	// the node ID to ensure uniqueness.
	IDPrefix string `json:"id_prefix" yaml:"id_prefix"`

	// Areas contains the areas this node participates in.
	Areas []string `json:"areas" yaml:"areas"`
}

func (c *NodeConfig) Validate() error {
	if c.ID != "" && c.IDPrefix != "" {
		return fmt.Errorf("cannot specify both node ID and node ID prefix")
	}
	if len(c.Areas) == 0 {
		return fmt.Errorf("missing areas")
	}
	return nil
}

func (c *NodeConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.ID,
		"node.id",
		c.ID,
		`
A unique identifier for the node.

Generated if not given. The node ID also breaks merge ties between entries
published with the same version, so two nodes must never share an ID.`,
	)
	fs.StringVar(
		&c.IDPrefix,
		"node.id-prefix",
		c.IDPrefix,
		`
A prefix for the node ID.

Meridian will generate the rest of the node ID to ensure the ID is unique.`,
	)
	fs.StringSliceVar(
		&c.Areas,
		"node.areas",
		c.Areas,
		`
The areas the node participates in.

Each area is an independent replication domain. Sessions only exchange
state for areas both peers participate in.`,
	)
}

type AdminConfig struct {
	// BindAddr is the address to bind to listen for incoming HTTP
	// connections.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address to advertise to other nodes.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`
}

func (c *AdminConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	return nil
}

func (c *AdminConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"admin.bind-addr",
		c.BindAddr,
		`
The host/port to listen for incoming admin connections.

If the host is unspecified it defaults to all listeners, such as
'--admin.bind-addr :7102' will listen on '0.0.0.0:7102'.`,
	)
	fs.StringVar(
		&c.AdvertiseAddr,
		"admin.advertise-addr",
		c.AdvertiseAddr,
		`
Admin listen address to advertise to other nodes.

Such as if the listen address is ':7102', the advertised address may be
'10.26.104.45:7102' or 'node1.cluster:7102' which other nodes can reach.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':7102') the nodes
private IP will be used.`,
	)
}

type Config struct {
	Node NodeConfig `json:"node" yaml:"node"`

	KvStore kvstore.Config `json:"kvstore" yaml:"kvstore"`

	Sync syncconf.Config `json:"sync" yaml:"sync"`

	TTL ttl.Config `json:"ttl" yaml:"ttl"`

	Flood flood.Config `json:"flood" yaml:"flood"`

	Peers peers.Config `json:"peers" yaml:"peers"`

	Snapshot snapshot.Config `json:"snapshot" yaml:"snapshot"`

	Admin AdminConfig `json:"admin" yaml:"admin"`

	Log log.Config `json:"log" yaml:"log"`

	// GracePeriod is the duration to gracefully shutdown the server. During
	// the grace period, listeners are closed, peer sessions are torn down
	// and the final snapshot is written.
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`
}

func Default() *Config {
	conf := &Config{
		Node: NodeConfig{
			Areas: []string{"default"},
		},
		KvStore: kvstore.Config{
			DefaultTTL: time.Millisecond * 300000,
		},
		Sync: syncconf.Config{
			BindAddr:        ":7100",
			DigestInterval:  time.Second * 30,
			RetryBackoffMin: time.Second,
			RetryBackoffMax: time.Minute,
			StreamTimeout:   time.Second * 30,
			TTLDecrement:    time.Millisecond,
		},
		TTL: ttl.Config{
			Interval:         time.Second,
			RefreshThreshold: time.Second * 60,
			GracePeriod:      time.Second * 10,
		},
		Admin: AdminConfig{
			BindAddr: ":7102",
		},
		Log: log.Config{
			Level: "info",
		},
		GracePeriod: time.Minute,
	}
	conf.Flood.Default()
	conf.Peers.Default()
	conf.Snapshot.Default()
	return conf
}

func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := c.KvStore.Validate(); err != nil {
		return fmt.Errorf("kvstore: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.TTL.Validate(); err != nil {
		return fmt.Errorf("ttl: %w", err)
	}
	if err := c.Flood.Validate(); err != nil {
		return fmt.Errorf("flood: %w", err)
	}
	if err := c.Peers.Validate(); err != nil {
		return fmt.Errorf("peers: %w", err)
	}
	if err := c.Snapshot.Validate(); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if c.GracePeriod == 0 {
		return fmt.Errorf("missing grace period")
	}

	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	c.Node.RegisterFlags(fs)
	c.KvStore.RegisterFlags(fs)
	c.Sync.RegisterFlags(fs)
	c.TTL.RegisterFlags(fs)
	c.Flood.RegisterFlags(fs)
	c.Peers.RegisterFlags(fs)
	c.Snapshot.RegisterFlags(fs)
	c.Admin.RegisterFlags(fs)
	c.Log.RegisterFlags(fs)

	fs.DurationVar(
		&c.GracePeriod,
		"grace-period",
		c.GracePeriod,
		`
Maximum duration after a shutdown signal is received (SIGTERM or
SIGINT) to gracefully shutdown the server node before terminating.
This includes handling in-progress HTTP requests, closing peer sessions
and writing the final snapshot.`,
	)
}

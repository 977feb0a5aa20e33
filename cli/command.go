package cli

import (
	"github.com/spf13/cobra"

	"github.com/meridianrt/meridian/cli/server"
	"github.com/meridianrt/meridian/cli/status"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "meridian [command] (flags)",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Long: `Meridian is a distributed key-value store for routing control
plane state.

Each node holds a full replica of the store. Nodes publish their own entries
and learn the entries of every other node through flooding and periodic
anti-entropy, so the replicas are eventually consistent without any central
coordinator.

Start a node with:

  $ meridian server

Connect it to existing nodes with '--peers.addrs':

  $ meridian server --peers.addrs 10.26.104.14:7100,10.26.104.75:7100

You can then inspect the replica of a running node using:

  $ meridian status kvstore areas
`,
	}

	cmd.AddCommand(server.NewCommand())
	cmd.AddCommand(status.NewCommand())

	return cmd
}

func init() {
	cobra.EnableCommandSorting = false
}

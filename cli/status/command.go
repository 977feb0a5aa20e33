package status

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/meridianrt/meridian/status/client"
	"github.com/meridianrt/meridian/status/config"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "inspect server status",
		Long: `Inspect server status.

Each Meridian node exposes a status API to inspect the state of the node,
this can be used to answer questions such as:
* What entries does this node's replica hold?
* What peer sessions does the node have, and are they synced?

See 'status --help' for the available commands.

Examples:
  # Inspect the entries in the 'default' area.
  meridian status kvstore dump default
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.PersistentFlags())

	c := client.NewClient(nil)

	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("config: %s\n", err.Error())
			os.Exit(1)
		}

		url, _ := url.Parse(conf.Server.URL)
		c.SetURL(url)
	}

	cmd.AddCommand(newKvStoreCommand(c))
	cmd.AddCommand(newPeersCommand(c))

	return cmd
}

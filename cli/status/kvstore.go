package status

import (
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/meridianrt/meridian/server/kvstore"
	"github.com/meridianrt/meridian/status/client"
)

func newKvStoreCommand(c *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kvstore",
		Short: "inspect the node's replica",
	}

	cmd.AddCommand(newKvStoreAreasCommand(c))
	cmd.AddCommand(newKvStoreDumpCommand(c))
	cmd.AddCommand(newKvStoreKeyCommand(c))

	return cmd
}

func newKvStoreAreasCommand(c *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "areas",
		Short: "inspect the replicated areas",
		Long: `Inspect the replicated areas.

Queries the server for the areas with at least one entry.

Examples:
  meridian status kvstore areas
`,
	}

	cmd.Run = func(cmd *cobra.Command, args []string) {
		showAreas(c)
	}

	return cmd
}

type areasOutput struct {
	Areas []string `json:"areas"`
}

func showAreas(c *client.Client) {
	areas, err := c.Areas()
	if err != nil {
		fmt.Printf("failed to get areas: %s\n", err.Error())
		os.Exit(1)
	}

	output := areasOutput{
		Areas: areas,
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}

func newKvStoreDumpCommand(c *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump [area]",
		Args:  cobra.ExactArgs(1),
		Short: "inspect the entries in an area",
		Long: `Inspect the entries in an area.

Queries the server for the live entries in the given area, sorted by key.

Examples:
  # Dump every entry in the 'default' area.
  meridian status kvstore dump default

  # Dump the entries whose key starts with 'adj/'.
  meridian status kvstore dump default --prefix adj/
`,
	}

	var prefix string
	cmd.Flags().StringVar(
		&prefix,
		"prefix",
		"",
		`
Only show entries whose key has the given prefix.`,
	)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		showDump(args[0], prefix, c)
	}

	return cmd
}

type dumpOutput struct {
	Entries []kvstore.KeyValue `json:"entries"`
}

func showDump(areaID, prefix string, c *client.Client) {
	kvs, err := c.Area(areaID, prefix)
	if err != nil {
		fmt.Printf("failed to get area: %s: %s\n", areaID, err.Error())
		os.Exit(1)
	}

	output := dumpOutput{
		Entries: kvs,
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}

func newKvStoreKeyCommand(c *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key [area] [key]",
		Args:  cobra.ExactArgs(2),
		Short: "inspect an entry",
		Long: `Inspect an entry.

Queries the server for the entry with the given key, including its
versioning metadata and remaining lifetime.

Examples:
  meridian status kvstore key default adj/node-1
`,
	}

	cmd.Run = func(cmd *cobra.Command, args []string) {
		showKey(args[0], args[1], c)
	}

	return cmd
}

func showKey(areaID, key string, c *client.Client) {
	value, err := c.Key(areaID, key)
	if err != nil {
		fmt.Printf("failed to get key: %s: %s\n", key, err.Error())
		os.Exit(1)
	}

	b, _ := yaml.Marshal(value)
	fmt.Println(string(b))
}

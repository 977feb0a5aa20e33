package status

import (
	"fmt"
	"os"
	"sort"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/meridianrt/meridian/server/peers"
	"github.com/meridianrt/meridian/status/client"
)

func newPeersCommand(c *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "inspect peer sessions",
	}

	cmd.AddCommand(newPeersSessionsCommand(c))

	return cmd
}

func newPeersSessionsCommand(c *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "inspect the node's peer sessions",
		Long: `Inspect the node's peer sessions.

Queries the server for the live peer sessions, including each session's
sync state and shared areas.

Examples:
  meridian status peers sessions
`,
	}

	cmd.Run = func(cmd *cobra.Command, args []string) {
		showSessions(c)
	}

	return cmd
}

type sessionsOutput struct {
	Sessions []peers.SessionInfo `json:"sessions"`
}

func showSessions(c *client.Client) {
	sessions, err := c.Sessions()
	if err != nil {
		fmt.Printf("failed to get sessions: %s\n", err.Error())
		os.Exit(1)
	}

	// Sort by peer ID.
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].PeerID < sessions[j].PeerID
	})

	output := sessionsOutput{
		Sessions: sessions,
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}

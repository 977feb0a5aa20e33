package flood

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpanningTree(t *testing.T) {
	t.Run("triangle", func(t *testing.T) {
		// With lexicographic edge ordering, a-b and a-c form the tree and
		// b-c is redundant, so b and c only flood via a.
		edges := []Edge{
			{"node-a", "node-b"},
			{"node-a", "node-c"},
			{"node-b", "node-c"},
		}

		neighbors := spanningTreeNeighbors("node-a", edges)
		require.NotNil(t, neighbors)
		assert.Len(t, neighbors, 2)
		assert.Contains(t, neighbors, "node-b")
		assert.Contains(t, neighbors, "node-c")

		neighbors = spanningTreeNeighbors("node-b", edges)
		require.NotNil(t, neighbors)
		assert.Len(t, neighbors, 1)
		assert.Contains(t, neighbors, "node-a")

		neighbors = spanningTreeNeighbors("node-c", edges)
		require.NotNil(t, neighbors)
		assert.Len(t, neighbors, 1)
		assert.Contains(t, neighbors, "node-a")
	})

	t.Run("deterministic across edge order", func(t *testing.T) {
		ordered := []Edge{
			{"node-a", "node-b"},
			{"node-b", "node-c"},
			{"node-c", "node-d"},
			{"node-d", "node-a"},
		}
		shuffled := []Edge{
			{"node-d", "node-c"},
			{"node-a", "node-d"},
			{"node-c", "node-b"},
			{"node-b", "node-a"},
		}

		for _, node := range []string{"node-a", "node-b", "node-c", "node-d"} {
			assert.Equal(
				t,
				spanningTreeNeighbors(node, ordered),
				spanningTreeNeighbors(node, shuffled),
			)
		}
	})

	t.Run("uncovered node", func(t *testing.T) {
		edges := []Edge{
			{"node-b", "node-c"},
		}
		assert.Nil(t, spanningTreeNeighbors("node-a", edges))
	})

	t.Run("no edges", func(t *testing.T) {
		assert.Nil(t, spanningTreeNeighbors("node-a", nil))
	})
}

func TestTreePolicy(t *testing.T) {
	t.Run("restricts to tree links", func(t *testing.T) {
		policy := NewTreePolicy("node-a", NewFullPolicy())
		policy.UpdateTopology([]Edge{
			{"node-a", "node-b"},
			{"node-a", "node-c"},
			{"node-b", "node-c"},
		})

		b := newFakeSender("node-b", "default")
		c := newFakeSender("node-c", "default")
		targets := policy.Targets("default", "", []Sender{b, c})
		assert.Len(t, targets, 2)

		// b floods only to a in this tree, so from b's perspective c is
		// filtered out.
		policyB := NewTreePolicy("node-b", NewFullPolicy())
		policyB.UpdateTopology([]Edge{
			{"node-a", "node-b"},
			{"node-a", "node-c"},
			{"node-b", "node-c"},
		})
		a := newFakeSender("node-a", "default")
		targets = policyB.Targets("default", "", []Sender{a, c})
		require.Len(t, targets, 1)
		assert.Equal(t, "node-a", targets[0].PeerID())
	})

	t.Run("full flood without topology", func(t *testing.T) {
		policy := NewTreePolicy("node-a", NewFullPolicy())

		b := newFakeSender("node-b", "default")
		c := newFakeSender("node-c", "default")
		targets := policy.Targets("default", "", []Sender{b, c})
		assert.Len(t, targets, 2)
	})
}

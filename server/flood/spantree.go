package flood

import (
	"sort"
	"sync"
)

// Edge is an undirected link between two nodes in the peer topology.
type Edge struct {
	A string
	B string
}

// TreePolicy restricts flooding to the links of a spanning tree computed
// over the known peer topology, so each update crosses each tree link at
// most once instead of every mesh link.
//
// Every node computes the same tree from the same topology: edges are
// normalised and sorted lexicographically before a Kruskal pass, so the
// result is deterministic without any coordination.
//
// If the local node is not covered by the tree, or no topology has been
// installed yet, the policy falls back to full flooding so convergence
// never depends on topology freshness.
type TreePolicy struct {
	nodeID string

	fallback Policy

	// mu protects neighbors.
	mu sync.RWMutex
	// neighbors contains the local node's adjacent nodes in the current
	// spanning tree, or nil when no usable tree exists.
	neighbors map[string]struct{}
}

func NewTreePolicy(nodeID string, fallback Policy) *TreePolicy {
	return &TreePolicy{
		nodeID:   nodeID,
		fallback: fallback,
	}
}

// UpdateTopology recomputes the spanning tree from the given edge set.
func (p *TreePolicy) UpdateTopology(edges []Edge) {
	neighbors := spanningTreeNeighbors(p.nodeID, edges)

	p.mu.Lock()
	p.neighbors = neighbors
	p.mu.Unlock()
}

func (p *TreePolicy) Targets(areaID string, source string, senders []Sender) []Sender {
	p.mu.RLock()
	neighbors := p.neighbors
	p.mu.RUnlock()

	candidates := p.fallback.Targets(areaID, source, senders)
	if neighbors == nil {
		return candidates
	}

	var targets []Sender
	for _, sender := range candidates {
		if _, ok := neighbors[sender.PeerID()]; ok {
			targets = append(targets, sender)
		}
	}
	return targets
}

// spanningTreeNeighbors runs Kruskal over the normalised edge set and
// returns the local node's tree neighbors, or nil when the local node is
// not part of the tree.
func spanningTreeNeighbors(nodeID string, edges []Edge) map[string]struct{} {
	if len(edges) == 0 {
		return nil
	}

	normalised := make([]Edge, 0, len(edges))
	for _, edge := range edges {
		if edge.A == edge.B || edge.A == "" || edge.B == "" {
			continue
		}
		if edge.A > edge.B {
			edge.A, edge.B = edge.B, edge.A
		}
		normalised = append(normalised, edge)
	}
	sort.Slice(normalised, func(i, j int) bool {
		if normalised[i].A != normalised[j].A {
			return normalised[i].A < normalised[j].A
		}
		return normalised[i].B < normalised[j].B
	})

	uf := newUnionFind()
	neighbors := make(map[string]struct{})
	covered := false
	for _, edge := range normalised {
		if !uf.union(edge.A, edge.B) {
			continue
		}
		if edge.A == nodeID {
			neighbors[edge.B] = struct{}{}
			covered = true
		} else if edge.B == nodeID {
			neighbors[edge.A] = struct{}{}
			covered = true
		}
	}

	if !covered {
		return nil
	}
	return neighbors
}

type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[string]string),
	}
}

func (u *unionFind) find(x string) string {
	root, ok := u.parent[x]
	if !ok {
		u.parent[x] = x
		return x
	}
	if root == x {
		return x
	}
	root = u.find(root)
	u.parent[x] = root
	return root
}

// union joins the sets containing a and b and reports whether they were
// previously disjoint.
func (u *unionFind) union(a, b string) bool {
	rootA := u.find(a)
	rootB := u.find(b)
	if rootA == rootB {
		return false
	}
	u.parent[rootA] = rootB
	return true
}

package cow

import (
	"sort"

	"github.com/google/uuid"

	"github.com/andreittr/btrsync/model"
)

// Node is a subvolume linked into a Tree.
type Node struct {
	Vol

	parent   *Node
	children []*Node
	root     *Node
}

// Parent returns the snapshot parent, or nil if the node is a tree root.
func (n *Node) Parent() *Node { return n.parent }

// Children returns the snapshots taken from this node that are in-tree.
func (n *Node) Children() []*Node { return n.children }

// Ancestors returns the node followed by its snapshot ancestors, nearest
// first.
func (n *Node) Ancestors() []*Node {
	var out []*Node
	for cur := n; cur != nil; cur = cur.parent {
		out = append(out, cur)
	}
	return out
}

// Tree is a forest of subvolumes from a single root, indexed by UUID and
// linked by snapshot edges.
type Tree struct {
	byUUID map[uuid.UUID]*Node
	nodes  []*Node
	built  bool
}

func NewTree() *Tree {
	return &Tree{byUUID: make(map[uuid.UUID]*Node)}
}

// Insert adds a subvolume. Inserting two volumes with the same UUID is a
// consistency error.
func (t *Tree) Insert(v Vol) error {
	if v.UUID == uuid.Nil {
		return model.Consistencyf("subvolume %q has no uuid", v.Path)
	}
	if _, ok := t.byUUID[v.UUID]; ok {
		return model.Consistencyf("duplicate subvolume uuid %s", v.UUID)
	}
	n := &Node{Vol: v}
	t.byUUID[v.UUID] = n
	t.nodes = append(t.nodes, n)
	t.built = false
	return nil
}

// Build resolves snapshot edges. A parent_uuid that does not resolve within
// the tree (e.g. the parent was deleted) makes the node a root. A parent
// chain that loops is a consistency error.
func (t *Tree) Build() error {
	for _, n := range t.nodes {
		n.parent = nil
		n.children = nil
		n.root = nil
	}
	for _, n := range t.nodes {
		if n.ParentUUID == uuid.Nil {
			continue
		}
		if p, ok := t.byUUID[n.ParentUUID]; ok {
			n.parent = p
			p.children = append(p.children, n)
		}
	}
	for _, n := range t.nodes {
		if _, err := t.rootOf(n); err != nil {
			return err
		}
	}
	sort.Slice(t.nodes, func(i, j int) bool { return volLess(t.nodes[i].Vol, t.nodes[j].Vol) })
	t.built = true
	return nil
}

func (t *Tree) rootOf(n *Node) (*Node, error) {
	seen := make(map[*Node]bool)
	var chain []*Node
	cur := n
	for cur.root == nil && cur.parent != nil {
		if seen[cur] {
			return nil, model.Consistencyf("snapshot parent chain loops at %s", cur.UUID)
		}
		seen[cur] = true
		chain = append(chain, cur)
		cur = cur.parent
	}
	root := cur.root
	if root == nil {
		root = cur
		cur.root = cur
	}
	for _, c := range chain {
		c.root = root
	}
	return root, nil
}

// Lookup returns the node with the given UUID, or nil.
func (t *Tree) Lookup(u uuid.UUID) *Node { return t.byUUID[u] }

// Nodes returns all nodes sorted by (path, uuid).
func (t *Tree) Nodes() []*Node { return t.nodes }

// RootsOf returns the set of ultimate snapshot ancestors of n. With unique
// parents the set has exactly one element; it is never empty.
func (t *Tree) RootsOf(n *Node) []*Node {
	if n.root == nil {
		// not built yet, or foreign node
		return []*Node{n}
	}
	return []*Node{n.root}
}

// SameRoot reports whether a and b belong to the same snapshot tree.
func (t *Tree) SameRoot(a, b *Node) bool {
	return a.root != nil && a.root == b.root
}

// ReceivedIndex maps each nonzero received_uuid to the local subvolumes
// declaring it, i.e. the local copies of that sender.
func (t *Tree) ReceivedIndex() map[uuid.UUID][]*Node {
	idx := make(map[uuid.UUID][]*Node)
	for _, n := range t.nodes {
		if n.ReceivedUUID != uuid.Nil {
			idx[n.ReceivedUUID] = append(idx[n.ReceivedUUID], n)
		}
	}
	return idx
}

// Eligible returns the read-only subvolumes, the only ones btrfs will send.
func (t *Tree) Eligible() []*Node {
	var out []*Node
	for _, n := range t.nodes {
		if n.ReadOnly {
			out = append(out, n)
		}
	}
	return out
}

// Distance returns the number of snapshot edges from n up to ancestor, or
// -1 if ancestor is not an ancestor of n.
func Distance(n, ancestor *Node) int {
	d := 0
	for cur := n; cur != nil; cur = cur.parent {
		if cur == ancestor {
			return d
		}
		d++
	}
	return -1
}

func volLess(a, b Vol) bool {
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	return a.UUID.String() < b.UUID.String()
}

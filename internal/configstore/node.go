package configstore

import "strings"

// Path addresses a node in the tree as a sequence of segment names, root
// first. The zero Path (nil/empty slice) addresses the root container.
type Path []string

// ParsePath splits a "/"-joined path string into a Path, ignoring a
// leading slash if present.
func ParsePath(s string) Path {
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return nil
	}
	return Path(strings.Split(s, "/"))
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Child returns a new Path with name appended.
func (p Path) Child(name string) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = name
	return out
}

func (p Path) equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// MutationKind identifies the kind of change delivered to a subscriber.
type MutationKind int

const (
	Changed MutationKind = iota
	ChildAdded
	ChildRemoved
	Removed
)

func (m MutationKind) String() string {
	switch m {
	case Changed:
		return "CHANGED"
	case ChildAdded:
		return "CHILD_ADDED"
	case ChildRemoved:
		return "CHILD_REMOVED"
	case Removed:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// nodeKind distinguishes interior containers from scalar leaves.
type nodeKind int

const (
	containerNode nodeKind = iota
	leafNode
)

// node is the internal tree representation. Containers keep an ordered
// slice of child names alongside the map so iteration order matches
// insertion order.
type node struct {
	kind nodeKind
	name string

	// container fields
	childNames []string
	children   map[string]*node

	// leaf fields
	value       Value
	timestamp   int64
	runtimeOnly bool
}

func newContainer(name string) *node {
	return &node{kind: containerNode, name: name, children: make(map[string]*node)}
}

func newLeaf(name string, v Value, ts int64) *node {
	return &node{kind: leafNode, name: name, value: v, timestamp: ts}
}

func (n *node) isContainer() bool { return n.kind == containerNode }

func (n *node) addChild(c *node) {
	if _, exists := n.children[c.name]; !exists {
		n.childNames = append(n.childNames, c.name)
	}
	n.children[c.name] = c
}

func (n *node) removeChild(name string) {
	if _, exists := n.children[name]; !exists {
		return
	}
	delete(n.children, name)
	for i, cn := range n.childNames {
		if cn == name {
			n.childNames = append(n.childNames[:i], n.childNames[i+1:]...)
			break
		}
	}
}

// orderedChildren returns children in insertion order.
func (n *node) orderedChildren() []*node {
	out := make([]*node, 0, len(n.childNames))
	for _, name := range n.childNames {
		out = append(out, n.children[name])
	}
	return out
}

// clone deep-copies a node subtree; used by Snapshot and the restore
// paths.
func (n *node) clone() *node {
	cp := &node{
		kind:        n.kind,
		name:        n.name,
		value:       n.value,
		timestamp:   n.timestamp,
		runtimeOnly: n.runtimeOnly,
	}
	if n.isContainer() {
		cp.children = make(map[string]*node, len(n.children))
		cp.childNames = append([]string(nil), n.childNames...)
		for name, child := range n.children {
			cp.children[name] = child.clone()
		}
	}
	return cp
}

// Node is the read-only view handed back to callers of Lookup. It exposes
// just enough to answer queries without letting callers reach back into
// the live tree.
type Node struct {
	Path        Path
	IsContainer bool
	Value       Value
	Timestamp   int64
	RuntimeOnly bool
	ChildNames  []string
}

func nodeView(path Path, n *node) Node {
	v := Node{Path: path, IsContainer: n.isContainer(), Timestamp: n.timestamp, RuntimeOnly: n.runtimeOnly}
	if n.isContainer() {
		v.ChildNames = append([]string(nil), n.childNames...)
	} else {
		v.Value = n.value
	}
	return v
}

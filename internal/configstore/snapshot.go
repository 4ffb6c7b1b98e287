package configstore

// Snapshot is an opaque, point-in-time copy of a Store's tree. It does not
// capture subscribers — restoring a snapshot never changes who is
// listening, only what they are told about.
type Snapshot struct {
	root *node
}

// Snapshot deep-copies the current tree. Safe to call concurrently with
// reads and writes; the copy is consistent as of the instant the lock is
// held.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{root: s.root.clone()}
}

// Restore atomically replaces the tree with snap's contents, diffing the
// old and new trees so subscribers receive CHANGED/CHILD_ADDED/
// CHILD_REMOVED/REMOVED notifications only for nodes whose value or
// existence actually differs.
func (s *Store) Restore(snap Snapshot) error {
	return s.submit(func() ([]Notification, error) {
		notes := diffTrees(nil, s.root, snap.root)
		s.root = snap.root.clone()
		return notes, nil
	})
}

// RestorePreservingRuntimeOnly restores snap but keeps any runtime-only
// leaves present in the current tree that snap does not itself carry,
// re-splicing them onto the restored tree at their original paths. This is
// what the deployment rollback path uses: desired configuration reverts to
// the last-known-good snapshot, but derived runtime state (reported
// status, discovered endpoints, generated secrets) survives the rollback.
func (s *Store) RestorePreservingRuntimeOnly(snap Snapshot) error {
	return s.submit(func() ([]Notification, error) {
		preserved := collectRuntimeOnly(nil, s.root, snap.root)
		newRoot := snap.root.clone()
		for _, p := range preserved {
			graftLeaf(newRoot, p.path, p.leaf)
		}
		notes := diffTrees(nil, s.root, newRoot)
		s.root = newRoot
		return notes, nil
	})
}

type preservedLeaf struct {
	path Path
	leaf *node
}

// collectRuntimeOnly walks the live tree and returns every runtime-only
// leaf that restoring would otherwise drop: present in old and absent
// from newRoot. A path that newRoot also carries keeps newRoot's node.
func collectRuntimeOnly(path Path, old, newTree *node) []preservedLeaf {
	if old == nil || !old.isContainer() {
		return nil
	}
	var out []preservedLeaf
	for _, name := range old.childNames {
		child := old.children[name]
		childPath := path.Child(name)
		var newChild *node
		if newTree != nil && newTree.isContainer() {
			newChild = newTree.children[name]
		}
		if child.isContainer() {
			out = append(out, collectRuntimeOnly(childPath, child, newChild)...)
			continue
		}
		if !child.runtimeOnly {
			continue
		}
		if newChild == nil {
			out = append(out, preservedLeaf{path: childPath, leaf: child.clone()})
		}
	}
	return out
}

// graftLeaf creates any missing intermediate containers under root and
// attaches leaf at path.
func graftLeaf(root *node, path Path, leaf *node) {
	cur := root
	for i := 0; i < len(path)-1; i++ {
		seg := path[i]
		child, ok := cur.children[seg]
		if !ok || !child.isContainer() {
			child = newContainer(seg)
			cur.addChild(child)
		}
		cur = child
	}
	cur.addChild(leaf)
}

// diffTrees compares old and newTree (either may be nil, meaning absent)
// and returns the notifications a direct replacement of old by newTree
// would produce.
func diffTrees(path Path, old, newTree *node) []Notification {
	switch {
	case old == nil && newTree == nil:
		return nil
	case old == nil:
		return addedNotes(path, newTree)
	case newTree == nil:
		return removedNotes(path, old)
	}

	if old.isContainer() != newTree.isContainer() {
		notes := removedNotes(path, old)
		notes = append(notes, addedNotes(path, newTree)...)
		return notes
	}

	if !old.isContainer() {
		if old.value.Equal(newTree.value) && old.runtimeOnly == newTree.runtimeOnly {
			return nil
		}
		oldVal := old.value
		return []Notification{{Path: path, Kind: Changed, Node: nodeView(path, newTree), OldValue: &oldVal}}
	}

	var notes []Notification
	seen := make(map[string]bool, len(newTree.children))
	for _, name := range newTree.childNames {
		seen[name] = true
		notes = append(notes, diffTrees(path.Child(name), old.children[name], newTree.children[name])...)
	}
	for _, name := range old.childNames {
		if seen[name] {
			continue
		}
		notes = append(notes, diffTrees(path.Child(name), old.children[name], nil)...)
	}
	return notes
}

func addedNotes(path Path, n *node) []Notification {
	notes := []Notification{{Path: path, Kind: ChildAdded, Node: nodeView(path, n)}}
	if n.isContainer() {
		for _, name := range n.childNames {
			notes = append(notes, addedNotes(path.Child(name), n.children[name])...)
		}
	}
	return notes
}

func removedNotes(path Path, n *node) []Notification {
	view := nodeView(path, n)
	notes := []Notification{{Path: path, Kind: Removed, Node: view}}
	if len(path) > 0 {
		notes = append(notes, Notification{Path: path[:len(path)-1], Kind: ChildRemoved, Node: view})
	}
	return notes
}

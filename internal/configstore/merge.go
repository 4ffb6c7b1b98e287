package configstore

import "fmt"

// Document is the loosely-typed tree fed to Merge — the shape a deployment's
// "configuration" JSON object or a recipe's ComponentConfiguration decodes
// into. Supported value shapes: nil, bool, string, int/int64/float64,
// []string, []interface{} of strings, and nested map[string]interface{}.
type Document map[string]interface{}

// Merge walks document and writes each leaf into the tree rooted at path,
// creating and deleting children as needed, all stamped with the same
// merge-epoch timestamp so subscribers can detect a partial merge in
// flight. Existing children not present in document are removed, except
// leaves marked runtime-only, which are preserved regardless of whether
// the new document mentions them.
func (s *Store) Merge(path Path, document Document, timestamp int64) error {
	return s.submit(func() ([]Notification, error) {
		s.mergeEpoch = timestamp
		container, notes, err := s.ensureContainerPath(path)
		if err != nil {
			return nil, err
		}
		more, err := s.mergeInto(path, container, document, timestamp)
		return append(notes, more...), err
	})
}

// mergeInto must be called with s.mu held.
func (s *Store) mergeInto(path Path, container *node, doc Document, timestamp int64) ([]Notification, error) {
	var notes []Notification

	// Remove existing children absent from doc, unless they are
	// runtime-only leaves (or containers that contain runtime-only
	// descendants, in which case we only prune what doc doesn't cover but
	// keep the container itself for those descendants).
	for _, name := range append([]string(nil), container.childNames...) {
		if _, present := doc[name]; present {
			continue
		}
		child := container.children[name]
		if child.isContainer() {
			if !containsRuntimeOnly(child) {
				container.removeChild(name)
				view := nodeView(path.Child(name), child)
				notes = append(notes,
					Notification{Path: path.Child(name), Kind: Removed, Node: view},
					Notification{Path: path, Kind: ChildRemoved, Node: view},
				)
			} else {
				more, err := s.mergeInto(path.Child(name), child, Document{}, timestamp)
				if err != nil {
					return nil, err
				}
				notes = append(notes, more...)
			}
			continue
		}
		if child.runtimeOnly {
			continue
		}
		container.removeChild(name)
		view := nodeView(path.Child(name), child)
		notes = append(notes,
			Notification{Path: path.Child(name), Kind: Removed, Node: view},
			Notification{Path: path, Kind: ChildRemoved, Node: view},
		)
	}

	for _, name := range orderedKeys(doc) {
		childPath := path.Child(name)
		switch v := doc[name].(type) {
		case map[string]interface{}:
			childContainer, ok := container.children[name]
			if !ok {
				childContainer = newContainer(name)
				container.addChild(childContainer)
				notes = append(notes, Notification{Path: childPath, Kind: ChildAdded, Node: nodeView(childPath, childContainer)})
			} else if !childContainer.isContainer() {
				return nil, fmt.Errorf("configstore: merge type mismatch at %s: existing leaf, document has container", childPath)
			}
			more, err := s.mergeInto(childPath, childContainer, Document(v), timestamp)
			if err != nil {
				return nil, err
			}
			notes = append(notes, more...)
		default:
			val, err := toValue(v)
			if err != nil {
				return nil, fmt.Errorf("configstore: merge value at %s: %w", childPath, err)
			}
			if existing, ok := container.children[name]; ok && existing.isContainer() {
				return nil, fmt.Errorf("configstore: merge type mismatch at %s: existing container, document has scalar", childPath)
			}
			more, err := s.writeLeafLocked(childPath, val, timestamp, false)
			if err != nil {
				return nil, err
			}
			notes = append(notes, more...)
		}
	}
	return notes, nil
}

func containsRuntimeOnly(n *node) bool {
	if !n.isContainer() {
		return n.runtimeOnly
	}
	for _, c := range n.children {
		if containsRuntimeOnly(c) {
			return true
		}
	}
	return false
}

// orderedKeys returns doc's keys in a stable order so merges are
// deterministic across runs with the same document (useful for tests and
// for the "apply the same deployment twice" idempotence property).
func orderedKeys(doc Document) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	// simple insertion sort is plenty for the small maps a recipe or
	// deployment configuration ever has
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func toValue(v interface{}) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float64:
		return Float(x), nil
	case []string:
		return StringList(x), nil
	case []interface{}:
		ss := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return Value{}, fmt.Errorf("list element %v is not a string", e)
			}
			ss = append(ss, s)
		}
		return StringList(ss), nil
	default:
		return Value{}, fmt.Errorf("unsupported document value type %T", v)
	}
}

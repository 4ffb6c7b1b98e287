package configstore

import (
	"fmt"
	"sync"

	"fleetkeeper/pkg/logging"
)

// Notification is delivered to subscribers on the dedicated notification
// goroutine, never inline with the mutation that caused it.
type Notification struct {
	Path     Path
	Kind     MutationKind
	Node     Node
	OldValue *Value
}

// SubscribeFunc receives tree mutations. It must not call back into the
// Store synchronously (no re-entrant mutation); notifications run on
// their own goroutine rather than inline so a subscriber can never
// re-enter the tree mid-write.
type SubscribeFunc func(Notification)

type subscriber struct {
	id   uint64
	path Path
	cb   SubscribeFunc
}

type writeRequest struct {
	fn   func() ([]Notification, error)
	resp chan error
}

// Store is the hierarchical configuration document.
type Store struct {
	log *logging.Logger

	mu   sync.RWMutex
	root *node

	writeCh  chan writeRequest
	notifyCh chan Notification
	stopCh   chan struct{}
	wg       sync.WaitGroup

	subMu     sync.RWMutex
	subs      []subscriber
	nextSubID uint64

	mergeEpoch int64 // last merge-epoch timestamp used, for diagnostics
}

// New creates an empty Store and starts its writer and notification
// goroutines. Call Close when the store is no longer needed.
func New(log *logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	s := &Store{
		log:      log.With("configstore"),
		root:     newContainer(""),
		writeCh:  make(chan writeRequest, 64),
		notifyCh: make(chan Notification, 256),
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(2)
	go s.runWriter()
	go s.runNotifier()
	return s
}

// Close stops the writer and notification goroutines.
func (s *Store) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Store) runWriter() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case req := <-s.writeCh:
			s.mu.Lock()
			notes, err := req.fn()
			s.mu.Unlock()
			req.resp <- err
			for _, n := range notes {
				select {
				case s.notifyCh <- n:
				case <-s.stopCh:
					return
				}
			}
		}
	}
}

func (s *Store) runNotifier() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case n := <-s.notifyCh:
			s.dispatch(n)
		}
	}
}

func (s *Store) dispatch(n Notification) {
	s.subMu.RLock()
	targets := make([]subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if isPrefixOf(sub.path, n.Path) {
			targets = append(targets, sub)
		}
	}
	s.subMu.RUnlock()

	for _, sub := range targets {
		s.invokeSafely(sub, n)
	}
}

func (s *Store) invokeSafely(sub subscriber, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(fmt.Errorf("%v", r), "subscriber panicked handling %s at %s", n.Kind, n.Path)
		}
	}()
	sub.cb(n)
}

func isPrefixOf(prefix, path Path) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i, seg := range prefix {
		if path[i] != seg {
			return false
		}
	}
	return true
}

// submit enqueues a mutation to the writer goroutine and blocks for its
// result.
func (s *Store) submit(fn func() ([]Notification, error)) error {
	req := writeRequest{fn: fn, resp: make(chan error, 1)}
	select {
	case s.writeCh <- req:
	case <-s.stopCh:
		return fmt.Errorf("configstore: closed")
	}
	select {
	case err := <-req.resp:
		return err
	case <-s.stopCh:
		return fmt.Errorf("configstore: closed")
	}
}

// Subscribe registers cb to receive notifications for path and everything
// beneath it. The returned func unsubscribes.
func (s *Store) Subscribe(path Path, cb SubscribeFunc) func() {
	s.subMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs = append(s.subs, subscriber{id: id, path: path, cb: cb})
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Lookup returns a read-only view of the node at path.
func (s *Store) Lookup(path Path) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.find(path)
	if n == nil {
		return Node{}, false
	}
	return nodeView(path, n), true
}

func (s *Store) find(path Path) *node {
	cur := s.root
	for _, seg := range path {
		if !cur.isContainer() {
			return nil
		}
		child, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = child
	}
	return cur
}

// ensureContainerPath walks/creates containers along path, returning the
// container at path and any CHILD_ADDED notifications generated along the
// way. Must be called with s.mu held (writer goroutine only).
func (s *Store) ensureContainerPath(path Path) (*node, []Notification, error) {
	var notes []Notification
	cur := s.root
	for i, seg := range path {
		if !cur.isContainer() {
			return nil, nil, fmt.Errorf("configstore: %s is a leaf, cannot descend into it", Path(path[:i]))
		}
		child, ok := cur.children[seg]
		if !ok {
			child = newContainer(seg)
			cur.addChild(child)
			notes = append(notes, Notification{Path: path[:i+1], Kind: ChildAdded, Node: nodeView(path[:i+1], child)})
		} else if !child.isContainer() {
			return nil, nil, fmt.Errorf("configstore: %s is a leaf, cannot descend into it", Path(path[:i+1]))
		}
		cur = child
	}
	return cur, notes, nil
}

// CreateContainer ensures a container node exists at path, creating
// intermediate containers as needed.
func (s *Store) CreateContainer(path Path) error {
	return s.submit(func() ([]Notification, error) {
		_, notes, err := s.ensureContainerPath(path)
		return notes, err
	})
}

// CreateLeaf creates a new leaf at path with an initial value and
// timestamp 0 if it does not already exist. It is a no-op if a leaf
// already exists there.
func (s *Store) CreateLeaf(path Path, initial Value) error {
	if len(path) == 0 {
		return fmt.Errorf("configstore: cannot create leaf at root")
	}
	return s.submit(func() ([]Notification, error) {
		parent, notes, err := s.ensureContainerPath(path[:len(path)-1])
		if err != nil {
			return nil, err
		}
		name := path[len(path)-1]
		if _, exists := parent.children[name]; exists {
			return notes, nil
		}
		leaf := newLeaf(name, initial, 0)
		parent.addChild(leaf)
		notes = append(notes, Notification{Path: path, Kind: ChildAdded, Node: nodeView(path, leaf)})
		return notes, nil
	})
}

// WriteLeaf writes value at path with the given timestamp, creating
// intermediate containers and the leaf itself if necessary. Writes with a
// timestamp less than or equal to the leaf's current timestamp are
// silently dropped (ferrors.KindConfigWriteRejected) — this is the
// store's core idempotence guarantee: replaying an older write can never
// clobber a newer one.
func (s *Store) WriteLeaf(path Path, value Value, timestamp int64) error {
	if len(path) == 0 {
		return fmt.Errorf("configstore: cannot write to root")
	}
	return s.submit(func() ([]Notification, error) {
		return s.writeLeafLocked(path, value, timestamp, false)
	})
}

// writeLeafLocked must be called with s.mu held.
func (s *Store) writeLeafLocked(path Path, value Value, timestamp int64, runtimeOnly bool) ([]Notification, error) {
	parent, notes, err := s.ensureContainerPath(path[:len(path)-1])
	if err != nil {
		return nil, err
	}
	name := path[len(path)-1]
	existing, ok := parent.children[name]
	if ok {
		if !existing.isContainer() {
			if timestamp <= existing.timestamp {
				s.log.Debug("dropping stale write to %s (ts=%d <= existing=%d)", path, timestamp, existing.timestamp)
				return notes, nil
			}
			old := existing.value
			existing.value = value
			existing.timestamp = timestamp
			if runtimeOnly {
				existing.runtimeOnly = true
			}
			if !old.Equal(value) {
				notes = append(notes, Notification{Path: path, Kind: Changed, Node: nodeView(path, existing), OldValue: &old})
			}
			return notes, nil
		}
		return nil, fmt.Errorf("configstore: %s is a container, cannot write a leaf over it", path)
	}
	leaf := newLeaf(name, value, timestamp)
	leaf.runtimeOnly = runtimeOnly
	parent.addChild(leaf)
	notes = append(notes, Notification{Path: path, Kind: ChildAdded, Node: nodeView(path, leaf)})
	return notes, nil
}

// WriteRuntimeLeaf is like WriteLeaf but marks the leaf as runtime-only,
// meaning it survives a rollback restore even if absent from the
// snapshot being restored.
func (s *Store) WriteRuntimeLeaf(path Path, value Value, timestamp int64) error {
	if len(path) == 0 {
		return fmt.Errorf("configstore: cannot write to root")
	}
	return s.submit(func() ([]Notification, error) {
		return s.writeLeafLocked(path, value, timestamp, true)
	})
}

// Remove deletes the node at path (and its subtree, if a container).
func (s *Store) Remove(path Path) error {
	if len(path) == 0 {
		return fmt.Errorf("configstore: cannot remove root")
	}
	return s.submit(func() ([]Notification, error) {
		parent := s.find(path[:len(path)-1])
		if parent == nil || !parent.isContainer() {
			return nil, nil
		}
		name := path[len(path)-1]
		target, ok := parent.children[name]
		if !ok {
			return nil, nil
		}
		parent.removeChild(name)
		removedView := nodeView(path, target)
		return []Notification{
			{Path: path, Kind: Removed, Node: removedView},
			{Path: path[:len(path)-1], Kind: ChildRemoved, Node: removedView},
		}, nil
	})
}

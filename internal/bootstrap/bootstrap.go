// Package bootstrap implements the two-phase apply for components whose
// recipes declare a bootstrap phase: a persisted continuation record
// survives a device restart so the DeploymentController can resume
// exactly where it left off.
package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"fleetkeeper/pkg/logging"
)

// Continuation is the on-disk record written before a bootstrap restart
// and consumed on the next startup. It carries the full deployment
// document so the controller can resume without depending on the cloud
// channel being reachable after the restart.
type Continuation struct {
	DeploymentID string          `json:"deploymentId"`
	InputHash    string          `json:"inputHash"`
	State        string          `json:"state"`
	Document     json.RawMessage `json:"document,omitempty"`
}

// Store persists the continuation record at <root>/deployments/ongoing.json
// using write-to-temp-then-rename for atomicity.
type Store struct {
	log  *logging.Logger
	path string
}

// New returns a Store rooted at root ("<root>/deployments/ongoing.json").
func New(log *logging.Logger, root string) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{log: log.With("bootstrap"), path: filepath.Join(root, "deployments", "ongoing.json")}
}

// HashInput computes the deterministic hash a Continuation is matched
// against on resume, so a continuation left by a stale or unrelated
// deployment is never mistakenly resumed.
func HashInput(document []byte) string {
	sum := sha256.Sum256(document)
	return hex.EncodeToString(sum[:])
}

// Write persists c, creating the deployments directory if needed.
func (s *Store) Write(c Continuation) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("bootstrap: mkdir: %w", err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("bootstrap: marshal continuation: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("bootstrap: write temp continuation: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("bootstrap: commit continuation: %w", err)
	}
	return nil
}

// Read loads the continuation record, if any. A missing file is not an
// error; it simply means there is nothing to resume.
func (s *Store) Read() (*Continuation, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("bootstrap: read continuation: %w", err)
	}
	var c Continuation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, false, fmt.Errorf("bootstrap: decode continuation: %w", err)
	}
	return &c, true, nil
}

// Clear removes the continuation record once the resumed deployment has
// reached a terminal state.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bootstrap: clear continuation: %w", err)
	}
	return nil
}

// Resume checks for a pending continuation matching inputHash. Returns
// (continuation, true) if one exists and its InputHash matches, meaning
// the DeploymentController should resume at the recorded State instead of
// accepting new deployments.
func (s *Store) Resume(inputHash string) (*Continuation, bool, error) {
	c, ok, err := s.Read()
	if err != nil || !ok {
		return nil, false, err
	}
	if c.InputHash != inputHash {
		s.log.Warn("continuation record input hash mismatch, ignoring (want=%s got=%s)", inputHash, c.InputHash)
		return nil, false, nil
	}
	return c, true, nil
}

// Watcher observes the deployments directory for externally-triggered
// continuation writes — e.g. a platform restart hook touching
// ongoing.json outside of this process, such as an install-time helper
// invoked by the platform's own init system. Most continuations are
// written by this same process just before requesting a restart; the
// watcher exists for the cross-process case.
type Watcher struct {
	log     *logging.Logger
	watcher *fsnotify.Watcher
	path    string
}

// NewWatcher starts watching the directory containing the continuation
// file (fsnotify watches directories, not individual files that may not
// exist yet).
func NewWatcher(log *logging.Logger, root string) (*Watcher, error) {
	if log == nil {
		log = logging.Nop()
	}
	dir := filepath.Join(root, "deployments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bootstrap: mkdir %s: %w", dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: new watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("bootstrap: watch %s: %w", dir, err)
	}
	return &Watcher{log: log.With("bootstrap.watcher"), watcher: fw, path: filepath.Join(dir, "ongoing.json")}, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }

// Events delivers a signal whenever ongoing.json is created or written by
// another process. Callers typically re-read the Store after receiving
// one.
func (w *Watcher) Events() <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Name != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("fsnotify error watching continuation file: %v", err)
			}
		}
	}()
	return out
}

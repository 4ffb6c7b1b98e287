// Package artifact implements a content-addressed artifact cache: fetch,
// verify, and evict immutable files keyed by (component name, version),
// with atomic, digest-verified writes. Concurrent fetches of the same
// artifact (identifier and digest) share one download; Prepare calls for
// the same identifier are not serialized against each other.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"fleetkeeper/internal/clock"
	"fleetkeeper/pkg/logging"
)

// Identifier addresses a component's immutable artifact set.
type Identifier struct {
	Name    string
	Version string
}

func (id Identifier) String() string { return id.Name + "@" + id.Version }

// Descriptor is one artifact entry from a recipe manifest.
type Descriptor struct {
	URI         string
	Digest      string
	Unarchive   bool
	Permissions string
}

// ProgressSink receives byte-count progress updates during a fetch; tests
// and non-interactive callers pass a no-op sink.
type ProgressSink func(identifier Identifier, uri string, bytesDone, bytesTotal int64)

// Source fetches a single artifact's bytes. Sources are tried in priority
// order (local → cloud → custom HTTP); each Source reports whether a
// failure is retryable.
type Source interface {
	Name() string
	Fetch(ctx context.Context, desc Descriptor, dst *os.File, progress ProgressSink, id Identifier) error
}

// FetchError reports a failed download, carrying whether retrying is
// sensible (network/5xx/429) or pointless (401/403/404/digest mismatch).
type FetchError struct {
	Source    string
	Retryable bool
	Cause     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("artifact: fetch via %s failed (retryable=%v): %v", e.Source, e.Retryable, e.Cause)
}
func (e *FetchError) Unwrap() error { return e.Cause }

// Store is the on-disk, content-addressed artifact cache.
type Store struct {
	log     *logging.Logger
	root    string
	sources []Source

	sf      singleflight.Group
	limiter *rate.Limiter
	hot     *lru.Cache[string, string] // identifier+digest -> resolved path
	pool    *clock.ExecutorPool
	onRetry func()

	mu sync.Mutex
}

// Options configures a Store.
type Options struct {
	Root           string
	Sources        []Source
	HotCacheSize   int
	RateLimitBytes rate.Limit // 0 disables limiting
	BurstBytes     int
	// Pool bounds how many of one component's artifacts download at once
	// during Prepare. Defaults to a pool of 4 when nil.
	Pool *clock.ExecutorPool
	// OnRetry, if set, is invoked once per retried download attempt. The
	// daemon wires it to the status reporter's artifact-retry counter.
	OnRetry func()
}

// New creates a Store rooted at opts.Root
// (<root>/packages/artifacts/<name>/<version>/...), deleting any leftover
// partial downloads from a previous run.
func New(log *logging.Logger, opts Options) (*Store, error) {
	if log == nil {
		log = logging.Nop()
	}
	if opts.HotCacheSize <= 0 {
		opts.HotCacheSize = 256
	}
	hot, err := lru.New[string, string](opts.HotCacheSize)
	if err != nil {
		return nil, err
	}
	limit := opts.RateLimitBytes
	if limit == 0 {
		limit = rate.Inf
	}
	burst := opts.BurstBytes
	if burst <= 0 {
		burst = 1 << 20
	}
	pool := opts.Pool
	if pool == nil {
		pool = clock.NewExecutorPool(4)
	}
	s := &Store{
		log:     log.With("artifact"),
		root:    opts.Root,
		sources: opts.Sources,
		limiter: rate.NewLimiter(limit, burst),
		hot:     hot,
		pool:    pool,
		onRetry: opts.OnRetry,
	}
	if err := s.cleanupPartials(); err != nil {
		s.log.Warn("failed to clean up partial downloads: %v", err)
	}
	return s, nil
}

func (s *Store) identifierDir(id Identifier) string {
	return filepath.Join(s.root, "packages", "artifacts", id.Name, id.Version)
}

func (s *Store) cleanupPartials() error {
	root := filepath.Join(s.root, "packages", "artifacts")
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".part" {
			return os.Remove(path)
		}
		return nil
	})
}

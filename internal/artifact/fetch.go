package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"

	"fleetkeeper/internal/ferrors"
)

// ResolvedPath is a verified, on-disk artifact ready for a component's
// install phase to consume.
type ResolvedPath struct {
	Descriptor Descriptor
	Path       string
}

// Fetch downloads and verifies a single artifact for identifier, returning
// its final on-disk path. At most one fetch per (identifier, descriptor
// digest) runs concurrently; concurrent callers share the result.
func (s *Store) Fetch(ctx context.Context, id Identifier, desc Descriptor, progress ProgressSink) (string, error) {
	key := id.String() + "|" + desc.Digest
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		return s.fetchOnce(ctx, id, desc, progress)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) fetchOnce(ctx context.Context, id Identifier, desc Descriptor, progress ProgressSink) (string, error) {
	if cached, ok := s.hot.Get(cacheKey(id, desc.Digest)); ok {
		if _, err := os.Stat(cached); err == nil {
			return cached, nil
		}
		s.hot.Remove(cacheKey(id, desc.Digest))
	}

	dir := s.identifierDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: mkdir %s: %w", dir, err)
	}
	finalPath := filepath.Join(dir, digestPrefix(desc.Digest)+filepath.Base(desc.URI))
	if _, err := os.Stat(finalPath); err == nil {
		s.hot.Add(cacheKey(id, desc.Digest), finalPath)
		return finalPath, nil
	}

	partPath := finalPath + ".part"
	if err := s.downloadWithRetry(ctx, id, desc, partPath, progress); err != nil {
		os.Remove(partPath)
		return "", err
	}

	if err := Verify(partPath, desc.Digest); err != nil {
		os.Remove(partPath)
		return "", err
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		os.Remove(partPath)
		return "", fmt.Errorf("artifact: commit %s: %w", finalPath, err)
	}
	s.hot.Add(cacheKey(id, desc.Digest), finalPath)
	return finalPath, nil
}

// downloadWithRetry tries each configured source in priority order; within
// a source, retryable failures (network, 5xx, 429) use exponential backoff
// with jitter up to a fixed retry budget. Non-retryable failures
// (401/403/404, digest mismatch surfaced by a source) stop immediately and
// move to the next source.
func (s *Store) downloadWithRetry(ctx context.Context, id Identifier, desc Descriptor, partPath string, progress ProgressSink) error {
	var lastErr error
	for _, src := range s.sources {
		err := s.tryWithBackoff(ctx, src, id, desc, partPath, progress)
		if err == nil {
			return nil
		}
		lastErr = err
		var fe *FetchError
		if ok := asFetchError(err, &fe); ok && !fe.Retryable {
			s.log.Debug("source %s gave non-retryable error for %s, trying next source", src.Name(), id)
			continue
		}
		s.log.Warn("source %s exhausted retry budget for %s: %v", src.Name(), id, err)
	}
	if lastErr == nil {
		return ferrors.New(ferrors.KindArtifactFetchFailed, fmt.Sprintf("no sources configured for %s", id))
	}
	return ferrors.Wrap(ferrors.KindArtifactFetchFailed, lastErr, fmt.Sprintf("all sources failed for %s", id))
}

func (s *Store) tryWithBackoff(ctx context.Context, src Source, id Identifier, desc Descriptor, partPath string, progress ProgressSink) error {
	op := func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, err
		}
		if err := s.limiter.WaitN(ctx, 1); err != nil {
			return struct{}{}, err
		}
		f, err := os.OpenFile(partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("artifact: open part file: %w", err))
		}
		defer f.Close()

		err = src.Fetch(ctx, desc, f, progress, id)
		if err == nil {
			return struct{}{}, nil
		}
		var fe *FetchError
		if asFetchError(err, &fe) && !fe.Retryable {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(6),
		backoff.WithMaxElapsedTime(2*time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Debug("retrying %s via %s in %s: %v", id, src.Name(), next, err)
			if s.onRetry != nil {
				s.onRetry()
			}
		}),
	)
	return err
}

func asFetchError(err error, target **FetchError) bool {
	for err != nil {
		if fe, ok := err.(*FetchError); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func cacheKey(id Identifier, digest string) string { return id.String() + "|" + digest }

func digestPrefix(digest string) string {
	if len(digest) > 12 {
		return digest[:12] + "-"
	}
	return digest + "-"
}

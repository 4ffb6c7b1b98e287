package artifact

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Prepare fetches and verifies every artifact a recipe manifest declares
// for identifier, returning their resolved on-disk paths in the same
// order as descriptors. Downloads run concurrently, bounded by the
// store's executor pool. A failure on any descriptor fails the whole call
// — a component never starts with a partially-prepared artifact set.
func (s *Store) Prepare(ctx context.Context, id Identifier, descriptors []Descriptor, progress ProgressSink) ([]ResolvedPath, error) {
	resolved := make([]ResolvedPath, len(descriptors))
	errs := make([]error, len(descriptors))
	var wg sync.WaitGroup
	for i, desc := range descriptors {
		wg.Add(1)
		go func(i int, desc Descriptor) {
			defer wg.Done()
			errs[i] = s.pool.Submit(ctx, func(ctx context.Context) error {
				path, err := s.Fetch(ctx, id, desc, progress)
				if err != nil {
					return err
				}
				if desc.Unarchive {
					if path, err = s.unpackOnce(path); err != nil {
						return err
					}
				}
				resolved[i] = ResolvedPath{Descriptor: desc, Path: path}
				return nil
			})
		}(i, desc)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("artifact: prepare %s: %w", id, err)
		}
	}
	return resolved, nil
}

// Evict removes every cached artifact for identifier, including its hot
// in-memory cache entries. Used when a component is fully removed from
// the device rather than just updated.
func (s *Store) Evict(id Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := id.String() + "|"
	for _, key := range s.hot.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.hot.Remove(key)
		}
	}
	dir := s.identifierDir(id)
	return removeAllQuiet(dir)
}

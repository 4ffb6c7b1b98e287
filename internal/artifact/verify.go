package artifact

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"fleetkeeper/internal/ferrors"
)

// Verify checks that the file at path matches digest ("algo:hex", the same
// shape go-containerregistry uses for image layer digests), returning
// ferrors.KindDigestMismatch on failure instead of a hand-rolled hex
// comparison.
func Verify(path string, digest string) error {
	want, err := v1.NewHash(digest)
	if err != nil {
		return fmt.Errorf("artifact: parse digest %q: %w", digest, err)
	}
	if want.Algorithm != "sha256" {
		return fmt.Errorf("artifact: unsupported digest algorithm %q", want.Algorithm)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("artifact: open %s for verification: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("artifact: hash %s: %w", path, err)
	}
	got := v1.Hash{Algorithm: "sha256", Hex: fmt.Sprintf("%x", h.Sum(nil))}

	if got.String() != want.String() {
		return ferrors.New(ferrors.KindDigestMismatch,
			fmt.Sprintf("artifact digest mismatch for %s: want %s, got %s", path, want, got))
	}
	return nil
}

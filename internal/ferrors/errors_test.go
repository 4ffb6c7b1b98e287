package ferrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_CodePath(t *testing.T) {
	err := New(KindDeploymentInvalid, "missing field", "MISSING_PACKAGES")
	assert.Equal(t, "DEPLOYMENT_DOCUMENT_INVALID.MISSING_PACKAGES", err.CodePath())
	assert.Contains(t, err.Error(), "missing field")
}

func TestWrap_PreservesCauseChain(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindArtifactFetchFailed, cause, "download failed")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestIs_MatchesKind(t *testing.T) {
	err := New(KindPlanCycle, "cycle detected")
	assert.True(t, Is(err, KindPlanCycle))
	assert.False(t, Is(err, KindStartupTimeout))
	assert.False(t, Is(errors.New("plain"), KindPlanCycle))
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(New(KindMultipleNucleus, "two nucleus components"))
	assert.True(t, ok)
	assert.Equal(t, KindMultipleNucleus, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindArtifactFetchFailed))
	assert.False(t, Retryable(KindDigestMismatch))
}

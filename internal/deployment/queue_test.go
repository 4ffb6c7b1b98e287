package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetkeeper/internal/ingress"
)

func TestPendingQueue_GetReturnsLowestTimestampFirst(t *testing.T) {
	q := newPendingQueue()
	q.Add(&ingress.Document{DeploymentID: "late", Timestamp: 20})
	q.Add(&ingress.Document{DeploymentID: "early", Timestamp: 10})

	done := make(chan struct{})
	req, ok := q.Get(done)
	require.True(t, ok)
	assert.Equal(t, "early", req.Doc.DeploymentID)

	req, ok = q.Get(done)
	require.True(t, ok)
	assert.Equal(t, "late", req.Doc.DeploymentID)
}

func TestPendingQueue_CancelWhileWaitingIsObservable(t *testing.T) {
	q := newPendingQueue()
	q.Add(&ingress.Document{DeploymentID: "dep-1", Timestamp: 1})
	q.Add(&ingress.Document{DeploymentID: "dep-2", Timestamp: 2})

	require.True(t, q.Cancel("dep-1"))

	done := make(chan struct{})
	req, ok := q.Get(done)
	require.True(t, ok)
	assert.Equal(t, "dep-1", req.Doc.DeploymentID)
	assert.True(t, q.IsCancelled("dep-1"))
	assert.False(t, q.IsCancelled("dep-2"))
}

func TestPendingQueue_ResubmitSameIDDedupsInstead(t *testing.T) {
	q := newPendingQueue()
	q.Add(&ingress.Document{DeploymentID: "dep-1", Timestamp: 1, GroupName: "a"})
	q.Add(&ingress.Document{DeploymentID: "dep-1", Timestamp: 1, GroupName: "b"})

	done := make(chan struct{})
	req, ok := q.Get(done)
	require.True(t, ok)
	assert.Equal(t, "b", req.Doc.GroupName)

	assert.Empty(t, q.snapshotIDs(), "only one entry should have been queued for the deduped ID")
}

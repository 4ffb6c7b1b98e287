package ingress

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuncSource_DelegatesToFunction(t *testing.T) {
	want := &Document{DeploymentID: "dep-1"}
	src := FuncSource(func(ctx context.Context) (*Document, error) { return want, nil })

	got, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestFuncSink_DelegatesToFunction(t *testing.T) {
	var received []byte
	sink := FuncSink(func(ctx context.Context, payload []byte) error {
		received = payload
		return nil
	})

	require.NoError(t, sink.PublishStatus(context.Background(), []byte("status-payload")))
	assert.Equal(t, "status-payload", string(received))
}

func TestStaticSource_DeliversOnceThenBlocksUntilCancelled(t *testing.T) {
	doc := &Document{DeploymentID: "dep-1"}
	src := StaticSource(doc)

	got, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Same(t, doc, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

package ingress

import "context"

// DeploymentSource delivers deployment documents into the controller.
// A cloud MQTT/HTTPS transport would implement this by decoding inbound
// job documents with Parse. The daemon in this repo does not read through
// a DeploymentSource: it loads job files from its jobs directory, which is
// where `fleetkeeperd deploy` writes.
type DeploymentSource interface {
	// Next blocks until a document is available or ctx is done.
	Next(ctx context.Context) (*Document, error)
}

// StatusSink publishes an already-serialized status document to the
// cloud. Kept as a raw-bytes interface rather than a typed
// one so internal/status need not import internal/ingress's Document
// types, and so a local sink (stdout, a file) is trivial to implement for
// tests.
type StatusSink interface {
	PublishStatus(ctx context.Context, payload []byte) error
}

// FuncSource adapts a plain function to DeploymentSource, useful for
// tests.
type FuncSource func(ctx context.Context) (*Document, error)

func (f FuncSource) Next(ctx context.Context) (*Document, error) { return f(ctx) }

// FuncSink adapts a plain function to StatusSink.
type FuncSink func(ctx context.Context, payload []byte) error

func (f FuncSink) PublishStatus(ctx context.Context, payload []byte) error { return f(ctx, payload) }

// StaticSource replays a single document once, then blocks until ctx is
// cancelled.
func StaticSource(doc *Document) DeploymentSource {
	delivered := false
	return FuncSource(func(ctx context.Context) (*Document, error) {
		if !delivered {
			delivered = true
			return doc, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

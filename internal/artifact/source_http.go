package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// HTTPSource fetches artifacts over HTTP(S), following redirect chains up
// to maxRedirects hops. 401/403/404 are non-retryable; network errors and
// 5xx/429 are retryable.
type HTTPSource struct {
	name   string
	client *http.Client
}

// maxRedirects is the longest redirect chain the default client follows.
const maxRedirects = 5

func NewHTTPSource(name string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("artifact: too many redirects (%d)", len(via))
				}
				return nil
			},
		}
	}
	return &HTTPSource{name: name, client: client}
}

func (h *HTTPSource) Name() string { return h.name }

func (h *HTTPSource) Fetch(ctx context.Context, desc Descriptor, dst *os.File, progress ProgressSink, id Identifier) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URI, nil)
	if err != nil {
		return &FetchError{Source: h.name, Retryable: false, Cause: err}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return &FetchError{Source: h.name, Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
		return &FetchError{Source: h.name, Retryable: false, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return &FetchError{Source: h.name, Retryable: true, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return &FetchError{Source: h.name, Retryable: false, Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return &FetchError{Source: h.name, Retryable: true, Cause: werr}
			}
			written += int64(n)
			if progress != nil {
				progress(id, desc.URI, written, total)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return &FetchError{Source: h.name, Retryable: true, Cause: rerr}
		}
	}
}

// LocalSource reads artifacts from a pre-populated local directory (e.g. a
// factory-image bundle), never retried since a missing local file is
// never going to reappear mid-backoff.
type LocalSource struct{}

func NewLocalSource() *LocalSource { return &LocalSource{} }

func (l *LocalSource) Name() string { return "local" }

func (l *LocalSource) Fetch(ctx context.Context, desc Descriptor, dst *os.File, progress ProgressSink, id Identifier) error {
	src, err := os.Open(desc.URI)
	if err != nil {
		return &FetchError{Source: l.Name(), Retryable: false, Cause: err}
	}
	defer src.Close()
	n, err := io.Copy(dst, src)
	if err != nil {
		return &FetchError{Source: l.Name(), Retryable: false, Cause: err}
	}
	if progress != nil {
		progress(id, desc.URI, n, n)
	}
	return nil
}

package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// httpSource fetches packages over HTTP(S) with range requests so a resumed
// download continues mid-stream. The detached signature rides in a ".sig"
// sidecar next to the package.
type httpSource struct {
	client *http.Client
}

// NewHTTPSource returns the HTTP(S) package source.
func NewHTTPSource() Source {
	return &httpSource{client: http.DefaultClient}
}

func (s *httpSource) Open(ctx context.Context, uri string, offset uint64) (Stream, error) {
	sig, err := s.fetchSignature(ctx, uri+".sig")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building package request")
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching package")
	}
	switch {
	case offset > 0 && resp.StatusCode != http.StatusPartialContent:
		resp.Body.Close()
		return nil, errors.Errorf("server ignored range request: %s", resp.Status)
	case offset == 0 && resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, errors.Errorf("package fetch failed: %s", resp.Status)
	}
	return &httpStream{body: resp.Body, sig: sig}, nil
}

func (s *httpSource) fetchSignature(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building signature request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching signature")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("signature fetch failed: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

type httpStream struct {
	body io.ReadCloser
	sig  []byte
}

func (h *httpStream) Read(p []byte) (int, error) { return h.body.Read(p) }
func (h *httpStream) Close() error               { return h.body.Close() }
func (h *httpStream) Signature() []byte          { return h.sig }

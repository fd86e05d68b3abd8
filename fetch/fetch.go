// Package fetch reads tileset manifests and tile payloads from disk or over
// HTTP. Resources ending in ".zst" are transparently zstd-decoded.
package fetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/klauspost/compress/zstd"
)

const (
	ErrTypeNotFound   = "fetch-not-found"
	ErrTypeStatus     = "fetch-status"
	ErrTypeDecompress = "fetch-decompress"
	ErrTypeRead       = "fetch-read"
)

// Fetcher returns the raw bytes behind a resource URI.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, uri string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, uri string) ([]byte, error) { return f(ctx, uri) }

// FileFetcher reads resources relative to Root. Absolute paths and file://
// URIs are read as is.
type FileFetcher struct {
	Root string
}

func (f FileFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := uri
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	if !filepath.IsAbs(path) && f.Root != "" {
		path = filepath.Join(f.Root, filepath.FromSlash(path))
	}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.New("resource not found").
			WithType(ErrTypeNotFound).
			WithTag("uri", uri).
			Wrap(err)
	}
	if err != nil {
		return nil, errors.New("reading resource failed").
			WithType(ErrTypeRead).
			WithTag("uri", uri).
			Wrap(err)
	}
	return decode(uri, b)
}

// HTTPFetcher issues GET requests. Relative URIs are resolved against
// BaseURL. A nil Client uses an instrumented default transport.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	Header  http.Header
}

// NewHTTPFetcher returns a fetcher whose requests are recorded by the
// go-tooling HTTP metrics transport.
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: baseURL,
		Client: &http.Client{
			Transport: metrics.HTTPTransport(http.DefaultTransport),
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	target, err := f.resolve(uri)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.New("creating request failed").
			WithTag("uri", target).
			Wrap(err)
	}
	for k, v := range f.Header {
		req.Header[k] = v
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, errors.New("sending request failed").
			WithType(ErrTypeRead).
			WithTag("uri", target).
			Wrap(err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, errors.New("resource not found").
			WithType(ErrTypeNotFound).
			WithTag("uri", target)
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return nil, errors.Newf("unexpected status %d", res.StatusCode).
			WithType(ErrTypeStatus).
			WithTag("uri", target).
			WithTag("status", res.StatusCode)
	}

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.New("reading response body failed").
			WithType(ErrTypeRead).
			WithTag("uri", target).
			Wrap(err)
	}
	return decode(uri, b)
}

func (f *HTTPFetcher) resolve(uri string) (string, error) {
	if f.BaseURL == "" {
		return uri, nil
	}
	base, err := url.Parse(f.BaseURL)
	if err != nil {
		return "", errors.New("invalid base url").
			WithTag("base_url", f.BaseURL).
			Wrap(err)
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return "", errors.New("invalid uri").
			WithTag("uri", uri).
			Wrap(err)
	}
	return base.ResolveReference(ref).String(), nil
}

// IsCompressed reports whether uri names a zstd resource.
func IsCompressed(uri string) bool {
	if u, err := url.Parse(uri); err == nil {
		uri = u.Path
	}
	return strings.HasSuffix(uri, ".zst")
}

func decode(uri string, b []byte) ([]byte, error) {
	if !IsCompressed(uri) {
		return b, nil
	}

	dec, err := zstd.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, errors.New("creating zstd reader failed").
			WithType(ErrTypeDecompress).
			WithTag("uri", uri).
			Wrap(err)
	}
	defer dec.Close()

	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, errors.New("decompressing resource failed").
			WithType(ErrTypeDecompress).
			WithTag("uri", uri).
			Wrap(err)
	}
	return out, nil
}

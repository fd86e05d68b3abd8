package tileset

import (
	"context"

	"github.com/IvanBrykalov/tilestream/fetch"
	"github.com/aukilabs/go-tooling/pkg/errors"
)

// Content is a loaded tile payload. ByteLength is its cost against the
// memory budget.
type Content interface {
	ByteLength() int
}

// RawContent is an unparsed payload.
type RawContent []byte

func (c RawContent) ByteLength() int { return len(c) }

// ContentLoader fetches and parses the payload of a render tile. It is never
// called twice concurrently for the same tile.
type ContentLoader interface {
	LoadContent(ctx context.Context, ref TileRef) (Content, error)
}

// ContentLoaderFunc adapts a function to the ContentLoader interface.
type ContentLoaderFunc func(ctx context.Context, ref TileRef) (Content, error)

func (f ContentLoaderFunc) LoadContent(ctx context.Context, ref TileRef) (Content, error) {
	return f(ctx, ref)
}

// FetchLoader loads payloads through a Fetcher. Parse turns the bytes into
// content; nil keeps them as RawContent.
type FetchLoader struct {
	Fetcher fetch.Fetcher
	Parse   func(ref TileRef, b []byte) (Content, error)
}

func (l FetchLoader) LoadContent(ctx context.Context, ref TileRef) (Content, error) {
	b, err := l.Fetcher.Fetch(ctx, ref.URI)
	if err != nil {
		return nil, err
	}
	if l.Parse == nil {
		return RawContent(b), nil
	}
	c, err := l.Parse(ref, b)
	if err != nil {
		return nil, errors.New("parsing tile content failed").
			WithTag("tile_id", ref.ID).
			WithTag("uri", ref.URI).
			Wrap(err)
	}
	return c, nil
}

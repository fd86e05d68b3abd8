package tileset

import (
	_ "embed"
	"net/url"
	"path"
	"strings"

	"github.com/IvanBrykalov/tilestream/geom"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/segmentio/encoding/json"
)

//go:embed tileset.schema.json
var manifestSchemaJSON string

var manifestSchema = jsonschema.MustCompileString("tileset.schema.json", manifestSchemaJSON)

// Manifest is the subset of a 3D Tiles tileset document the engine reads.
type Manifest struct {
	Asset          Asset        `json:"asset"`
	GeometricError float64      `json:"geometricError"`
	Root           TileManifest `json:"root"`
}

type Asset struct {
	Version        string `json:"version,omitempty"`
	TilesetVersion string `json:"tilesetVersion,omitempty"`
}

// TileManifest is a tile header as declared in a manifest.
type TileManifest struct {
	ID             string         `json:"id,omitempty"`
	BoundingVolume VolumeManifest `json:"boundingVolume"`
	GeometricError float64        `json:"geometricError"`
	Refine         string         `json:"refine,omitempty"`
	Content        *ContentRef    `json:"content,omitempty"`
	Children       []TileManifest `json:"children,omitempty"`
}

type VolumeManifest struct {
	Box    []float64 `json:"box,omitempty"`
	Sphere []float64 `json:"sphere,omitempty"`
	Region []float64 `json:"region,omitempty"`
}

// ContentRef points at a tile payload. URL is the legacy spelling of URI.
type ContentRef struct {
	URI string `json:"uri,omitempty"`
	URL string `json:"url,omitempty"`
}

// ParseManifest validates b against the manifest schema and decodes it.
func ParseManifest(b []byte) (*Manifest, error) {
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errors.New("decoding manifest failed").
			WithType(ErrTypeManifest).
			Wrap(err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return nil, errors.New("invalid manifest").
			WithType(ErrTypeManifest).
			Wrap(err)
	}

	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.New("decoding manifest failed").
			WithType(ErrTypeManifest).
			Wrap(err)
	}
	return &m, nil
}

// Volume decodes the bounding volume. Box wins over region, region over
// sphere.
func (v VolumeManifest) Volume() (geom.BoundingVolume, error) {
	switch {
	case v.Box != nil:
		return geom.NewBoxFromArray(v.Box)
	case v.Region != nil:
		return geom.NewRegionFromArray(v.Region)
	case v.Sphere != nil:
		return geom.NewSphereFromArray(v.Sphere)
	default:
		return geom.BoundingVolume{}, errors.New("missing bounding volume").
			WithType(ErrTypeBoundingVolume)
	}
}

func (c *ContentRef) uri() string {
	if c == nil {
		return ""
	}
	if c.URI != "" {
		return c.URI
	}
	return c.URL
}

// contentKind classifies a resolved content URI.
func contentKind(uri string) ContentKind {
	if uri == "" {
		return ContentNone
	}
	p := uri
	if u, err := url.Parse(uri); err == nil {
		p = u.Path
	}
	p = strings.ToLower(p)
	if strings.HasSuffix(p, ".json") || strings.HasSuffix(p, ".json.zst") {
		return ContentTileset
	}
	return ContentRender
}

// resolveURI resolves ref against the manifest URI base.
func resolveURI(base, ref string) string {
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return path.Join(path.Dir(base), ref)
	}
	if r.IsAbs() || strings.HasPrefix(ref, "/") {
		return ref
	}
	if b, err := url.Parse(base); err == nil && b.Scheme != "" {
		return b.ResolveReference(r).String()
	}
	return path.Join(path.Dir(base), ref)
}

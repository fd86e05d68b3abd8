package tileset

import (
	"strings"

	"github.com/IvanBrykalov/tilestream/geom"
	"github.com/aukilabs/go-tooling/pkg/errors"
)

// TileID identifies a tile across frames.
type TileID string

// TileIndex is the position of a tile in its tree arena.
type TileIndex int

// NoTile is the parent index of the root.
const NoTile TileIndex = -1

// ContentState is the content load state machine of a tile:
// Unloaded → Requested → Loading → Ready | Failed.
type ContentState uint8

const (
	Unloaded ContentState = iota
	Requested
	Loading
	Ready
	Failed
)

func (s ContentState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Requested:
		return "requested"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Refine tells whether children supersede (Replace) or supplement (Add)
// their parent when selected.
type Refine uint8

const (
	Replace Refine = iota
	Add
)

func (r Refine) String() string {
	if r == Add {
		return "ADD"
	}
	return "REPLACE"
}

// ParseRefine reads a refinement tag, case-insensitively.
func ParseRefine(s string) (Refine, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REPLACE":
		return Replace, nil
	case "ADD":
		return Add, nil
	default:
		return Replace, errors.Newf("unknown refinement %q", s).
			WithType(ErrTypeRefine)
	}
}

// ContentKind distinguishes tiles by what their content is.
type ContentKind uint8

const (
	// ContentNone marks an empty tile: it only groups children.
	ContentNone ContentKind = iota
	// ContentRender marks a tile with a drawable payload.
	ContentRender
	// ContentTileset marks a tile whose content is an external manifest
	// holding its children.
	ContentTileset
)

func (k ContentKind) String() string {
	switch k {
	case ContentRender:
		return "render"
	case ContentTileset:
		return "tileset"
	default:
		return "none"
	}
}

// Tile is one node of a tile tree. Identity and geometry never change after
// construction. Runtime fields are owned by the loop that drives traversal.
type Tile struct {
	ID             TileID
	Index          TileIndex
	Parent         TileIndex
	Depth          int
	Volume         geom.BoundingVolume
	GeometricError float64
	Refine         Refine
	Kind           ContentKind
	ContentURI     string

	// manifest the tile was declared in; relative URIs resolve against it.
	manifestURI string

	// runtime
	State   ContentState
	Content Content
	Err     error

	distance      float64
	centerZ       float64
	sse           float64
	visible       bool
	visitedUpdate uint64
	visitedFrame  int64
	selectedFrame int64

	// frame each viewport last registered this tile's load under
	pending map[string]int64
}

// HasRenderContent reports whether the tile carries a drawable payload.
func (t *Tile) HasRenderContent() bool { return t.Kind == ContentRender }

// IsExternal reports whether the tile content is a child manifest.
func (t *Tile) IsExternal() bool { return t.Kind == ContentTileset }

// ContentReady reports whether the tile content is loaded.
func (t *Tile) ContentReady() bool { return t.State == Ready }

// Distance is the distance to the camera computed on the last visit.
func (t *Tile) Distance() float64 { return t.distance }

// ScreenSpaceError is the error computed on the last visit.
func (t *Tile) ScreenSpaceError() float64 { return t.sse }

// Visible reports the visibility computed on the last visit.
func (t *Tile) Visible() bool { return t.visible }

// LastVisitedFrame is the frame number of the last visit.
func (t *Tile) LastVisitedFrame() int64 { return t.visitedFrame }

// LastSelectedFrame is the frame number the tile was last selected in.
func (t *Tile) LastSelectedFrame() int64 { return t.selectedFrame }

// TileRef is the information handed to a ContentLoader. URI is already
// resolved against Manifest, the URI of the manifest declaring the tile.
type TileRef struct {
	ID       TileID
	URI      string
	Kind     ContentKind
	Manifest string
}

func (t *Tile) ref() TileRef {
	return TileRef{
		ID:       t.ID,
		URI:      t.ContentURI,
		Kind:     t.Kind,
		Manifest: t.manifestURI,
	}
}

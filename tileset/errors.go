package tileset

import "github.com/IvanBrykalov/tilestream/geom"

// Error types attached to errors returned by this package. Use
// errors.IsType(err, ErrTypeX) to check them.
const (
	ErrTypeManifest       = "tileset-manifest"
	ErrTypeRefine         = "tileset-refine"
	ErrTypeBoundingVolume = geom.ErrTypeBoundingVolume
	ErrTypeCycle          = "tileset-cycle"
	ErrTypeDepth          = "tileset-depth"
	ErrTypeDuplicateID    = "tileset-duplicate-id"
	ErrTypeLoad           = "tileset-load"
	ErrTypeUnknownTile    = "tileset-unknown-tile"
	ErrTypeClosed         = "tileset-closed"
)

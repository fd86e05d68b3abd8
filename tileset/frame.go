package tileset

import (
	"math"

	"github.com/IvanBrykalov/tilestream/geom"
)

// DefaultSSEDenominator is 2·tan(fovY/2) for the default 60° field of view.
const DefaultSSEDenominator = 1.15

// FrameState is the per-frame view of one viewport. It must not change while
// a traversal runs.
type FrameState struct {
	ViewportID  string
	FrameNumber int64
	Camera      geom.Camera

	// Culling is the view frustum. An empty culling volume sees everything.
	Culling geom.CullingVolume

	// Height is the viewport height in pixels.
	Height float64

	// SSEDenominator converts geometric error into pixels;
	// <= 0 => DefaultSSEDenominator.
	SSEDenominator float64
}

// NewFrameState derives the culling volume and SSE denominator from cam.
func NewFrameState(viewport string, frame int64, cam geom.Camera, height float64) FrameState {
	fovY := cam.FovY
	if fovY <= 0 {
		fovY = math.Pi / 3
	}
	return FrameState{
		ViewportID:     viewport,
		FrameNumber:    frame,
		Camera:         cam,
		Culling:        geom.NewPerspectiveCulling(cam),
		Height:         height,
		SSEDenominator: 2 * math.Tan(fovY/2),
	}
}

func (f FrameState) sseDenominator() float64 {
	if f.SSEDenominator <= 0 {
		return DefaultSSEDenominator
	}
	return f.SSEDenominator
}

// LODMetric turns the geometric error of a tile seen at distance into a
// screen-space error. Tiles refine while their error exceeds
// TraverserOptions.MaximumScreenSpaceError.
type LODMetric func(geometricError, distance float64, f FrameState) float64

// Tiles3DScreenSpaceError is the 3D Tiles perspective screen-space error,
// scaled by viewDistanceScale (1 when <= 0). Leaf errors of zero stay zero.
func Tiles3DScreenSpaceError(viewDistanceScale float64) LODMetric {
	if viewDistanceScale <= 0 {
		viewDistanceScale = 1
	}
	return func(geometricError, distance float64, f FrameState) float64 {
		if geometricError == 0 {
			return 0
		}
		d := math.Max(distance, 1e-7)
		return geometricError * f.Height * viewDistanceScale / (d * f.sseDenominator())
	}
}

// Priority ranks a requested tile; lower is more urgent. parent is nil for
// the root. Negative values are reserved for cancellation and never returned
// to the scheduler by the traverser for a live request.
type Priority func(tile, parent, root *Tile) float64

// SSEPriority favors tiles whose refinement removes the most error relative
// to the root. REPLACE tiles are ranked by their parent's error, which is what
// showing them fixes.
func SSEPriority(tile, parent, root *Tile) float64 {
	sse := tile.sse
	if parent != nil && tile.Refine == Replace {
		sse = parent.sse
	}
	return math.Max(root.sse-sse, 0)
}

// DistancePriority favors tiles closer to the camera.
func DistancePriority(tile, _, _ *Tile) float64 {
	return tile.distance
}

// RenderSet is the outcome of one traversal pass for one viewport.
type RenderSet struct {
	ViewportID  string
	FrameNumber int64

	// Tiles are the selected tiles in traversal order.
	Tiles []TileID

	// Requested counts tiles that asked for a load during the pass.
	Requested int

	// Deferred counts external tiles waiting for their children.
	Deferred int

	// Finished is true when nothing is pending for this viewport and frame
	// and no tile was deferred.
	Finished bool
}

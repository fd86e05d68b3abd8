package geom

import "math"

// Intersect classifies a volume against a plane or a culling volume.
type Intersect int8

const (
	Outside Intersect = iota - 1
	Intersecting
	Inside
)

func (i Intersect) String() string {
	switch i {
	case Outside:
		return "outside"
	case Inside:
		return "inside"
	default:
		return "intersecting"
	}
}

// Plane is the set of points p with Normal·p + Distance = 0. The normal points
// into the half-space considered "inside".
type Plane struct {
	Normal   Vec3
	Distance float64
}

// PlaneFromPointNormal builds a plane through point with the given inward normal.
func PlaneFromPointNormal(point, normal Vec3) Plane {
	n := normal.Normalize()
	return Plane{Normal: n, Distance: -n.Dot(point)}
}

// SignedDistance is positive on the inside of the plane.
func (p Plane) SignedDistance(v Vec3) float64 { return p.Normal.Dot(v) + p.Distance }

// CullingVolume is a convex set of planes, typically a view frustum.
type CullingVolume struct {
	Planes []Plane
}

// Empty reports whether the volume has no planes. An empty culling volume
// accepts everything.
func (cv CullingVolume) Empty() bool { return len(cv.Planes) == 0 }

// Camera describes a perspective camera. FovY is the vertical field of view in
// radians; Aspect is width/height.
type Camera struct {
	Position  Vec3
	Direction Vec3
	Up        Vec3
	FovY      float64
	Aspect    float64
	Near      float64
	Far       float64
}

// NewPerspectiveCulling returns the six frustum planes of cam with inward
// normals, in the order near, far, left, right, bottom, top.
func NewPerspectiveCulling(cam Camera) CullingVolume {
	dir := cam.Direction.Normalize()
	right := dir.Cross(cam.Up).Normalize()
	up := right.Cross(dir).Normalize()

	fovY := cam.FovY
	if fovY <= 0 {
		fovY = math.Pi / 3
	}
	aspect := cam.Aspect
	if aspect <= 0 {
		aspect = 1
	}
	near := cam.Near
	if near <= 0 {
		near = 0.1
	}
	far := cam.Far
	if far <= near {
		far = math.MaxFloat64 / 4
	}

	tanY := math.Tan(fovY / 2)
	tanX := tanY * aspect
	pos := cam.Position

	return CullingVolume{Planes: []Plane{
		PlaneFromPointNormal(pos.Add(dir.Scale(near)), dir),
		PlaneFromPointNormal(pos.Add(dir.Scale(far)), dir.Scale(-1)),
		PlaneFromPointNormal(pos, right.Add(dir.Scale(tanX))),
		PlaneFromPointNormal(pos, right.Scale(-1).Add(dir.Scale(tanX))),
		PlaneFromPointNormal(pos, up.Add(dir.Scale(tanY))),
		PlaneFromPointNormal(pos, up.Scale(-1).Add(dir.Scale(tanY))),
	}}
}

package geom

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const ErrTypeBoundingVolume = "bounding-volume"

// VolumeKind tags the variant held by a BoundingVolume.
type VolumeKind uint8

const (
	KindSphere VolumeKind = iota
	KindBox
	KindRegion
)

func (k VolumeKind) String() string {
	switch k {
	case KindSphere:
		return "sphere"
	case KindBox:
		return "box"
	case KindRegion:
		return "region"
	default:
		return "unknown"
	}
}

// BoundingVolume is a closed set of volume shapes. Regions are converted to
// their bounding sphere on construction so every query works on a sphere or
// an oriented box.
type BoundingVolume struct {
	kind     VolumeKind
	center   Vec3
	radius   float64
	halfAxes [3]Vec3
}

// NewSphere returns a sphere volume.
func NewSphere(center Vec3, radius float64) (BoundingVolume, error) {
	if radius < 0 || math.IsNaN(radius) || math.IsInf(radius, 0) {
		return BoundingVolume{}, errors.Newf("invalid sphere radius %v", radius).
			WithType(ErrTypeBoundingVolume)
	}
	return BoundingVolume{kind: KindSphere, center: center, radius: radius}, nil
}

// NewBox returns an oriented bounding box described by its center and three
// half-axis vectors.
func NewBox(center Vec3, halfAxes [3]Vec3) BoundingVolume {
	r := 0.0
	for _, a := range halfAxes {
		r += a.Dot(a)
	}
	return BoundingVolume{
		kind:     KindBox,
		center:   center,
		radius:   math.Sqrt(r),
		halfAxes: halfAxes,
	}
}

// NewRegion converts a geographic region (radians and meters above the WGS84
// ellipsoid) into the sphere bounding its eight corners.
func NewRegion(west, south, east, north, minHeight, maxHeight float64) (BoundingVolume, error) {
	if west > east || south > north || minHeight > maxHeight {
		return BoundingVolume{}, errors.New("invalid region extents").
			WithType(ErrTypeBoundingVolume).
			WithTag("west", west).
			WithTag("south", south).
			WithTag("east", east).
			WithTag("north", north)
	}

	var corners [8]Vec3
	i := 0
	for _, lon := range [2]float64{west, east} {
		for _, lat := range [2]float64{south, north} {
			for _, h := range [2]float64{minHeight, maxHeight} {
				corners[i] = CartographicToCartesian(lon, lat, h)
				i++
			}
		}
	}

	var center Vec3
	for _, c := range corners {
		center = center.Add(c)
	}
	center = center.Scale(1.0 / 8)

	// The corners alone miss the bulge of the ellipsoid between them, so the
	// mid-point of the top surface is folded into the radius too.
	mid := CartographicToCartesian((west+east)/2, (south+north)/2, maxHeight)
	radius := Distance(center, mid)
	for _, c := range corners {
		radius = math.Max(radius, Distance(center, c))
	}
	return BoundingVolume{kind: KindRegion, center: center, radius: radius}, nil
}

// NewBoxFromArray decodes the 12-number 3D Tiles box layout.
func NewBoxFromArray(a []float64) (BoundingVolume, error) {
	if len(a) != 12 {
		return BoundingVolume{}, errors.Newf("box needs 12 numbers, got %d", len(a)).
			WithType(ErrTypeBoundingVolume)
	}
	return NewBox(V(a[0], a[1], a[2]), [3]Vec3{
		V(a[3], a[4], a[5]),
		V(a[6], a[7], a[8]),
		V(a[9], a[10], a[11]),
	}), nil
}

// NewSphereFromArray decodes the 4-number 3D Tiles sphere layout.
func NewSphereFromArray(a []float64) (BoundingVolume, error) {
	if len(a) != 4 {
		return BoundingVolume{}, errors.Newf("sphere needs 4 numbers, got %d", len(a)).
			WithType(ErrTypeBoundingVolume)
	}
	return NewSphere(V(a[0], a[1], a[2]), a[3])
}

// NewRegionFromArray decodes the 6-number 3D Tiles region layout.
func NewRegionFromArray(a []float64) (BoundingVolume, error) {
	if len(a) != 6 {
		return BoundingVolume{}, errors.Newf("region needs 6 numbers, got %d", len(a)).
			WithType(ErrTypeBoundingVolume)
	}
	return NewRegion(a[0], a[1], a[2], a[3], a[4], a[5])
}

func (b BoundingVolume) Kind() VolumeKind { return b.kind }

func (b BoundingVolume) Center() Vec3 { return b.center }

// Radius is the radius of the bounding sphere of the volume.
func (b BoundingVolume) Radius() float64 { return b.radius }

// IntersectPlane classifies the volume against a single plane.
func (b BoundingVolume) IntersectPlane(p Plane) Intersect {
	d := p.SignedDistance(b.center)
	r := b.radius
	if b.kind == KindBox {
		r = 0
		for _, a := range b.halfAxes {
			r += math.Abs(p.Normal.Dot(a))
		}
	}
	switch {
	case d < -r:
		return Outside
	case d < r:
		return Intersecting
	default:
		return Inside
	}
}

// Intersect classifies the volume against every plane of cv. An empty culling
// volume reports Inside.
func (b BoundingVolume) Intersect(cv CullingVolume) Intersect {
	res := Inside
	for _, p := range cv.Planes {
		switch b.IntersectPlane(p) {
		case Outside:
			return Outside
		case Intersecting:
			res = Intersecting
		}
	}
	return res
}

// DistanceTo returns the distance from p to the closest point of the volume,
// zero when p is inside.
func (b BoundingVolume) DistanceTo(p Vec3) float64 {
	if b.kind != KindBox {
		return math.Max(Distance(b.center, p)-b.radius, 0)
	}

	offset := p.Sub(b.center)
	sq := 0.0
	for _, a := range b.halfAxes {
		l := a.Len()
		if l == 0 {
			continue
		}
		d := offset.Dot(a.Scale(1 / l))
		if excess := math.Abs(d) - l; excess > 0 {
			sq += excess * excess
		}
	}
	return math.Sqrt(sq)
}

const (
	wgs84A  = 6378137.0
	wgs84E2 = 6.69437999014e-3
)

// CartographicToCartesian converts longitude/latitude in radians and height in
// meters into earth-centered cartesian coordinates on WGS84.
func CartographicToCartesian(lon, lat, height float64) Vec3 {
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	return Vec3{
		X: (n + height) * cosLat * cosLon,
		Y: (n + height) * cosLat * sinLon,
		Z: (n*(1-wgs84E2) + height) * sinLat,
	}
}

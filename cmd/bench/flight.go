package main

import (
	"math"
	"os"
	"time"

	"github.com/IvanBrykalov/tilestream/geom"
	"github.com/IvanBrykalov/tilestream/tileset"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// FlightPlan moves one camera per viewport along straight segments between
// waypoints.
type FlightPlan struct {
	Frames        int           `yaml:"frames"`
	FrameInterval time.Duration `yaml:"frame_interval"`
	Height        float64       `yaml:"height"`
	FovDeg        float64       `yaml:"fov_deg"`
	Aspect        float64       `yaml:"aspect"`

	Viewports []ViewportPlan `yaml:"viewports"`
}

type ViewportPlan struct {
	ID        string     `yaml:"id"`
	Waypoints []Waypoint `yaml:"waypoints"`
}

type Waypoint struct {
	Position [3]float64 `yaml:"position"`
	Target   [3]float64 `yaml:"target"`
}

func defaultFlightPlan() FlightPlan {
	return FlightPlan{
		Frames:        300,
		FrameInterval: 16 * time.Millisecond,
		Height:        1080,
		FovDeg:        60,
		Aspect:        16.0 / 9.0,
		Viewports: []ViewportPlan{{
			ID: "main",
			Waypoints: []Waypoint{
				{Position: [3]float64{0, -3000, 3000}, Target: [3]float64{0, 0, 0}},
				{Position: [3]float64{500, -1500, 800}, Target: [3]float64{500, 0, 0}},
				{Position: [3]float64{800, -200, 150}, Target: [3]float64{800, 300, 0}},
			},
		}},
	}
}

// loadFlightPlan reads a YAML flight plan. Missing fields keep the defaults
// and viewports without an id get a random one.
func loadFlightPlan(path string) (FlightPlan, error) {
	p := defaultFlightPlan()
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, errors.New("reading flight plan failed").
			WithTag("path", path).
			Wrap(err)
	}

	p.Viewports = nil
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, errors.New("decoding flight plan failed").
			WithTag("path", path).
			Wrap(err)
	}
	if len(p.Viewports) == 0 {
		return p, errors.New("flight plan has no viewports").
			WithTag("path", path)
	}
	for i := range p.Viewports {
		if p.Viewports[i].ID == "" {
			p.Viewports[i].ID = uuid.NewString()
		}
		if len(p.Viewports[i].Waypoints) == 0 {
			return p, errors.New("viewport has no waypoints").
				WithTag("path", path).
				WithTag("viewport_id", p.Viewports[i].ID)
		}
	}
	return p, nil
}

// frames returns the frame states of frame n, numbered from 1.
func (p FlightPlan) frames(n int) []tileset.FrameState {
	frames := make([]tileset.FrameState, 0, len(p.Viewports))
	for _, vp := range p.Viewports {
		frames = append(frames, tileset.NewFrameState(vp.ID, int64(n+1), p.camera(vp, n), p.Height))
	}
	return frames
}

func (p FlightPlan) camera(vp ViewportPlan, n int) geom.Camera {
	pos, target := vp.at(n, p.Frames)
	dir := target.Sub(pos).Normalize()
	up := geom.V(0, 0, 1)
	if math.Abs(dir.Dot(up)) > 0.99 {
		up = geom.V(0, 1, 0)
	}
	return geom.Camera{
		Position:  pos,
		Direction: dir,
		Up:        up,
		FovY:      p.FovDeg * math.Pi / 180,
		Aspect:    p.Aspect,
	}
}

// at interpolates the waypoints linearly over frames.
func (vp ViewportPlan) at(n, frames int) (geom.Vec3, geom.Vec3) {
	wp := vp.Waypoints
	if len(wp) == 1 || frames <= 1 {
		return vec(wp[0].Position), vec(wp[0].Target)
	}

	t := float64(n) / float64(frames-1) * float64(len(wp)-1)
	i := int(t)
	if i >= len(wp)-1 {
		last := wp[len(wp)-1]
		return vec(last.Position), vec(last.Target)
	}
	f := t - float64(i)
	return lerp(vec(wp[i].Position), vec(wp[i+1].Position), f),
		lerp(vec(wp[i].Target), vec(wp[i+1].Target), f)
}

func vec(a [3]float64) geom.Vec3 { return geom.V(a[0], a[1], a[2]) }

func lerp(a, b geom.Vec3, f float64) geom.Vec3 {
	return a.Add(b.Sub(a).Scale(f))
}

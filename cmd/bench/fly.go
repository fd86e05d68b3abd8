package main

import (
	"context"
	"time"

	"github.com/IvanBrykalov/tilestream/internal/observer"
	"github.com/IvanBrykalov/tilestream/tileset"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

// maxSettlePasses bounds the updates run after the flight to let the final
// view finish loading.
const maxSettlePasses = 32

type report struct {
	Frames   int
	Finished bool
	Selected int
	Elapsed  time.Duration
	Stats    tileset.Stats
}

// fly runs the flight plan against ts, publishing every render set to hub,
// then settles the last view.
func fly(ctx context.Context, ts *tileset.Tileset, plan FlightPlan, hub *observer.Hub) (report, error) {
	var r report
	if plan.Frames < 1 || len(plan.Viewports) == 0 {
		return r, errors.New("flight plan needs at least one frame and one viewport")
	}
	start := time.Now()

	var tick <-chan time.Time
	if plan.FrameInterval > 0 {
		ticker := time.NewTicker(plan.FrameInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var sets []tileset.RenderSet
	n := 0
	for ; n < plan.Frames; n++ {
		var err error
		if sets, err = update(ts, plan.frames(n), hub); err != nil {
			return r, err
		}
		if n%60 == 0 {
			for _, rs := range sets {
				logs.WithTag("viewport_id", rs.ViewportID).
					WithTag("frame", rs.FrameNumber).
					WithTag("selected", len(rs.Tiles)).
					WithTag("requested", rs.Requested).
					Debug("frame")
			}
		}

		if tick == nil {
			if err := ctx.Err(); err != nil {
				return r, err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case <-tick:
		}
	}
	r.Frames = n

	last := plan.frames(n - 1)
	for pass := 0; pass < maxSettlePasses && !finished(sets); pass++ {
		if err := ts.Flush(ctx); err != nil {
			return r, err
		}
		n++
		for i := range last {
			last[i].FrameNumber = int64(n)
		}
		var err error
		if sets, err = update(ts, last, hub); err != nil {
			return r, err
		}
	}

	r.Finished = finished(sets)
	for _, rs := range sets {
		r.Selected += len(rs.Tiles)
	}
	r.Elapsed = time.Since(start)
	r.Stats = ts.Stats()
	return r, nil
}

func update(ts *tileset.Tileset, frames []tileset.FrameState, hub *observer.Hub) ([]tileset.RenderSet, error) {
	sets, err := ts.Update(frames...)
	if err != nil {
		return nil, err
	}
	if hub != nil {
		if err := hub.Publish(sets, ts.Stats()); err != nil {
			logs.Warn(err)
		}
	}
	return sets, nil
}

func finished(sets []tileset.RenderSet) bool {
	for _, rs := range sets {
		if !rs.Finished {
			return false
		}
	}
	return len(sets) > 0
}

package livephoto

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/vearutop/livephoto/internal/mov/movtest"
)

func TestStillImageTimeRange(t *testing.T) {
	for _, tc := range []struct {
		name      string
		duration  int64
		percent   float64
		frames    int
		wantStart int64
		wantDur   int64
	}{
		{name: "middle", duration: 2400, percent: 0.5, frames: 120, wantStart: 1200, wantDur: 20},
		{name: "start", duration: 2400, percent: 0, frames: 120, wantStart: 0, wantDur: 20},
		{name: "end clamped", duration: 2400, percent: 1, frames: 120, wantStart: 2380, wantDur: 20},
		{name: "over one", duration: 2400, percent: 3, frames: 120, wantStart: 2380, wantDur: 20},
		{name: "negative", duration: 2400, percent: -1, frames: 120, wantStart: 0, wantDur: 20},
		{name: "nan", duration: 2400, percent: math.NaN(), frames: 120, wantStart: 0, wantDur: 20},
		{name: "zero frames", duration: 2400, percent: 0.5, frames: 0, wantStart: 0, wantDur: 2400},
		{name: "more frames than ticks", duration: 10, percent: 0.5, frames: 100, wantStart: 5, wantDur: 1},
		{name: "zero duration", duration: 0, percent: 0.5, frames: 10, wantStart: 0, wantDur: 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := StillImageTimeRange(tc.duration, 600, tc.percent, tc.frames)
			if r.Start != tc.wantStart || r.Duration != tc.wantDur || r.Timescale != 600 {
				t.Fatalf("got %+v, want start %d duration %d", r, tc.wantStart, tc.wantDur)
			}
			if tc.duration > 0 && (r.Start < 0 || r.Start >= tc.duration || r.End() > tc.duration) {
				t.Fatalf("range %+v outside clip of %d", r, tc.duration)
			}
		})
	}
}

func TestStillImageTimeRange_bounds(t *testing.T) {
	for duration := int64(1); duration < 200; duration += 7 {
		for frames := 0; frames < 50; frames += 3 {
			for _, p := range []float64{0, 0.1, 0.33, 0.5, 0.9, 0.999, 1} {
				r := StillImageTimeRange(duration, 600, p, frames)
				if r.Start < 0 || r.Start >= duration || r.End() > duration {
					t.Fatalf("duration %d frames %d percent %v: %+v", duration, frames, p, r)
				}
			}
		}
	}
}

func TestStillImageTimeRange_fourSecondsAt30fps(t *testing.T) {
	path := writeClip(t, t.TempDir(), movtest.Default())

	n, err := CountFrames(context.Background(), path, false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 120 {
		t.Fatalf("frames = %d", n)
	}

	r := StillImageTimeRange(2400, 600, defaultStillImagePercent, n)
	if got := r.StartTime().Seconds(); math.Abs(got-2.0) > 1.0/30 {
		t.Fatalf("still time %vs, want about 2s", got)
	}
}

func TestCountFrames(t *testing.T) {
	c := movtest.Default()
	c.Frames = 45
	path := writeClip(t, t.TempDir(), c)

	fast, err := CountFrames(context.Background(), path, false)
	if err != nil {
		t.Fatalf("fast: %v", err)
	}
	exact, err := CountFrames(context.Background(), path, true)
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	if fast != 45 || exact != 45 {
		t.Fatalf("fast %d exact %d", fast, exact)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := CountFrames(ctx, path, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCountFrames_errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := CountFrames(context.Background(), writeFile(t, dir, "bad.mov", []byte("garbage")), false); !errors.Is(err, ErrUnreadableSource) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExistingStillImageTime(t *testing.T) {
	dir := t.TempDir()

	path := writeClip(t, dir, movtest.Default())
	r, err := ExistingStillImageTime(path)
	if err != nil || r != nil {
		t.Fatalf("got %+v, %v", r, err)
	}

	at := int64(900)
	c := movtest.Default()
	c.StillImageTime = &at
	path = writeFile(t, dir, "placeholder", nil)
	if err := movtest.WriteClip(path, c); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	r, err = ExistingStillImageTime(path)
	if err != nil || r == nil {
		t.Fatalf("got %+v, %v", r, err)
	}
	if r.Start != 900 || r.Duration != 20 || r.Timescale != 600 {
		t.Fatalf("range = %+v", r)
	}
}

func TestTimeRange_StartTime(t *testing.T) {
	for _, c := range []struct {
		r    TimeRange
		want time.Duration
	}{
		{TimeRange{Start: 1200, Timescale: 600}, 2 * time.Second},
		{TimeRange{Start: 1, Timescale: 3}, 333333333 * time.Nanosecond},
		{TimeRange{Start: 90000 * 3600 * 48, Timescale: 90000}, 48 * time.Hour},
		{TimeRange{Start: 5}, 0},
	} {
		if got := c.r.StartTime(); got != c.want {
			t.Fatalf("%+v: got %v, want %v", c.r, got, c.want)
		}
	}
}

package livephoto

import (
	"context"
	"errors"
	"io"
	"math"

	"github.com/vearutop/livephoto/internal/mov"
)

// CountFrames returns the number of video frames of the movie at path.
//
// The fast estimate is duration times nominal frame rate. The exact count reads
// every video sample and counts the readable ones; it is O(frames) and honours ctx.
func CountFrames(ctx context.Context, path string, exact bool) (int, error) {
	const stage = "count frames"

	m, err := mov.OpenFile(path)
	if err != nil {
		return 0, newError(ErrUnreadableSource, stage, path, err)
	}
	v := m.FirstTrack(mov.HandlerVideo)
	if v == nil {
		return 0, newError(ErrMissingTrack, stage, path, nil)
	}
	if !exact {
		return estimateFrames(v), nil
	}

	r, err := m.NewSampleReader(v)
	if err != nil {
		return 0, newError(ErrUnreadableSource, stage, path, err)
	}
	defer r.Close()

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, _, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			// Truncated media ends the count at the last readable sample.
			return n, nil
		}
		n++
	}
}

func estimateFrames(v *mov.Track) int {
	return int(math.Round(v.DurationSeconds() * v.NominalFrameRate()))
}

// StillImageTimeRange picks the presentation range of the still frame at percent of the clip.
//
// The frame duration is duration / frameCount, or the whole duration when frameCount is zero.
// Start is clamped so the range stays inside the clip.
func StillImageTimeRange(duration int64, timescale uint32, percent float64, frameCount int) TimeRange {
	if duration <= 0 {
		return TimeRange{Timescale: timescale}
	}
	if math.IsNaN(percent) || percent < 0 {
		percent = 0
	}
	if percent > 1 {
		percent = 1
	}

	frameDuration := duration
	if frameCount > 0 {
		frameDuration = duration / int64(frameCount)
		if frameDuration <= 0 {
			frameDuration = 1
		}
	}

	start := int64(math.Round(float64(duration) * percent))
	if start+frameDuration > duration {
		start = duration - frameDuration
	}
	if start < 0 {
		start = 0
	}
	return TimeRange{Start: start, Duration: frameDuration, Timescale: timescale}
}

// ExistingStillImageTime returns the still-image-time range a movie already carries.
// It returns nil when the movie has none or it cannot be read.
func ExistingStillImageTime(path string) (*TimeRange, error) {
	m, err := mov.OpenFile(path)
	if err != nil {
		return nil, newError(ErrUnreadableSource, "read still image time", path, err)
	}
	return existingStillImageTime(m), nil
}

func existingStillImageTime(m *mov.Movie) *TimeRange {
	for _, t := range m.Tracks {
		if t.Handler != mov.HandlerMetadata || t.Format != mov.FormatTimedMetadata {
			continue
		}
		specs, err := mov.ParseTimedMetadataDescription(t.SampleDescription)
		if err != nil {
			continue
		}
		var id uint32
		for _, s := range specs {
			if s.Key == mov.KeyStillImageTime && s.Namespace == mov.NamespaceMDTA {
				id = s.LocalID
			}
		}
		if id == 0 {
			continue
		}
		if tr := firstSampleWithKey(m, t, id); tr != nil {
			return tr
		}
	}
	return nil
}

func firstSampleWithKey(m *mov.Movie, t *mov.Track, id uint32) *TimeRange {
	r, err := m.NewSampleReader(t)
	if err != nil {
		return nil
	}
	defer r.Close()

	for {
		s, data, err := r.Next()
		if err != nil {
			return nil
		}
		values, err := mov.DecodeTimedMetadataSample(data)
		if err != nil {
			continue
		}
		if _, ok := values[id]; !ok {
			continue
		}
		start, ok := t.PresentationStart(int64(s.DecodeTime)+int64(s.CompositionOffset), m.Timescale)
		if !ok {
			continue
		}
		dur := int64(s.Duration) * int64(m.Timescale) / int64(t.Timescale)
		return &TimeRange{Start: int64(start), Duration: dur, Timescale: m.Timescale}
	}
}

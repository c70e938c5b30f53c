package livephoto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/vearutop/livephoto/internal/mov"
)

const defaultMovieTimescale = 600

// recomposeJob remuxes a source movie into a paired movie carrying the identifier
// and a still-image-time track.
type recomposeJob struct {
	src, dst     string
	id           AssetIdentifier
	stillPercent float64
	// frameCount overrides the estimate when positive.
	frameCount int
	progress   func(float64)
	log        *zap.Logger
}

type recomposeReport struct {
	Path           string
	FrameCount     int
	VideoSamples   int
	AudioSamples   int
	StillImageTime TimeRange
}

// recomposeState is owned by the coordinator. Pumps report through its methods only.
type recomposeState struct {
	mu sync.Mutex

	writingVideoFinished bool
	writingAudioFinished bool
	currentFrameCount    int

	frameCount int
	progress   float64
	onProgress func(float64)
}

func (s *recomposeState) videoSampleWritten() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentFrameCount++
	p := 1.0
	if s.frameCount > 0 {
		p = float64(s.currentFrameCount) / float64(s.frameCount)
	}
	s.report(p)
}

// report forwards p to the callback when it advances progress. Callers hold mu.
func (s *recomposeState) report(p float64) {
	if p > 1 {
		p = 1
	}
	if p <= s.progress {
		return
	}
	s.progress = p
	if s.onProgress != nil {
		s.onProgress(p)
	}
}

// finish records a finished pump and reports whether both inputs are done.
func (s *recomposeState) finish(handler string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch handler {
	case mov.HandlerVideo:
		s.writingVideoFinished = true
	case mov.HandlerAudio:
		s.writingAudioFinished = true
	}
	return s.writingVideoFinished && s.writingAudioFinished
}

func (s *recomposeState) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report(1)
}

type pumpResult struct {
	handler string
	samples int
	err     error
}

func (j recomposeJob) run(ctx context.Context) (*recomposeReport, error) {
	const stage = "recompose"

	log := j.log
	if log == nil {
		log = zap.NewNop()
	}

	m, err := mov.OpenFile(j.src)
	if err != nil {
		return nil, newError(ErrUnreadableSource, stage, j.src, err)
	}
	video := m.FirstTrack(mov.HandlerVideo)
	if video == nil {
		return nil, newError(ErrMissingTrack, stage, j.src, nil)
	}
	if len(video.Samples) == 0 {
		return nil, newError(ErrMissingTrack, stage, j.src, errors.New("video track has no samples"))
	}
	audio := m.FirstTrack(mov.HandlerAudio)

	timescale := m.Timescale
	duration := int64(m.Duration)
	if timescale == 0 {
		timescale = defaultMovieTimescale
		duration = 0
	}
	if duration == 0 && video.Timescale != 0 {
		duration = int64(video.Duration) * int64(timescale) / int64(video.Timescale)
	}

	frameCount := j.frameCount
	if frameCount <= 0 {
		frameCount = estimateFrames(video)
	}
	still := StillImageTimeRange(duration, timescale, j.stillPercent, frameCount)
	if existing := existingStillImageTime(m); existing != nil && existing.Timescale == timescale && existing.End() <= duration {
		still = *existing
	}

	log.Debug("recomposing movie",
		zap.String("src", j.src),
		zap.String("dst", j.dst),
		zap.Int("frames", frameCount),
		zap.Bool("audio", audio != nil),
		zap.Int64("still_start", still.Start),
		zap.Uint32("timescale", timescale),
	)

	vr, err := m.NewSampleReader(video)
	if err != nil {
		return nil, newError(ErrUnreadableSource, stage, j.src, err)
	}
	defer vr.Close()

	var ar *mov.SampleReader
	if audio != nil {
		if ar, err = m.NewSampleReader(audio); err != nil {
			return nil, newError(ErrUnreadableSource, stage, j.src, err)
		}
		defer ar.Close()
	}

	w, err := mov.Create(j.dst)
	if err != nil {
		return nil, newError(ErrWriteFailed, stage, j.dst, err)
	}
	w.Timescale = timescale

	vt, at, err := j.prepare(w, video, audio, timescale, still)
	if err != nil {
		_ = w.Cancel()
		return nil, newError(ErrWriteFailed, stage, j.dst, err)
	}

	state := &recomposeState{
		frameCount:           frameCount,
		onProgress:           j.progress,
		writingAudioFinished: audio == nil,
	}

	results := make(chan pumpResult, 2)
	pending := 1
	go func() {
		n, err := pumpSamples(ctx, vr, vt, state.videoSampleWritten)
		results <- pumpResult{handler: mov.HandlerVideo, samples: n, err: err}
	}()
	if audio != nil {
		pending++
		go func() {
			n, err := pumpSamples(ctx, ar, at, nil)
			results <- pumpResult{handler: mov.HandlerAudio, samples: n, err: err}
		}()
	}

	report := &recomposeReport{Path: j.dst, FrameCount: frameCount, StillImageTime: still}

	var (
		pumpErr error
		joined  bool
		done    = ctx.Done()
	)
	cancelReaders := func() {
		vr.Cancel()
		if ar != nil {
			ar.Cancel()
		}
	}

	for pending > 0 {
		select {
		case res := <-results:
			pending--
			switch res.handler {
			case mov.HandlerVideo:
				report.VideoSamples = res.samples
			case mov.HandlerAudio:
				report.AudioSamples = res.samples
			}
			if res.err != nil {
				if pumpErr == nil {
					pumpErr = fmt.Errorf("%s samples: %w", res.handler, res.err)
				}
				if !errors.Is(res.err, mov.ErrCancelled) && ctx.Err() == nil {
					log.Error("sample pump failed", zap.String("track", res.handler), zap.Error(res.err))
				}
				continue
			}
			joined = state.finish(res.handler)
		case <-done:
			done = nil
			cancelReaders()
		}
	}

	if err := ctx.Err(); err != nil {
		_ = w.Cancel()
		log.Debug("recompose cancelled", zap.String("dst", j.dst))
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	if pumpErr != nil || !joined {
		_ = w.Cancel()
		return nil, newError(ErrWriteFailed, stage, j.dst, pumpErr)
	}

	if err := w.Finish(); err != nil {
		return nil, newError(ErrWriteFailed, stage, j.dst, err)
	}
	state.complete()

	log.Debug("movie written",
		zap.String("dst", j.dst),
		zap.Int("video_samples", report.VideoSamples),
		zap.Int("audio_samples", report.AudioSamples),
	)
	return report, nil
}

// prepare adds tracks, movie metadata and the still-image-time group, then starts the session.
func (j recomposeJob) prepare(w *mov.Writer, video, audio *mov.Track, timescale uint32, still TimeRange) (vt, at *mov.TrackWriter, err error) {
	if vt, err = w.AddTrack(passthroughConfig(video)); err != nil {
		return nil, nil, fmt.Errorf("video track: %w", err)
	}
	if audio != nil {
		if at, err = w.AddTrack(passthroughConfig(audio)); err != nil {
			return nil, nil, fmt.Errorf("audio track: %w", err)
		}
	}

	meta, err := newMetadataAdaptor(w, timescale, StillImageTimeItem())
	if err != nil {
		return nil, nil, fmt.Errorf("metadata track: %w", err)
	}
	w.SetMetadata([]mov.Item{ContentIdentifierItem(j.id).movItem()})

	if err := w.StartSession(); err != nil {
		return nil, nil, err
	}
	if err := meta.AppendTimedMetadataGroup([]MetadataItem{StillImageTimeItem()}, still); err != nil {
		return nil, nil, fmt.Errorf("still image time: %w", err)
	}
	meta.Finish()
	return vt, at, nil
}

func passthroughConfig(t *mov.Track) mov.TrackConfig {
	return mov.TrackConfig{
		Handler:           t.Handler,
		Timescale:         t.Timescale,
		SampleDescription: t.SampleDescription,
		Width:             t.Width,
		Height:            t.Height,
		Matrix:            t.Matrix,
		Volume:            t.Volume,
		Layer:             t.Layer,
		AlternateGroup:    t.AlternateGroup,
		Language:          t.Language,
		Edits:             t.Edits,
	}
}

// pumpSamples copies samples in source order until the reader is exhausted.
func pumpSamples(ctx context.Context, r *mov.SampleReader, t *mov.TrackWriter, onSample func()) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		s, data, err := r.Next()
		if errors.Is(err, io.EOF) {
			t.MarkFinished()
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := t.Append(data, mov.SampleInfo{
			Duration:          s.Duration,
			CompositionOffset: s.CompositionOffset,
			Sync:              s.Sync,
		}); err != nil {
			return n, err
		}
		n++
		if onSample != nil {
			onSample()
		}
	}
}

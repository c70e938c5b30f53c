package livephoto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/vearutop/livephoto/internal/mov"
)

// Transcoder converts a video into a QuickTime movie with passthrough-ready tracks.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string, progress func(float64)) error
}

// Options configures a Codec.
type Options struct {
	Logger *zap.Logger
	// ScratchDir is the parent of the per-codec scratch directory, os.TempDir by default.
	ScratchDir string
	// StillImagePercent places the still in the clip, 0.5 by default.
	StillImagePercent float64
	Quality           int
	MaxDimension      uint
	// KeyFrames derives a still when none is given, VidioKeyFrames by default.
	KeyFrames KeyFrameSource
	// Transcoder normalises inputs that are not QuickTime or ISO media.
	Transcoder Transcoder
	// Reencode sends every input through Transcoder.
	Reencode bool
	// ExactFrameCount counts video samples instead of estimating from the frame rate.
	ExactFrameCount bool
}

// Codec generates and extracts Live Photo pairs inside its own scratch directory.
type Codec struct {
	opt     Options
	log     *zap.Logger
	scratch *Scratch
}

// New creates a codec and its scratch directory.
func New(opts ...func(o *Options)) (*Codec, error) {
	opt := Options{
		StillImagePercent: defaultStillImagePercent,
		Quality:           defaultJPEGQuality,
		MaxDimension:      defaultMaxDimension,
	}
	for _, applyOpt := range opts {
		applyOpt(&opt)
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.KeyFrames == nil {
		opt.KeyFrames = VidioKeyFrames{Quality: opt.Quality}
	}

	s, err := newScratch(opt.ScratchDir)
	if err != nil {
		return nil, newError(ErrWriteFailed, "create scratch", opt.ScratchDir, err)
	}
	opt.Logger.Debug("scratch directory created", zap.String("dir", s.Dir()))

	return &Codec{opt: opt, log: opt.Logger, scratch: s}, nil
}

// ScratchDir returns the root of the codec scratch directory.
func (c *Codec) ScratchDir() string { return c.scratch.Dir() }

// Close removes the scratch directory with any outputs not moved by the caller.
func (c *Codec) Close() error {
	c.log.Debug("removing scratch directory", zap.String("dir", c.scratch.Dir()))
	return c.scratch.Close()
}

// Generate pairs stillImage with video. An empty stillImage is derived from a video frame.
// Progress receives monotonic values in [0, 1], possibly from another goroutine.
func (c *Codec) Generate(ctx context.Context, stillImage, video string, progress func(float64)) (_ *Resources, err error) {
	const stage = "generate"

	dir, err := c.scratch.callDir()
	if err != nil {
		return nil, newError(ErrWriteFailed, stage, c.scratch.Dir(), err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
			c.log.Debug("generate failed", zap.String("video", video), zap.Error(err))
		}
	}()

	p := newMonotonic(progress)

	src, transcoded, err := c.prepareVideo(ctx, video, dir, p.scaled(0, 0.5))
	if err != nil {
		return nil, err
	}
	remux := p.scaled(0, 1)
	if transcoded {
		remux = p.scaled(0.5, 1)
	}

	if stillImage == "" {
		stillImage = filepath.Join(dir, "keyframe"+extJPEG)
		if err := c.opt.KeyFrames.KeyFrame(ctx, src, c.opt.StillImagePercent, stillImage); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w", stage, ctx.Err())
			}
			return nil, newError(ErrUnreadableSource, "derive key frame", video, err)
		}
	}

	id := NewAssetIdentifier()
	log := c.log.With(zap.String("identifier", string(id)))

	stillDst := filepath.Join(dir, "IMG"+extJPEG)
	if _, err := EmbedIdentifier(id, stillImage, stillDst, func(o *EmbedOptions) {
		o.Quality = c.opt.Quality
		o.MaxDimension = c.opt.MaxDimension
	}); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	frames := 0
	if c.opt.ExactFrameCount {
		if frames, err = CountFrames(ctx, src, true); err != nil {
			return nil, err
		}
	}

	job := recomposeJob{
		src:          src,
		dst:          filepath.Join(dir, "IMG"+extMOV),
		id:           id,
		stillPercent: c.opt.StillImagePercent,
		frameCount:   frames,
		progress:     remux,
		log:          log,
	}
	report, err := job.run(ctx)
	if err != nil {
		return nil, err
	}
	if transcoded {
		_ = os.Remove(src)
	}

	log.Info("live photo generated",
		zap.String("still", stillDst),
		zap.String("video", report.Path),
		zap.Int("frames", report.FrameCount),
		zap.Duration("still_time", report.StillImageTime.StartTime()),
	)
	return &Resources{StillImagePath: stillDst, VideoPath: report.Path}, nil
}

// prepareVideo returns the movie to remux, transcoding it first when needed.
func (c *Codec) prepareVideo(ctx context.Context, video, dir string, progress func(float64)) (string, bool, error) {
	if c.opt.Transcoder == nil {
		return video, false, nil
	}
	if !c.opt.Reencode {
		if m, err := mov.OpenFile(video); err == nil && m.FirstTrack(mov.HandlerVideo) != nil {
			return video, false, nil
		}
	}

	dst := filepath.Join(dir, "source"+extMOV)
	c.log.Debug("transcoding video", zap.String("src", video), zap.String("dst", dst))
	if err := c.opt.Transcoder.Transcode(ctx, video, dst, progress); err != nil {
		if ctx.Err() != nil {
			return "", false, fmt.Errorf("transcode: %w", ctx.Err())
		}
		return "", false, newError(ErrUnreadableSource, "transcode", video, err)
	}
	return dst, true, nil
}

// ExtractResources writes the pair of asset into a fresh scratch sub-directory.
func (c *Codec) ExtractResources(ctx context.Context, asset Asset) (_ *Resources, err error) {
	dir, err := c.scratch.callDir()
	if err != nil {
		return nil, newError(ErrWriteFailed, "extract resources", c.scratch.Dir(), err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()
	return extract(ctx, asset, dir, c.log)
}

// SaveToLibrary validates a pair and hands it to lib.
func (c *Codec) SaveToLibrary(ctx context.Context, res Resources, lib Library) (*Resources, error) {
	if lib == nil {
		return nil, newError(ErrWriteFailed, "save to library", "", errors.New("nil library"))
	}
	if err := ValidatePair(res.StillImagePath, res.VideoPath); err != nil {
		return nil, err
	}
	saved, err := lib.Save(ctx, res)
	if err != nil {
		return nil, err
	}

	c.log.Info("live photo saved",
		zap.String("still", saved.StillImagePath),
		zap.String("video", saved.VideoPath))
	return saved, nil
}

// monotonic forwards increasing progress values in [0, 1].
type monotonic struct {
	mu   sync.Mutex
	last float64
	fn   func(float64)
}

func newMonotonic(fn func(float64)) *monotonic {
	return &monotonic{last: -1, fn: fn}
}

func (m *monotonic) report(p float64) {
	if m.fn == nil {
		return
	}
	if p > 1 {
		p = 1
	}
	if p < 0 {
		p = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p <= m.last {
		return
	}
	m.last = p
	m.fn(p)
}

// scaled maps [0, 1] of a phase onto [lo, hi] of the whole operation.
func (m *monotonic) scaled(lo, hi float64) func(float64) {
	return func(p float64) {
		m.report(lo + (hi-lo)*p)
	}
}

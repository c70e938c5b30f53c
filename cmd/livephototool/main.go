package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/vearutop/livephoto"
	"github.com/vearutop/livephoto/internal/fsx"
	"github.com/vearutop/livephoto/internal/transcode"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "generate":
		err = runGenerate(ctx, os.Args[2:])
	case "extract":
		err = runExtract(ctx, os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	case "detect":
		err = runDetect(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		stop()
		fail(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: livephototool <command> [args]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  generate -video clip.mp4 -out dir [-image still.jpg] [-percent 0.5] [-q 95] [-max 0] [-exact] [-reencode] [-v]")
	fmt.Fprintln(os.Stderr, "  extract  -out dir (-image IMG.HEIC [-video IMG.MOV] | -motion PXL.MP.jpg | -photo-url u -video-url u) [-v]")
	fmt.Fprintln(os.Stderr, "  inspect  -image IMG.JPG -video IMG.MOV")
	fmt.Fprintln(os.Stderr, "  detect   -in IMG.JPG")
}

// setup loads configuration and builds the logger shared by codec commands.
func setup(verbose bool) (config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, nil, err
	}
	log, err := newLogger(cfg.LogLevel, verbose)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func runGenerate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	imagePath := fs.String("image", "", "still image, derived from the video when empty")
	videoPath := fs.String("video", "", "source video")
	outDir := fs.String("out", "", "library directory for IMG_<n>.JPG and IMG_<n>.MOV")
	percent := fs.Float64("percent", 0.5, "still image position in the clip")
	q := fs.Int("q", 95, "JPEG quality")
	maxDim := fs.Uint("max", 0, "max still dimension, 0 keeps size")
	exact := fs.Bool("exact", false, "count frames exactly")
	reencode := fs.Bool("reencode", false, "transcode the video with ffmpeg first")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *videoPath == "" || *outDir == "" {
		return errors.New("missing required arguments")
	}

	cfg, log, err := setup(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ff := transcode.FFmpeg{FFmpegPath: cfg.FFmpeg, FFprobePath: cfg.FFprobe}
	codec, err := livephoto.New(func(o *livephoto.Options) {
		o.Logger = log
		o.ScratchDir = cfg.ScratchDir
		o.StillImagePercent = *percent
		o.Quality = *q
		o.MaxDimension = *maxDim
		o.ExactFrameCount = *exact
		o.Reencode = *reencode
		if ff.Available() {
			o.Transcoder = ff
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = codec.Close() }()

	bar := newBar("generating")
	res, err := codec.Generate(ctx, *imagePath, *videoPath, func(p float64) {
		_ = bar.Set(int(p * 1000))
	})
	_ = bar.Finish()
	if err != nil {
		return err
	}

	saved, err := codec.SaveToLibrary(ctx, *res, &livephoto.DirLibrary{Dir: *outDir})
	if err != nil {
		return err
	}
	return printJSON(saved)
}

func runExtract(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	imagePath := fs.String("image", "", "still image of a file pair")
	videoPath := fs.String("video", "", "paired video, found next to the image when empty")
	motionPath := fs.String("motion", "", "motion photo with an embedded video")
	photoURL := fs.String("photo-url", "", "remote still image")
	videoURL := fs.String("video-url", "", "remote paired video")
	outDir := fs.String("out", "", "output directory")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outDir == "" {
		return errors.New("missing required arguments")
	}

	var asset livephoto.Asset
	switch {
	case *motionPath != "":
		asset = livephoto.MotionPhotoAsset(*motionPath)
	case *photoURL != "" || *videoURL != "":
		asset = livephoto.RemoteAsset(nil, *photoURL, *videoURL)
	case *imagePath != "" && *videoPath != "":
		asset = livephoto.PairAsset(*imagePath, *videoPath)
	case *imagePath != "":
		asset = livephoto.SidecarAsset(*imagePath)
	default:
		return errors.New("missing asset source")
	}

	cfg, log, err := setup(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	codec, err := livephoto.New(func(o *livephoto.Options) {
		o.Logger = log
		o.ScratchDir = cfg.ScratchDir
	})
	if err != nil {
		return err
	}
	defer func() { _ = codec.Close() }()

	res, err := codec.ExtractResources(ctx, asset)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}

	out := livephoto.Resources{
		StillImagePath: filepath.Join(*outDir, filepath.Base(res.StillImagePath)),
		VideoPath:      filepath.Join(*outDir, filepath.Base(res.VideoPath)),
	}
	if err := fsx.MoveFile(res.StillImagePath, out.StillImagePath); err != nil {
		return err
	}
	if err := fsx.MoveFile(res.VideoPath, out.VideoPath); err != nil {
		_ = os.Remove(out.StillImagePath)
		return err
	}
	return printJSON(out)
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	imagePath := fs.String("image", "", "still image")
	videoPath := fs.String("video", "", "paired video")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" || *videoPath == "" {
		return errors.New("missing required arguments")
	}
	r, err := livephoto.InspectPair(*imagePath, *videoPath)
	if err != nil {
		return err
	}
	return printJSON(r)
}

func runDetect(args []string) error {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	inPath := fs.String("in", "", "input JPEG")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("missing required arguments")
	}
	f, err := os.Open(filepath.Clean(*inPath))
	if err != nil {
		return err
	}
	defer f.Close()

	id, err := livephoto.ReadStreamIdentifier(f)
	if errors.Is(err, livephoto.ErrNoIdentifier) {
		fmt.Fprintln(os.Stdout, "not paired")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "paired", id)
	return nil
}

func newBar(desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(1000,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func printJSON(v interface{}) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(payload))
	return err
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

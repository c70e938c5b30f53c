package livephoto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	vidio "github.com/AlexEidt/Vidio"

	"github.com/vearutop/livephoto/internal/fsx"
)

// KeyFrameSource renders the frame of a video at percent of its duration into a JPEG file.
type KeyFrameSource interface {
	KeyFrame(ctx context.Context, videoPath string, percent float64, dstPath string) error
}

// VidioKeyFrames decodes frames through ffmpeg with github.com/AlexEidt/Vidio.
type VidioKeyFrames struct {
	Quality int
}

// KeyFrame implements KeyFrameSource.
func (k VidioKeyFrames) KeyFrame(ctx context.Context, videoPath string, percent float64, dstPath string) error {
	video, err := vidio.NewVideo(videoPath)
	if err != nil {
		return fmt.Errorf("open video: %w", err)
	}
	defer video.Close()

	w, h := video.Width(), video.Height()
	if w <= 0 || h <= 0 {
		return errors.New("video has no frames")
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	if err := video.SetFrameBuffer(img.Pix); err != nil {
		return err
	}

	target := keyFrameIndex(video.Frames(), percent)
	read := false
	for i := 0; i <= target; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !video.Read() {
			break
		}
		read = true
	}
	if !read {
		return errors.New("no decodable frame")
	}

	quality := k.Quality
	if quality <= 0 {
		quality = defaultJPEGQuality
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("encode key frame: %w", err)
	}
	return fsx.WriteFileAtomic(dstPath, out.Bytes())
}

// keyFrameIndex maps percent of a clip to a 0-based frame index.
func keyFrameIndex(frames int, percent float64) int {
	if frames <= 0 {
		return 0
	}
	if math.IsNaN(percent) || percent < 0 {
		percent = 0
	}
	if percent > 1 {
		percent = 1
	}
	i := int(math.Round(float64(frames) * percent))
	if i >= frames {
		i = frames - 1
	}
	return i
}

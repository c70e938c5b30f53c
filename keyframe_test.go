package livephoto

import (
	"context"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestKeyFrameIndex(t *testing.T) {
	for _, tc := range []struct {
		frames  int
		percent float64
		want    int
	}{
		{frames: 120, percent: 0.5, want: 60},
		{frames: 120, percent: 1, want: 119},
		{frames: 120, percent: 0, want: 0},
		{frames: 120, percent: -3, want: 0},
		{frames: 120, percent: math.NaN(), want: 0},
		{frames: 0, percent: 0.5, want: 0},
		{frames: 1, percent: 0.9, want: 0},
	} {
		if got := keyFrameIndex(tc.frames, tc.percent); got != tc.want {
			t.Fatalf("keyFrameIndex(%d, %v) = %d, want %d", tc.frames, tc.percent, got, tc.want)
		}
	}
}

func TestVidioKeyFrames(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not available")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp4")
	gen := exec.Command("ffmpeg", "-y", "-f", "lavfi", "-i", "testsrc=duration=1:size=64x48:rate=30",
		"-c:v", "mpeg4", src)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("cannot generate fixture: %v: %s", err, out)
	}

	dst := filepath.Join(dir, "frame.jpg")
	if err := (VidioKeyFrames{}).KeyFrame(context.Background(), src, 0.5, dst); err != nil {
		t.Fatalf("key frame: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !isJPEG(data) {
		t.Fatal("key frame is not a JPEG")
	}
}

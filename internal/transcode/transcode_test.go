package transcode

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestParseProgressLine(t *testing.T) {
	for line, want := range map[string]int64{
		"out_time_ms=2500000": 2500,
		" out_time_ms=0 ":     0,
	} {
		got, ok := parseProgressLine(line)
		if !ok || got != want {
			t.Fatalf("%q: got %d %v, want %d", line, got, ok, want)
		}
	}

	for _, line := range []string{"frame=12", "out_time_ms=N/A", "progress=end", "out_time_ms=-1"} {
		if _, ok := parseProgressLine(line); ok {
			t.Fatalf("%q: unexpected match", line)
		}
	}
}

func TestFFmpeg_Transcode_missingBinary(t *testing.T) {
	f := FFmpeg{FFmpegPath: filepath.Join(t.TempDir(), "no-ffmpeg")}
	if f.Available() {
		t.Fatal("binary should be missing")
	}
	if err := f.Transcode(context.Background(), "in.mp4", "out.mov", nil); err != ErrNotFound {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFFmpeg_Transcode_missingFFprobe(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"livephoto-no-such-ffprobe", filepath.Join(t.TempDir(), "ffprobe")} {
		f := FFmpeg{FFmpegPath: exe, FFprobePath: path}
		if err := f.Transcode(context.Background(), "in.mp4", "out.mov", nil); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: unexpected error: %v", path, err)
		}
	}
}

func TestFFmpeg_Transcode(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not available")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp4")
	gen := exec.Command("ffmpeg", "-y", "-f", "lavfi", "-i", "testsrc=duration=1:size=64x64:rate=30",
		"-c:v", "mpeg4", src)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("cannot generate fixture: %v: %s", err, out)
	}

	var last float64
	dst := filepath.Join(dir, "dst.mov")
	err := FFmpeg{}.Transcode(context.Background(), src, dst, func(p float64) {
		if p < last {
			t.Errorf("progress went back: %f < %f", p, last)
		}
		last = p
	})
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	if last != 1 {
		t.Fatalf("final progress %f", last)
	}
}

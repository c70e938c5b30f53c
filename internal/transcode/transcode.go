// Package transcode normalises arbitrary video input to H.264/AAC QuickTime with ffmpeg.
package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNotFound means the ffmpeg or ffprobe binary is not available.
var ErrNotFound = errors.New("ffmpeg not found")

// FFmpeg wraps ffmpeg and ffprobe calls.
type FFmpeg struct {
	// FFmpegPath defaults to "ffmpeg" looked up in PATH.
	FFmpegPath string
	// FFprobePath defaults to "ffprobe" looked up in PATH.
	FFprobePath string
}

func (f FFmpeg) ffmpeg() string {
	if f.FFmpegPath != "" {
		return f.FFmpegPath
	}
	return "ffmpeg"
}

func (f FFmpeg) ffprobe() string {
	if f.FFprobePath != "" {
		return f.FFprobePath
	}
	return "ffprobe"
}

// Available reports whether the ffmpeg binary can be found.
func (f FFmpeg) Available() bool {
	_, err := exec.LookPath(f.ffmpeg())
	return err == nil
}

// Transcode converts src into a QuickTime movie at dst and reports progress in [0, 1].
// Video is copied when it is already H.264, otherwise re-encoded.
func (f FFmpeg) Transcode(ctx context.Context, src, dst string, progress func(float64)) error {
	if !f.Available() {
		return ErrNotFound
	}

	codec, err := f.inspect(ctx, src, "-select_streams", "v:0", "-show_entries", "stream=codec_name")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, err)
		}
		return fmt.Errorf("ffprobe %s: %w", src, err)
	}
	if codec == "" {
		return fmt.Errorf("no video stream in %s", src)
	}
	duration := 0.0
	if v, err := f.inspect(ctx, src, "-show_entries", "format=duration"); err == nil {
		duration, _ = strconv.ParseFloat(v, 64)
	}

	tmp := dst + ".tmp.mov"
	_ = os.Remove(tmp)

	args := []string{"-y", "-i", src, "-sn", "-dn", "-map", "0:v:0", "-map", "0:a:0?", "-progress", "pipe:1", "-nostats"}
	if codec == "h264" {
		args = append(args, "-c:v", "copy")
	} else {
		args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-crf", "20", "-pix_fmt", "yuv420p")
	}
	args = append(args, "-c:a", "aac", "-ac", "2", "-ar", "44100", "-f", "mov", tmp)

	cmd := exec.CommandContext(ctx, f.ffmpeg(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return err
	}

	totalMs := int64(duration * 1000)
	last := 0.0
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		ms, ok := parseProgressLine(scanner.Text())
		if !ok || totalMs <= 0 {
			continue
		}
		p := float64(ms) / float64(totalMs)
		if p > 0.99 {
			p = 0.99
		}
		if p > last {
			last = p
			if progress != nil {
				progress(p)
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		_ = os.Remove(tmp)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if progress != nil {
		progress(1)
	}

	_ = os.Remove(dst)
	return os.Rename(tmp, dst)
}

// parseProgressLine extracts the output time from a "-progress" line.
// ffmpeg reports out_time_ms in microseconds despite the name.
func parseProgressLine(line string) (int64, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok || key != "out_time_ms" {
		return 0, false
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return us / 1000, true
}

func (f FFmpeg) inspect(ctx context.Context, src string, args ...string) (string, error) {
	args = append([]string{"-v", "error"}, args...)
	args = append(args, "-of", "default=nokey=1:noprint_wrappers=1", src)

	out, err := exec.CommandContext(ctx, f.ffprobe(), args...).Output()
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(out))
	if i := strings.IndexByte(v, '\n'); i >= 0 {
		v = v[:i]
	}
	return v, nil
}

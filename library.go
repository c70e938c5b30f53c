package livephoto

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/vearutop/livephoto/internal/fsx"
)

// Library stores paired resources outside the codec scratch directory.
type Library interface {
	Save(ctx context.Context, res Resources) (*Resources, error)
}

// DirLibrary stores pairs in a directory as IMG_<n>.JPG and IMG_<n>.MOV.
type DirLibrary struct {
	Dir string

	mu sync.Mutex
}

var reLibraryName = regexp.MustCompile(`^IMG_([0-9]+)\.`)

// Save moves both files of res into the directory under the next free number.
// On failure the files are moved back.
func (l *DirLibrary) Save(ctx context.Context, res Resources) (*Resources, error) {
	const stage = "save to library"

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return nil, newError(ErrWriteFailed, stage, l.Dir, err)
	}
	n, err := l.next()
	if err != nil {
		return nil, newError(ErrWriteFailed, stage, l.Dir, err)
	}

	name := fmt.Sprintf("IMG_%04d", n)
	saved := &Resources{
		StillImagePath: filepath.Join(l.Dir, name+upperExt(res.StillImagePath, extJPEG)),
		VideoPath:      filepath.Join(l.Dir, name+upperExt(res.VideoPath, extMOV)),
	}

	if err := fsx.MoveFile(res.StillImagePath, saved.StillImagePath); err != nil {
		return nil, newError(ErrWriteFailed, stage, saved.StillImagePath, err)
	}
	if err := fsx.MoveFile(res.VideoPath, saved.VideoPath); err != nil {
		if rbErr := fsx.MoveFile(saved.StillImagePath, res.StillImagePath); rbErr != nil {
			_ = os.Remove(saved.StillImagePath)
		}
		return nil, newError(ErrWriteFailed, stage, saved.VideoPath, err)
	}
	return saved, nil
}

// next returns one past the highest IMG_<n> number in the directory.
func (l *DirLibrary) next() (int, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, e := range entries {
		m := reLibraryName.FindStringSubmatch(e.Name())
		if len(m) != 2 {
			continue
		}
		if v, err := strconv.Atoi(m[1]); err == nil && v > highest {
			highest = v
		}
	}
	return highest + 1, nil
}

func upperExt(path, def string) string {
	if ext := filepath.Ext(path); ext != "" {
		return strings.ToUpper(ext)
	}
	return def
}

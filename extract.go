package livephoto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vearutop/livephoto/internal/fsx"
)

type fetched struct {
	res  Resource
	data []byte
	err  error
}

// Extract writes the photo and paired video of asset into dir.
// Both resources are fetched concurrently. If either is missing or fails,
// nothing is left in dir and the error wraps ErrIncompletePair.
func Extract(ctx context.Context, asset Asset, dir string) (*Resources, error) {
	return extract(ctx, asset, dir, zap.NewNop())
}

func extract(ctx context.Context, asset Asset, dir string, log *zap.Logger) (*Resources, error) {
	const stage = "extract resources"

	list, err := asset.Resources(ctx)
	if err != nil {
		return nil, newError(ErrIncompletePair, stage, "", err)
	}

	var photo, video *Resource
	for i := range list {
		r := &list[i]
		switch r.Type {
		case ResourcePhoto:
			if photo == nil {
				photo = r
			}
		case ResourcePairedVideo:
			if video == nil {
				video = r
			}
		}
	}
	if photo == nil || video == nil {
		return nil, newError(ErrIncompletePair, stage, "", fmt.Errorf("photo %t, paired video %t", photo != nil, video != nil))
	}

	results := make([]fetched, 2)
	var wg sync.WaitGroup
	for i, r := range []*Resource{photo, video} {
		wg.Add(1)
		go func(i int, r Resource) {
			defer wg.Done()
			data, uti, err := fetchResource(ctx, r)
			if r.UniformType == "" {
				r.UniformType = uti
			}
			results[i] = fetched{res: r, data: data, err: err}
		}(i, *r)
	}
	wg.Wait()

	for _, f := range results {
		if f.err != nil {
			log.Debug("resource fetch failed",
				zap.String("resource", f.res.Type.String()),
				zap.String("name", f.res.OriginalFilename),
				zap.Error(f.err))
			return nil, newError(ErrIncompletePair, stage, f.res.OriginalFilename, f.err)
		}
	}

	var written []string
	rollback := func() {
		for _, p := range written {
			_ = os.Remove(p)
		}
	}
	for _, f := range results {
		if err := ctx.Err(); err != nil {
			rollback()
			return nil, fmt.Errorf("%s: %w", stage, err)
		}
		dst := filepath.Join(dir, resourceFileName(f.res))
		if err := fsx.WriteFileAtomic(dst, f.data); err != nil {
			rollback()
			return nil, newError(ErrIncompletePair, stage, dst, errors.Join(ErrWriteFailed, err))
		}
		written = append(written, dst)
	}

	log.Debug("resources extracted",
		zap.String("photo", written[0]),
		zap.String("video", written[1]))
	return &Resources{StillImagePath: written[0], VideoPath: written[1]}, nil
}

// fetchResource reads all data of r, with the uniform type the data declares about itself.
func fetchResource(ctx context.Context, r Resource) ([]byte, string, error) {
	if r.Open == nil {
		return nil, "", errors.New("resource has no data")
	}
	rc, err := r.Open(ctx)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()

	uti := ""
	if tb, ok := rc.(interface{ UniformType() string }); ok {
		uti = tb.UniformType()
	}

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty resource")
	}
	return data, uti, ctx.Err()
}

func resourceFileName(r Resource) string {
	base := filepath.Base(r.OriginalFilename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = strings.ReplaceAll(r.Type.String(), " ", "_")
	}
	return base + extensionFor(r)
}

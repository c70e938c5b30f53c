package mov

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/sunfish-shogi/bufseekio"
)

// ErrCancelled is returned by SampleReader.Next after Cancel.
var ErrCancelled = errors.New("sample reader cancelled")

// SampleReader reads the samples of one track in decode order from its own file handle.
type SampleReader struct {
	f         *os.File
	r         io.ReadSeeker
	size      int64
	track     *Track
	next      int
	cancelled atomic.Bool
}

// NewSampleReader opens a reader for the track of a movie parsed with OpenFile.
func (m *Movie) NewSampleReader(t *Track) (*SampleReader, error) {
	if m.Path == "" {
		return nil, errors.New("movie has no backing file")
	}
	f, err := os.Open(filepath.Clean(m.Path))
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &SampleReader{
		f:     f,
		r:     bufseekio.NewReadSeeker(f, readBufferSize, readBufferCount),
		size:  st.Size(),
		track: t,
	}, nil
}

// Track returns the track being read.
func (r *SampleReader) Track() *Track { return r.track }

// Next returns the next sample and its bytes, or io.EOF after the last one.
func (r *SampleReader) Next() (Sample, []byte, error) {
	if r.cancelled.Load() {
		return Sample{}, nil, ErrCancelled
	}
	if r.next >= len(r.track.Samples) {
		return Sample{}, nil, io.EOF
	}
	s := r.track.Samples[r.next]
	if s.Offset < 0 || s.Offset+int64(s.Size) > r.size {
		return Sample{}, nil, io.ErrUnexpectedEOF
	}
	if _, err := r.r.Seek(s.Offset, io.SeekStart); err != nil {
		return Sample{}, nil, err
	}
	data := make([]byte, s.Size)
	if _, err := io.ReadFull(r.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Sample{}, nil, err
	}
	r.next++
	return s, data, nil
}

// Cancel makes subsequent Next calls fail with ErrCancelled. It is safe for concurrent use.
func (r *SampleReader) Cancel() {
	r.cancelled.Store(true)
}

// Close releases the file handle.
func (r *SampleReader) Close() error {
	return r.f.Close()
}

// Package movtest writes small synthetic QuickTime clips for tests.
package movtest

import (
	"encoding/binary"

	"github.com/vearutop/livephoto/internal/mov"
)

// Clip describes a synthetic movie.
type Clip struct {
	Frames     int
	FrameDelta uint32 // in Timescale units, 20 when zero
	Timescale  uint32 // 600 when zero
	Width      uint16
	Height     uint16
	// AudioPackets adds a 44.1 kHz audio track with 1024-sample packets.
	AudioPackets int
	// StillImageTime adds a timed metadata track with one still-image-time sample at this movie time.
	StillImageTime *int64
	// ContentIdentifier is written as a movie-level item when not empty.
	ContentIdentifier string
}

// Default is a 4 second 30 fps clip with one second of audio.
func Default() Clip {
	return Clip{Frames: 120, Width: 1920, Height: 1080, AudioPackets: 43}
}

// WriteClip writes the clip to path.
func WriteClip(path string, c Clip) error {
	if c.FrameDelta == 0 {
		c.FrameDelta = 20
	}
	if c.Timescale == 0 {
		c.Timescale = 600
	}
	if c.Width == 0 {
		c.Width, c.Height = 64, 48
	}

	w, err := mov.Create(path)
	if err != nil {
		return err
	}
	w.Timescale = c.Timescale

	video, err := w.AddTrack(mov.TrackConfig{
		Handler:           mov.HandlerVideo,
		Timescale:         c.Timescale,
		SampleDescription: visualSampleDescription(c.Width, c.Height),
		Width:             uint32(c.Width) << 16,
		Height:            uint32(c.Height) << 16,
	})
	if err != nil {
		_ = w.Cancel()
		return err
	}

	var audio *mov.TrackWriter
	if c.AudioPackets > 0 {
		audio, err = w.AddTrack(mov.TrackConfig{
			Handler:           mov.HandlerAudio,
			Timescale:         44100,
			SampleDescription: soundSampleDescription(),
			Volume:            0x0100,
			AlternateGroup:    1,
		})
		if err != nil {
			_ = w.Cancel()
			return err
		}
	}

	var meta *mov.TrackWriter
	if c.StillImageTime != nil {
		meta, err = w.AddTrack(mov.TrackConfig{
			Handler:   mov.HandlerMetadata,
			Timescale: c.Timescale,
			SampleDescription: mov.TimedMetadataDescription([]mov.KeySpec{
				{Key: mov.KeyStillImageTime, DataType: mov.TypeInt8},
			}),
		})
		if err != nil {
			_ = w.Cancel()
			return err
		}
	}

	if c.ContentIdentifier != "" {
		w.SetMetadata([]mov.Item{{
			Namespace: mov.NamespaceMDTA,
			Key:       mov.KeyContentIdentifier,
			Type:      mov.TypeUTF8,
			Value:     []byte(c.ContentIdentifier),
		}})
	}

	if err := w.StartSession(); err != nil {
		_ = w.Cancel()
		return err
	}

	if err := writeSamples(c, video, audio, meta); err != nil {
		_ = w.Cancel()
		return err
	}

	return w.Finish()
}

func writeSamples(c Clip, video, audio, meta *mov.TrackWriter) error {
	packet := 0
	for i := 0; i < c.Frames; i++ {
		if err := video.Append(frame(i), mov.SampleInfo{Duration: c.FrameDelta, Sync: i%30 == 0}); err != nil {
			return err
		}
		// Interleave roughly one audio packet per frame.
		if audio != nil && packet < c.AudioPackets {
			if err := audio.Append(frame(1000 + packet)[:32], mov.SampleInfo{Duration: 1024, Sync: true}); err != nil {
				return err
			}
			packet++
		}
	}
	for ; audio != nil && packet < c.AudioPackets; packet++ {
		if err := audio.Append(frame(1000 + packet)[:32], mov.SampleInfo{Duration: 1024, Sync: true}); err != nil {
			return err
		}
	}
	video.MarkFinished()
	if audio != nil {
		audio.MarkFinished()
	}

	if meta != nil {
		start := *c.StillImageTime
		sample := mov.EncodeTimedMetadataSample(map[uint32][]byte{1: {0}}, []uint32{1})
		if err := meta.Append(sample, mov.SampleInfo{Duration: c.FrameDelta, Sync: true}); err != nil {
			return err
		}
		var edits []mov.Edit
		if start > 0 {
			edits = append(edits, mov.Edit{SegmentDuration: uint64(start), MediaTime: -1})
		}
		edits = append(edits, mov.Edit{SegmentDuration: uint64(c.FrameDelta), MediaTime: 0})
		meta.SetEdits(edits)
		meta.MarkFinished()
	}
	return nil
}

// frame returns 64 deterministic bytes for sample i.
func frame(i int) []byte {
	b := make([]byte, 64)
	binary.BigEndian.PutUint32(b, uint32(i))
	for k := 4; k < len(b); k++ {
		b[k] = byte(i + k)
	}
	return b
}

// Frame returns the bytes written for video sample i.
func Frame(i int) []byte { return frame(i) }

func visualSampleDescription(width, height uint16) []byte {
	entry := make([]byte, 0, 86)
	entry = binary.BigEndian.AppendUint32(entry, 86)
	entry = append(entry, "avc1"...)
	entry = append(entry, 0, 0, 0, 0, 0, 0)
	entry = binary.BigEndian.AppendUint16(entry, 1)
	entry = append(entry, make([]byte, 16)...)
	entry = binary.BigEndian.AppendUint16(entry, width)
	entry = binary.BigEndian.AppendUint16(entry, height)
	entry = binary.BigEndian.AppendUint32(entry, 0x00480000)
	entry = binary.BigEndian.AppendUint32(entry, 0x00480000)
	entry = binary.BigEndian.AppendUint32(entry, 0)
	entry = binary.BigEndian.AppendUint16(entry, 1)
	entry = append(entry, make([]byte, 32)...)
	entry = binary.BigEndian.AppendUint16(entry, 0x0018)
	entry = binary.BigEndian.AppendUint16(entry, 0xFFFF)
	return stsd(entry)
}

func soundSampleDescription() []byte {
	entry := make([]byte, 0, 36)
	entry = binary.BigEndian.AppendUint32(entry, 36)
	entry = append(entry, "mp4a"...)
	entry = append(entry, 0, 0, 0, 0, 0, 0)
	entry = binary.BigEndian.AppendUint16(entry, 1)
	entry = append(entry, make([]byte, 8)...)
	entry = binary.BigEndian.AppendUint16(entry, 2)
	entry = binary.BigEndian.AppendUint16(entry, 16)
	entry = append(entry, 0, 0, 0, 0)
	entry = binary.BigEndian.AppendUint32(entry, 44100<<16)
	return stsd(entry)
}

func stsd(entry []byte) []byte {
	b := make([]byte, 8, 8+len(entry))
	binary.BigEndian.PutUint32(b[4:], 1)
	return append(b, entry...)
}

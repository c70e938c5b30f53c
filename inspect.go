package livephoto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// PairReport describes a Live Photo pair read back from disk.
type PairReport struct {
	StillImagePath  string          `json:"still_image"`
	VideoPath       string          `json:"video"`
	ImageIdentifier AssetIdentifier `json:"image_identifier,omitempty"`
	VideoIdentifier AssetIdentifier `json:"video_identifier,omitempty"`
	StillImageTime  *TimeRange      `json:"still_image_time,omitempty"`
	StillWidth      int             `json:"still_width"`
	StillHeight     int             `json:"still_height"`
	FrameCount      int             `json:"frame_count"`
	Paired          bool            `json:"paired"`
}

// InspectPair reads back the identifiers of both files and the still-image time of the movie.
// Missing identifiers are left empty; unreadable files fail.
func InspectPair(image, video string) (*PairReport, error) {
	const stage = "inspect pair"

	r := &PairReport{StillImagePath: image, VideoPath: video}

	data, err := os.ReadFile(filepath.Clean(image))
	if err != nil {
		return nil, newError(ErrUnreadableSource, stage, image, err)
	}
	segs, _, err := headerSegments(data)
	if err != nil {
		return nil, newError(ErrUnreadableSource, stage, image, err)
	}
	if r.StillWidth, r.StillHeight, err = frameSize(segs); err != nil {
		return nil, newError(ErrUnreadableSource, stage, image, err)
	}

	id, err := imageIdentifier(data)
	if err != nil && !errors.Is(err, ErrNoIdentifier) {
		return nil, newError(ErrUnreadableSource, stage, image, err)
	}
	r.ImageIdentifier = id

	if id, err = ReadVideoIdentifier(video); err != nil && !errors.Is(err, ErrNoIdentifier) {
		return nil, err
	}
	r.VideoIdentifier = id

	if r.StillImageTime, err = ExistingStillImageTime(video); err != nil {
		return nil, err
	}
	if r.FrameCount, err = CountFrames(context.Background(), video, false); err != nil {
		return nil, err
	}

	r.Paired = r.ImageIdentifier != "" && r.ImageIdentifier == r.VideoIdentifier && r.StillImageTime != nil
	return r, nil
}

// ValidatePair fails with ErrIdentifierMismatch unless both files carry the same identifier.
func ValidatePair(image, video string) error {
	const stage = "validate pair"

	r, err := InspectPair(image, video)
	if err != nil {
		return err
	}
	if r.ImageIdentifier == "" || r.ImageIdentifier != r.VideoIdentifier {
		return newError(ErrIdentifierMismatch, stage, image,
			fmt.Errorf("image %q, video %q", r.ImageIdentifier, r.VideoIdentifier))
	}
	return nil
}
